package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
)

const tracerName = "github.com/atvirokodosprendimai/ledgerdb"

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 50 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// LedgerClient publishes ledger messages to the bound channel. Transient
// failures are retried with capped exponential backoff; permanent rejections
// are returned on the first attempt.
type LedgerClient struct {
	ledger  ports.Ledger
	codec   *MessageCodec
	metrics *Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	policy  RetryPolicy

	mu        sync.RWMutex
	channelID string
}

func NewLedgerClient(ledger ports.Ledger, codec *MessageCodec, metrics *Metrics, logger *slog.Logger, policy RetryPolicy) *LedgerClient {
	if codec == nil {
		codec = DefaultMessageCodec()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerClient{
		ledger:  ledger,
		codec:   codec,
		metrics: metrics,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
		policy:  policy.withDefaults(),
	}
}

func (c *LedgerClient) ChannelID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channelID
}

func (c *LedgerClient) Codec() *MessageCodec { return c.codec }

// Attach binds the client to an existing channel.
func (c *LedgerClient) Attach(ctx context.Context, channelID string) (domain.ChannelState, error) {
	state, err := c.ledger.AttachChannel(ctx, channelID)
	if err != nil {
		return domain.ChannelState{}, fmt.Errorf("attach channel %s: %w", channelID, err)
	}
	c.bind(state.ChannelID)
	c.logger.Info("ledger channel attached", "channel", state.ChannelID, "last_sequence", state.LastSequence)
	return state, nil
}

// Create makes a new channel and binds the client to it.
func (c *LedgerClient) Create(ctx context.Context, name string, opts domain.ChannelOptions) (domain.ChannelState, error) {
	state, err := c.ledger.CreateChannel(ctx, name, opts)
	if err != nil {
		return domain.ChannelState{}, fmt.Errorf("create channel %s: %w", name, err)
	}
	c.bind(state.ChannelID)
	c.logger.Info("ledger channel created", "channel", state.ChannelID)
	return state, nil
}

func (c *LedgerClient) bind(channelID string) {
	c.mu.Lock()
	c.channelID = channelID
	c.mu.Unlock()
}

// Publish encodes msg and blocks until the channel acknowledges it.
func (c *LedgerClient) Publish(ctx context.Context, msg domain.LedgerMessage) (domain.LedgerReceipt, []byte, error) {
	channelID := c.ChannelID()
	if channelID == "" {
		return domain.LedgerReceipt{}, nil, domain.ErrNotInitialized
	}
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return domain.LedgerReceipt{}, nil, err
	}

	ctx, span := c.tracer.Start(ctx, "ledger.submit", trace.WithAttributes(
		attribute.String("ledger.channel", channelID),
		attribute.String("ledger.operation", string(msg.Type)),
		attribute.String("ledger.table", msg.Table),
		attribute.String("ledger.tx_id", msg.TxID),
	))
	defer span.End()

	var receipt domain.LedgerReceipt
	attempt := 0
	err = retry.Do(ctx, c.policy.backoff(), func(ctx context.Context) error {
		attempt++
		r, err := c.ledger.Submit(ctx, channelID, payload)
		if err != nil {
			if domain.IsPermanentLedgerError(err) || ctx.Err() != nil {
				return err
			}
			c.logger.Warn("ledger submit failed, retrying",
				"channel", channelID, "tx_id", msg.TxID, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		if r.Status != domain.LedgerSuccess {
			return domain.PermanentLedgerError(fmt.Errorf("unexpected ledger status %q", r.Status))
		}
		receipt = r
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrLedgerSubmission) {
			err = domain.TransientLedgerError(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger submit failed")
		c.logger.Error("ledger submit gave up",
			"channel", channelID, "tx_id", msg.TxID, "attempts", attempt, "error", err)
		return domain.LedgerReceipt{}, nil, err
	}

	if receipt.ChannelID == "" {
		receipt.ChannelID = channelID
	}
	span.SetAttributes(attribute.Int64("ledger.sequence", int64(receipt.Sequence)))
	c.metrics.publications.Add(1)
	return receipt, payload, nil
}

// Head returns the last sequence currently on the channel.
func (c *LedgerClient) Head(ctx context.Context) (uint64, error) {
	channelID := c.ChannelID()
	if channelID == "" {
		return 0, domain.ErrNotInitialized
	}
	state, err := c.ledger.AttachChannel(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("read channel head: %w", err)
	}
	return state.LastSequence, nil
}

func (c *LedgerClient) Subscribe(ctx context.Context, after uint64) (ports.Subscription, error) {
	channelID := c.ChannelID()
	if channelID == "" {
		return nil, domain.ErrNotInitialized
	}
	return c.ledger.Subscribe(ctx, channelID, after)
}

func (c *LedgerClient) Close() error {
	return c.ledger.Close()
}
