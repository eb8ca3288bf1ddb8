package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/canonical"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
)

var errEngineBusy = errors.New("sync engine is already consuming the channel")

type SyncOptions struct {
	// VerifyHashes recomputes the hash of each message's data and refuses to
	// apply messages whose declared hash does not match.
	VerifyHashes     bool
	MaxApplyAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

func (o SyncOptions) withDefaults() SyncOptions {
	if o.MaxApplyAttempts <= 0 {
		o.MaxApplyAttempts = 5
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 100 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 10 * time.Second
	}
	return o
}

type ReplayResult struct {
	From    uint64
	To      uint64
	Applied int
	Skipped int
}

// SyncEngine applies channel messages to the local store in sequence order.
// The persisted cursor only moves forward, and only in the transaction that
// applied the message, so a crash never skips or double-applies a message.
type SyncEngine struct {
	store   ports.RecordStore
	cursors ports.CursorRepository
	schemas *SchemaService
	ledger  *LedgerClient
	bus     *EventBus
	metrics *Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	opts    SyncOptions

	cursor    atomic.Uint64
	consuming atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncEngine(store ports.RecordStore, cursors ports.CursorRepository, schemas *SchemaService, ledger *LedgerClient, bus *EventBus, metrics *Metrics, logger *slog.Logger, opts SyncOptions) *SyncEngine {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if bus == nil {
		bus = NewEventBus(metrics)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncEngine{
		store:   store,
		cursors: cursors,
		schemas: schemas,
		ledger:  ledger,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With("component", "sync"),
		tracer:  otel.Tracer(tracerName),
		opts:    opts.withDefaults(),
	}
}

// Cursor is the last sequence applied (or skipped) by this engine.
func (e *SyncEngine) Cursor() uint64 {
	return e.cursor.Load()
}

// Start tails the channel in the background until Close is called.
func (e *SyncEngine) Start(parent context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	e.wg.Add(1)
	go e.loop(ctx)
}

// Close stops tailing and waits for an in-flight apply to finish.
func (e *SyncEngine) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	return nil
}

func (e *SyncEngine) loop(ctx context.Context) {
	defer e.wg.Done()
	b := retry.WithCappedDuration(e.opts.RetryMaxDelay, retry.NewExponential(e.opts.RetryBaseDelay))
	for {
		err := e.Tail(ctx)
		if ctx.Err() != nil {
			return
		}
		next, _ := b.Next()
		e.logger.Error("tail stopped, restarting", "error", err, "backoff", next)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}

// Tail consumes the channel from the persisted cursor until ctx is cancelled.
// A message that fails to apply is retried until it succeeds.
func (e *SyncEngine) Tail(ctx context.Context) error {
	if !e.consuming.CompareAndSwap(false, true) {
		return errEngineBusy
	}
	defer e.consuming.Store(false)

	from, err := e.loadCursor(ctx)
	if err != nil {
		return err
	}
	sub, err := e.ledger.Subscribe(ctx, from)
	if err != nil {
		return fmt.Errorf("subscribe from %d: %w", from, err)
	}
	defer sub.Close()

	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("next delivery: %w", err)
		}
		if _, err := e.process(ctx, d, false); err != nil {
			return err
		}
	}
}

// Replay applies every message up to and including until. Zero, or a value
// past the current channel head, replays up to the head. A message that still
// fails after MaxApplyAttempts aborts the replay with ErrApplyConflict.
func (e *SyncEngine) Replay(ctx context.Context, until uint64) (ReplayResult, error) {
	if !e.consuming.CompareAndSwap(false, true) {
		return ReplayResult{}, errEngineBusy
	}
	defer e.consuming.Store(false)

	head, err := e.ledger.Head(ctx)
	if err != nil {
		return ReplayResult{}, err
	}
	if until == 0 || until > head {
		until = head
	}
	from, err := e.loadCursor(ctx)
	if err != nil {
		return ReplayResult{}, err
	}
	result := ReplayResult{From: from, To: from}
	if from >= until {
		return result, nil
	}

	sub, err := e.ledger.Subscribe(ctx, from)
	if err != nil {
		return result, fmt.Errorf("subscribe from %d: %w", from, err)
	}
	defer sub.Close()

	for e.cursor.Load() < until {
		d, err := sub.Next(ctx)
		if err != nil {
			return result, fmt.Errorf("next delivery: %w", err)
		}
		if d.Sequence > until {
			break
		}
		applied, err := e.process(ctx, d, true)
		if err != nil {
			return result, err
		}
		if applied {
			result.Applied++
		} else {
			result.Skipped++
		}
		result.To = e.cursor.Load()
	}
	e.logger.Info("replay finished", "from", result.From, "to", result.To, "applied", result.Applied, "skipped", result.Skipped)
	return result, nil
}

func (e *SyncEngine) loadCursor(ctx context.Context) (uint64, error) {
	c, err := e.cursors.Load(ctx, e.ledger.ChannelID())
	if err != nil {
		return 0, fmt.Errorf("load sync cursor: %w", err)
	}
	if c.LastSequence > e.cursor.Load() {
		e.cursor.Store(c.LastSequence)
	}
	return e.cursor.Load(), nil
}

// process handles one delivery and reports whether it changed the store.
func (e *SyncEngine) process(ctx context.Context, d domain.Delivery, bounded bool) (bool, error) {
	if d.Sequence <= e.cursor.Load() {
		e.metrics.replaySkipped.Add(1)
		return false, nil
	}

	var b retry.Backoff = retry.WithCappedDuration(e.opts.RetryMaxDelay, retry.NewExponential(e.opts.RetryBaseDelay))
	if bounded {
		b = retry.WithMaxRetries(uint64(e.opts.MaxApplyAttempts-1), b)
	}

	var applied bool
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		var err error
		applied, err = e.apply(context.WithoutCancel(ctx), d)
		if err == nil {
			return nil
		}
		e.metrics.replayFailed.Add(1)
		e.logger.Error("apply failed", "sequence", d.Sequence, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		if !errors.Is(err, domain.ErrApplyConflict) {
			err = &domain.ApplyConflictError{Sequence: d.Sequence, Reason: "apply failed", Err: err}
		}
		return false, err
	}

	e.cursor.Store(d.Sequence)
	if applied {
		e.metrics.replayApplied.Add(1)
	} else {
		e.metrics.replaySkipped.Add(1)
	}
	return applied, nil
}

// apply writes one message to the store. Messages this store already
// recorded (its own mutations, or a replay that was interrupted after
// commit) are recognised by their sequence and only advance the cursor.
func (e *SyncEngine) apply(ctx context.Context, d domain.Delivery) (bool, error) {
	channelID := e.ledger.ChannelID()
	ctx, span := e.tracer.Start(ctx, "ledger.apply", trace.WithAttributes(
		attribute.String("ledger.channel", channelID),
		attribute.Int64("ledger.sequence", int64(d.Sequence)),
	))
	defer span.End()

	msg, err := e.ledger.Codec().Decode(d.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return false, &domain.ApplyConflictError{Sequence: d.Sequence, Reason: "undecodable message", Err: err}
	}
	span.SetAttributes(attribute.String("ledger.operation", string(msg.Type)), attribute.String("ledger.table", msg.Table))

	if msg.Type == domain.OpSchemaInit {
		if err := e.schemas.Register(ctx, msg.Schemas); err != nil {
			return false, &domain.ApplyConflictError{Sequence: d.Sequence, Reason: "schema registration failed", Err: err}
		}
	}

	var schema *domain.TableSchema
	var data map[string]any
	if msg.Type != domain.OpSchemaInit {
		schema, err = e.schemas.Table(msg.Table)
		if err != nil {
			return false, &domain.ApplyConflictError{Sequence: d.Sequence, Reason: "unknown table " + msg.Table, Err: err}
		}
		if msg.Type == domain.OpInsert || msg.Type == domain.OpUpdate {
			data, err = e.prepareData(schema, msg, d.Sequence)
			if err != nil {
				return false, err
			}
		}
	}

	receipt := domain.LedgerReceipt{Status: domain.LedgerSuccess, ChannelID: channelID, Sequence: d.Sequence, SubmittedAt: d.Timestamp}
	applied := false
	err = e.store.WriteTx(ctx, func(tx ports.RecordTx) error {
		seen, err := tx.HasSequence(channelID, d.Sequence)
		if err != nil {
			return err
		}
		if seen {
			return tx.AdvanceCursor(channelID, d.Sequence)
		}

		if schema != nil {
			if err := e.applyRow(tx, schema, msg, data, d.Sequence); err != nil {
				return err
			}
		}
		entry := auditEntryFor(msg, receipt, d.Payload, time.Now().UTC())
		entry.FromReplay = true
		if _, err := tx.AppendAudit(entry); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		if err := tx.AdvanceCursor(channelID, d.Sequence); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return false, err
	}

	if applied {
		e.bus.Publish(changeEvent(domain.EventReplay, msg, d.Sequence, time.Now().UTC()))
	}
	return applied, nil
}

func (e *SyncEngine) prepareData(schema *domain.TableSchema, msg domain.LedgerMessage, seq uint64) (map[string]any, error) {
	data, err := e.schemas.Normalize(schema, msg.Data)
	if err != nil {
		return nil, &domain.ApplyConflictError{Sequence: seq, Reason: "message data does not match schema", Err: err}
	}
	for _, col := range schema.Columns {
		if _, ok := data[col.Name]; !ok {
			data[col.Name] = nil
		}
	}
	if e.opts.VerifyHashes {
		computed, err := canonical.HashFields(data)
		if err != nil {
			return nil, &domain.ApplyConflictError{Sequence: seq, Reason: "message data cannot be hashed", Err: err}
		}
		if computed != msg.DeclaredHash() {
			return nil, &domain.ApplyConflictError{
				Sequence: seq,
				Reason:   fmt.Sprintf("integrity mismatch: declared %s, computed %s", msg.DeclaredHash(), computed),
			}
		}
	}
	return data, nil
}

func (e *SyncEngine) applyRow(tx ports.RecordTx, schema *domain.TableSchema, msg domain.LedgerMessage, data map[string]any, seq uint64) error {
	at := time.UnixMilli(msg.Timestamp).UTC()
	current, err := tx.Get(schema, msg.TxID)
	exists := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	switch msg.Type {
	case domain.OpInsert, domain.OpUpdate:
		hash, err := canonical.HashFields(data)
		if err != nil {
			return &domain.ApplyConflictError{Sequence: seq, Reason: "message data cannot be hashed", Err: err}
		}
		version := msg.Version
		if version <= 0 {
			version = 1
		}
		if !exists {
			if msg.Type == domain.OpUpdate {
				return &domain.ApplyConflictError{Sequence: seq, Reason: "update of unknown row " + msg.TxID}
			}
			return tx.InsertRow(schema, domain.Record{
				TxID:      msg.TxID,
				Table:     msg.Table,
				Fields:    data,
				Version:   version,
				DataHash:  hash,
				CreatorID: msg.Actor,
				CreatedAt: at,
				UpdatedAt: at,
			})
		}
		if msg.Type == domain.OpUpdate && current.DataHash != msg.PreviousHash {
			e.logger.Warn("local row diverged from channel, overwriting",
				"table", msg.Table, "tx_id", msg.TxID, "local_hash", current.DataHash, "previous_hash", msg.PreviousHash)
		}
		next := current.Clone()
		next.Fields = data
		next.Version = version
		next.DataHash = hash
		next.UpdatedAt = at
		next.Deleted = false
		return tx.UpdateRow(schema, next)
	case domain.OpDeleteSoft:
		if !exists {
			return &domain.ApplyConflictError{Sequence: seq, Reason: "soft delete of unknown row " + msg.TxID}
		}
		if current.Deleted {
			return nil
		}
		return tx.MarkDeleted(schema, msg.TxID, at)
	case domain.OpDeleteHard:
		if !exists {
			return nil
		}
		return tx.DeleteRow(schema, msg.TxID)
	}
	return &domain.ApplyConflictError{Sequence: seq, Reason: fmt.Sprintf("unsupported operation %q", msg.Type)}
}
