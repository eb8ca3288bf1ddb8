// Package kafkaledger maps a channel onto a single-partition Kafka topic.
// The partition offset gives the global order: sequence = offset + 1.
package kafkaledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
)

const partition = 0

type Config struct {
	Brokers           []string
	TopicPrefix       string
	ReplicationFactor int
	Timeout           time.Duration
}

type Ledger struct {
	cfg    Config
	client *kafka.Client
	logger *slog.Logger

	mu      sync.Mutex
	readers map[*subscription]struct{}
	closed  bool
}

func New(cfg Config, logger *slog.Logger) (*Ledger, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers not configured", domain.ErrConfiguration)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		cfg: cfg,
		client: &kafka.Client{
			Addr:    kafka.TCP(cfg.Brokers...),
			Timeout: cfg.Timeout,
		},
		logger:  logger.With("component", "kafkaledger"),
		readers: map[*subscription]struct{}{},
	}, nil
}

var _ ports.Ledger = (*Ledger)(nil)

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (l *Ledger) topic(name string) string {
	return l.cfg.TopicPrefix + name
}

func (l *Ledger) CreateChannel(ctx context.Context, name string, opts domain.ChannelOptions) (domain.ChannelState, error) {
	rf := opts.ReplicationFactor
	if rf <= 0 {
		rf = l.cfg.ReplicationFactor
	}
	topic := l.topic(name)
	resp, err := l.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: rf,
		}},
		ValidateOnly: false,
	})
	if err != nil {
		return domain.ChannelState{}, classify(fmt.Errorf("create topic %s: %w", topic, err))
	}
	if terr := resp.Errors[topic]; terr != nil {
		if errors.Is(terr, kafka.TopicAlreadyExists) {
			return domain.ChannelState{}, fmt.Errorf("%w: channel %q already exists; attach to it instead", domain.ErrConfiguration, topic)
		}
		return domain.ChannelState{}, classify(fmt.Errorf("create topic %s: %w", topic, terr))
	}
	l.logger.Info("channel created", "topic", topic, "replication_factor", rf, "memo", opts.Memo)
	return domain.ChannelState{ChannelID: topic}, nil
}

// AttachChannel checks the topic has exactly one partition and reports the
// sequence of its last message.
func (l *Ledger) AttachChannel(ctx context.Context, channelID string) (domain.ChannelState, error) {
	meta, err := l.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{channelID}})
	if err != nil {
		return domain.ChannelState{}, classify(fmt.Errorf("metadata %s: %w", channelID, err))
	}
	if len(meta.Topics) != 1 {
		return domain.ChannelState{}, fmt.Errorf("%w: channel %q not found", domain.ErrConfiguration, channelID)
	}
	t := meta.Topics[0]
	if t.Error != nil {
		return domain.ChannelState{}, classify(fmt.Errorf("metadata %s: %w", channelID, t.Error))
	}
	if len(t.Partitions) != 1 {
		return domain.ChannelState{}, fmt.Errorf("%w: channel %q has %d partitions, want 1", domain.ErrConfiguration, channelID, len(t.Partitions))
	}

	last, err := l.highWatermark(ctx, channelID)
	if err != nil {
		return domain.ChannelState{}, err
	}
	return domain.ChannelState{ChannelID: channelID, LastSequence: last}, nil
}

// highWatermark is the offset the next message will get, which equals the
// sequence of the last message.
func (l *Ledger) highWatermark(ctx context.Context, topic string) (uint64, error) {
	resp, err := l.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{topic: {kafka.LastOffsetOf(partition)}},
	})
	if err != nil {
		return 0, classify(fmt.Errorf("list offsets %s: %w", topic, err))
	}
	for _, p := range resp.Topics[topic] {
		if p.Partition != partition {
			continue
		}
		if p.Error != nil {
			return 0, classify(fmt.Errorf("list offsets %s: %w", topic, p.Error))
		}
		if p.LastOffset < 0 {
			return 0, nil
		}
		return uint64(p.LastOffset), nil
	}
	return 0, fmt.Errorf("list offsets %s: partition %d missing", topic, partition)
}

// Submit produces one record with acks from all in-sync replicas, so a
// receipt means the message is durably ordered.
func (l *Ledger) Submit(ctx context.Context, channelID string, payload []byte) (domain.LedgerReceipt, error) {
	headers := InjectTraceHeaders(ctx, nil)
	resp, err := l.client.Produce(ctx, &kafka.ProduceRequest{
		Topic:        channelID,
		Partition:    partition,
		RequiredAcks: kafka.RequireAll,
		Records: kafka.NewRecordReader(kafka.Record{
			Value:   kafka.NewBytes(payload),
			Headers: headers,
		}),
	})
	if err != nil {
		return domain.LedgerReceipt{}, classify(fmt.Errorf("produce to %s: %w", channelID, err))
	}
	if resp.Error != nil {
		return domain.LedgerReceipt{}, classify(fmt.Errorf("produce to %s: %w", channelID, resp.Error))
	}
	for _, rerr := range resp.RecordErrors {
		return domain.LedgerReceipt{}, classify(fmt.Errorf("produce to %s: %w", channelID, rerr))
	}

	at := resp.LogAppendTime
	if at.IsZero() {
		at = time.Now()
	}
	return domain.LedgerReceipt{
		Status:      domain.LedgerSuccess,
		ChannelID:   channelID,
		Sequence:    uint64(resp.BaseOffset) + 1,
		SubmittedAt: at.UTC(),
	}, nil
}

func (l *Ledger) Subscribe(_ context.Context, channelID string, after uint64) (ports.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, domain.ErrClosed
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   l.cfg.Brokers,
		Topic:     channelID,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   500 * time.Millisecond,
	})
	// The message with sequence after+1 lives at offset after.
	if err := reader.SetOffset(int64(after)); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("seek %s to %d: %w", channelID, after, err)
	}
	sub := &subscription{ledger: l, reader: reader}
	l.readers[sub] = struct{}{}
	return sub, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	l.closed = true
	subs := make([]*subscription, 0, len(l.readers))
	for s := range l.readers {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type subscription struct {
	ledger *Ledger
	reader *kafka.Reader
	once   sync.Once
}

func (s *subscription) Next(ctx context.Context) (domain.Delivery, error) {
	msg, err := s.reader.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Delivery{}, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return domain.Delivery{}, domain.ErrClosed
		}
		return domain.Delivery{}, fmt.Errorf("read %s: %w", s.reader.Config().Topic, err)
	}
	return toDelivery(msg), nil
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.ledger.mu.Lock()
		delete(s.ledger.readers, s)
		s.ledger.mu.Unlock()
		err = s.reader.Close()
	})
	return err
}

func toDelivery(msg kafka.Message) domain.Delivery {
	return domain.Delivery{
		Sequence:  uint64(msg.Offset) + 1,
		Timestamp: msg.Time.UTC(),
		Payload:   msg.Value,
	}
}

// classify marks broker and network hiccups as transient; everything else
// (unknown topic, authorization, oversized message, policy) is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		// kafka-go reports unknown topics as temporary because brokers may
		// auto-create them; a channel must exist before use.
		if kerr == kafka.UnknownTopicOrPartition {
			return domain.PermanentLedgerError(err)
		}
		if kerr.Temporary() {
			return domain.TransientLedgerError(err)
		}
		return domain.PermanentLedgerError(err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return domain.TransientLedgerError(err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return domain.TransientLedgerError(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.TransientLedgerError(err)
	}
	return domain.PermanentLedgerError(err)
}
