package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
)

// NotificationRelay forwards bus events to an external publisher. Delivery is
// best effort: an event that still fails after the retry budget is logged,
// counted and dropped.
type NotificationRelay struct {
	bus       *EventBus
	publisher ports.EventPublisher
	metrics   *Metrics
	logger    *slog.Logger
	buffer    int
	maxRetry  int
	baseDelay time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	sub    *EventSubscription
	wg     sync.WaitGroup
}

func NewNotificationRelay(bus *EventBus, publisher ports.EventPublisher, metrics *Metrics, logger *slog.Logger, buffer int) *NotificationRelay {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &NotificationRelay{
		bus:       bus,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With("component", "notifications"),
		buffer:    buffer,
		maxRetry:  3,
		baseDelay: 200 * time.Millisecond,
	}
}

func (r *NotificationRelay) Start(parent context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.sub = r.bus.Subscribe(r.buffer)
	r.wg.Add(1)
	go r.loop(ctx, r.sub)
}

func (r *NotificationRelay) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	sub := r.sub
	r.cancel = nil
	r.sub = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	r.wg.Wait()
	return nil
}

func (r *NotificationRelay) loop(ctx context.Context, sub *EventSubscription) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			r.deliver(ctx, event)
		}
	}
}

func (r *NotificationRelay) deliver(ctx context.Context, event domain.ChangeEvent) {
	b := retry.WithMaxRetries(uint64(r.maxRetry), retry.NewExponential(r.baseDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := r.publisher.Publish(ctx, event); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		r.metrics.notificationsFailed.Add(1)
		r.logger.Warn("notification dropped", "table", event.Table, "tx_id", event.TxID, "sequence", event.Sequence, "error", err)
		return
	}
	r.metrics.notificationsSent.Add(1)
}
