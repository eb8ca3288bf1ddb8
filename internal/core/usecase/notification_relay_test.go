package usecase

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

func TestNotificationRelayForwardsEvents(t *testing.T) {
	metrics := NewMetrics()
	bus := NewEventBus(metrics)
	pub := &publisherStub{}
	relay := NewNotificationRelay(bus, pub, metrics, slog.New(slog.DiscardHandler), 8)
	relay.Start(context.Background())

	bus.Publish(domain.ChangeEvent{Kind: domain.EventMutation, Table: "users", TxID: "a", Sequence: 1})
	bus.Publish(domain.ChangeEvent{Kind: domain.EventReplay, Table: "users", TxID: "b", Sequence: 2})

	waitFor(t, "events to be forwarded", func() bool { return len(pub.events()) == 2 })
	if err := relay.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := pub.events()
	if got[0].TxID != "a" || got[1].TxID != "b" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if s := metrics.Snapshot(); s.NotificationsSent != 2 || s.NotificationsFailed != 0 {
		t.Fatalf("unexpected metrics: %+v", s)
	}
}

func TestNotificationRelayCountsFailures(t *testing.T) {
	metrics := NewMetrics()
	bus := NewEventBus(metrics)
	pub := &publisherStub{err: errors.New("broker down")}
	relay := NewNotificationRelay(bus, pub, metrics, slog.New(slog.DiscardHandler), 8)
	relay.maxRetry = 1
	relay.baseDelay = time.Millisecond
	relay.Start(context.Background())
	defer relay.Close()

	bus.Publish(domain.ChangeEvent{Table: "users", TxID: "a", Sequence: 1})

	waitFor(t, "failure to be counted", func() bool { return metrics.Snapshot().NotificationsFailed == 1 })
	if s := metrics.Snapshot(); s.NotificationsSent != 0 {
		t.Fatalf("unexpected metrics: %+v", s)
	}
}
