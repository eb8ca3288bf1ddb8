package usecase

import (
	"sync"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

const defaultSubscriberBuffer = 256

// EventBus fans change events out to registered subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event and the drop is
// counted.
type EventBus struct {
	metrics *Metrics

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan domain.ChangeEvent
	closed bool
}

type EventSubscription struct {
	id  int
	bus *EventBus
	C   <-chan domain.ChangeEvent
}

func NewEventBus(metrics *Metrics) *EventBus {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &EventBus{metrics: metrics, subs: make(map[int]chan domain.ChangeEvent)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// channel is closed by Unsubscribe or when the bus is closed.
func (b *EventBus) Subscribe(buffer int) *EventSubscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan domain.ChangeEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return &EventSubscription{id: -1, bus: b, C: ch}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return &EventSubscription{id: id, bus: b, C: ch}
}

func (s *EventSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(ch)
	}
}

func (b *EventBus) Publish(event domain.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.metrics.notificationsDropped.Add(1)
		}
	}
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
