// Package memledger is an in-process channel implementation. Several
// databases sharing one Ledger see the same ordered stream, which makes it
// suitable for tests and single-process deployments.
package memledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
	"github.com/atvirokodosprendimai/ledgerdb/internal/core/ports"
)

// SubmitHook runs before a payload is appended. A non-nil error rejects the
// submission and nothing is appended.
type SubmitHook func(channelID string, payload []byte) error

type Ledger struct {
	now func() time.Time

	mu       sync.Mutex
	channels map[string]*channel
	hook     SubmitHook
	faults   []error
	closed   bool
	done     chan struct{}
}

type channel struct {
	id      string
	name    string
	entries []domain.Delivery
	// wake is closed and replaced on every append.
	wake chan struct{}
}

func New() *Ledger {
	return &Ledger{
		now:      time.Now,
		channels: map[string]*channel{},
		done:     make(chan struct{}),
	}
}

var _ ports.Ledger = (*Ledger)(nil)

// SetSubmitHook installs a hook consulted on every Submit.
func (l *Ledger) SetSubmitHook(h SubmitHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = h
}

// FailNext makes the next len(errs) submissions fail with the given errors,
// in order. A nil entry lets that submission through.
func (l *Ledger) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, errs...)
}

func (l *Ledger) CreateChannel(_ context.Context, name string, _ domain.ChannelOptions) (domain.ChannelState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return domain.ChannelState{}, domain.ErrClosed
	}
	id := uuid.NewString()
	l.channels[id] = &channel{id: id, name: name, wake: make(chan struct{})}
	return domain.ChannelState{ChannelID: id}, nil
}

// AttachChannel attaches to an existing channel. A channel id the ledger has
// never seen is created empty, so independent processes can agree on an id
// up front.
func (l *Ledger) AttachChannel(_ context.Context, channelID string) (domain.ChannelState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return domain.ChannelState{}, domain.ErrClosed
	}
	ch := l.channelLocked(channelID)
	return domain.ChannelState{ChannelID: ch.id, LastSequence: uint64(len(ch.entries))}, nil
}

func (l *Ledger) Submit(_ context.Context, channelID string, payload []byte) (domain.LedgerReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return domain.LedgerReceipt{}, domain.PermanentLedgerError(domain.ErrClosed)
	}
	if len(l.faults) > 0 {
		err := l.faults[0]
		l.faults = l.faults[1:]
		if err != nil {
			return domain.LedgerReceipt{}, err
		}
	}
	if l.hook != nil {
		if err := l.hook(channelID, payload); err != nil {
			return domain.LedgerReceipt{}, err
		}
	}
	ch, ok := l.channels[channelID]
	if !ok {
		return domain.LedgerReceipt{}, domain.PermanentLedgerError(fmt.Errorf("unknown channel %q", channelID))
	}

	at := l.now().UTC()
	seq := uint64(len(ch.entries)) + 1
	ch.entries = append(ch.entries, domain.Delivery{
		Sequence:  seq,
		Timestamp: at,
		Payload:   append([]byte(nil), payload...),
	})
	close(ch.wake)
	ch.wake = make(chan struct{})

	return domain.LedgerReceipt{Status: domain.LedgerSuccess, ChannelID: channelID, Sequence: seq, SubmittedAt: at}, nil
}

func (l *Ledger) Subscribe(_ context.Context, channelID string, after uint64) (ports.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, domain.ErrClosed
	}
	return &subscription{ledger: l, ch: l.channelLocked(channelID), next: after, done: make(chan struct{})}, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

// Len returns the number of messages in a channel.
func (l *Ledger) Len(channelID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.channels[channelID]; ok {
		return len(ch.entries)
	}
	return 0
}

func (l *Ledger) channelLocked(id string) *channel {
	ch, ok := l.channels[id]
	if !ok {
		ch = &channel{id: id, wake: make(chan struct{})}
		l.channels[id] = ch
	}
	return ch
}

type subscription struct {
	ledger *Ledger
	ch     *channel
	next   uint64 // last delivered sequence

	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscription) Next(ctx context.Context) (domain.Delivery, error) {
	for {
		s.ledger.mu.Lock()
		if s.ledger.closed {
			s.ledger.mu.Unlock()
			return domain.Delivery{}, domain.ErrClosed
		}
		if s.next < uint64(len(s.ch.entries)) {
			d := s.ch.entries[s.next]
			s.next++
			s.ledger.mu.Unlock()
			return d, nil
		}
		wake := s.ch.wake
		s.ledger.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Delivery{}, ctx.Err()
		case <-s.done:
			return domain.Delivery{}, domain.ErrClosed
		case <-s.ledger.done:
			return domain.Delivery{}, domain.ErrClosed
		case <-wake:
		}
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
