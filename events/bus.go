package events

import (
	"sync"

	"github.com/goliatone/go-process/failure"
)

// Bus broadcasts events to every current subscriber. Publish never waits on
// subscribers: each subscription buffers events in its own queue and a
// dedicated goroutine drains it into C().
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Publish enqueues the event for every subscriber. Publishing on a closed bus
// fails with OBJECT_DISPOSED.
func (b *Bus) Publish(e Event) error {
	if e == nil {
		return failure.InvalidArgument("event cannot be nil", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return failure.ObjectDisposed("event bus is closed", map[string]any{
			"event_type": e.Type(),
		})
	}

	// holding b.mu keeps the relative order of publishes identical for
	// every subscriber
	for _, sub := range b.subs {
		sub.enqueue(e)
	}
	return nil
}

// Subscribe registers a new subscriber. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
//
// Every subscription owns a goroutine that delivers into C. Callers must
// either read C until it is closed or call Unsubscribe; a subscription that
// is never drained keeps its goroutine parked, even after the bus closes.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := newSubscription(b, b.nextID)
	if b.closed {
		sub.finish()
	} else {
		b.subs[sub.id] = sub
	}
	go sub.pump()
	return sub
}

// Observe pumps a new subscription into obs. The returned channel closes once
// the bus is closed (or the subscription cancelled) and obs has seen every
// queued event.
func (b *Bus) Observe(obs Observer) (*Subscription, <-chan struct{}) {
	sub := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.C() {
			obs.OnEvent(e)
		}
	}()
	return sub, done
}

// Close stops accepting events. Subscribers receive what was already queued
// and then see their channel closed. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.finish()
	}
	b.subs = make(map[uint64]*Subscription)
}

func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscription is a single consumer of a Bus.
type Subscription struct {
	bus *Bus
	id  uint64

	mu       sync.Mutex
	queue    []Event
	finished bool

	signal chan struct{}
	stop   chan struct{}
	out    chan Event
	once   sync.Once
}

func newSubscription(bus *Bus, id uint64) *Subscription {
	return &Subscription{
		bus:    bus,
		id:     id,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan Event),
	}
}

// C delivers events in publish order. It is closed when the bus closes
// (after the queue drains) or when Unsubscribe is called.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Unsubscribe detaches from the bus and drops anything still queued.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.bus != nil {
			s.bus.remove(s.id)
		}
		close(s.stop)
	})
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		s.mu.Lock()
		for len(s.queue) == 0 && !s.finished {
			s.mu.Unlock()
			select {
			case <-s.signal:
			case <-s.stop:
				return
			}
			s.mu.Lock()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.stop:
			return
		}
	}
}
