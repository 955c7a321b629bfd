// Package bus provides an in-process publish/subscribe event bus. Every
// state change in the system is announced here as a typed envelope so
// operator UIs and other observers see one consistent stream.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueSize is the per-subscriber buffer. A subscriber that falls
// this far behind is disconnected rather than allowed to stall publishers.
const DefaultQueueSize = 64

// Event is the envelope carried by every message on the bus.
type Event struct {
	Type   string         `json:"type"`
	TS     time.Time      `json:"ts"`
	Data   map[string]any `json:"data"`
	Source string         `json:"source,omitempty"`
}

// Subscription is one subscriber's view of the bus. Events arrive on C;
// the channel is closed when the subscription detaches, whether by Close
// or because the bus dropped it as a slow consumer.
type Subscription struct {
	C chan Event

	bus    *Bus
	id     int
	closed bool
	mu     sync.Mutex
}

// Close detaches the subscription from the bus. Safe to call twice.
func (s *Subscription) Close() {
	// Detach first so no publisher still holds the channel, then close.
	s.bus.remove(s.id)
	s.markClosed()
}

// markClosed closes the channel exactly once.
func (s *Subscription) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
}

// Bus fans events out to all current subscribers. Publish never blocks:
// a subscriber whose buffer is full is dropped.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int

	queueSize int
	logger    *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber buffer size.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[int]*Subscription),
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches a new subscriber receiving every event published
// after this call.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		C:   make(chan Event, b.queueSize),
		bus: b,
		id:  b.nextID,
	}
	b.subs[b.nextID] = sub
	b.nextID++
	return sub
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers the event to every subscriber and returns how many
// received it. Subscribers with full buffers are disconnected.
func (b *Bus) Publish(eventType string, data map[string]any, source string) int {
	event := Event{
		Type:   eventType,
		TS:     time.Now().UTC(),
		Data:   data,
		Source: source,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sent := 0
	for id, sub := range b.subs {
		select {
		case sub.C <- event:
			sent++
		default:
			// Slow consumer. Drop it so publishers never stall; closing
			// the channel tells the subscriber it was disconnected.
			delete(b.subs, id)
			sub.markClosed()
			b.logger.Warn("Dropping slow bus subscriber", "subscriber", id, "event_type", eventType)
		}
	}
	return sent
}

// PublishAsync delivers the event without waiting for the result. Used
// from hot paths where the caller has no use for the delivery count.
func (b *Bus) PublishAsync(eventType string, data map[string]any, source string) {
	go b.Publish(eventType, data, source)
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
