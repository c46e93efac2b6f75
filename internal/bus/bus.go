// Package bus is the in-process broadcaster feeding admin push channels.
// Publishers never block: a subscriber that cannot keep up has events
// dropped and counted. No durability, no replay.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics carried on the bus.
const (
	TopicWAFEvent   = "waf_event"
	TopicBanCreated = "ban_created"
	TopicBanRemoved = "ban_removed"
	TopicBanUpdated = "ban_updated"
	TopicProxyEvent = "proxy_event"
)

// Event is one broadcast message. Data is whatever the producer persisted;
// callers publish only after the backing write has committed.
type Event struct {
	Topic string      `json:"topic"`
	Time  time.Time   `json:"time"`
	Data  interface{} `json:"data"`
}

// Subscriber receives events on a buffered channel.
type Subscriber struct {
	id      uint64
	events  chan Event
	topics  map[string]bool // nil = all topics
	dropped atomic.Int64

	// mu orders sends against close: an Unsubscribe concurrent with a
	// Publish must never send on the closed channel.
	mu     sync.Mutex
	closed bool
}

// Events is the receive side of the subscription. Closed on Unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events this subscriber missed.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscriber) send(evt Event) bool {
	if s.topics != nil && !s.topics[evt.Topic] {
		return true // filtered out, not a drop
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Bus fans events out to all subscribers.
type Bus struct {
	bufferSize int

	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	nextID      uint64

	published    atomic.Int64
	droppedTotal atomic.Int64
}

// New creates a bus. bufferSize is the per-subscriber channel depth.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		bufferSize:  bufferSize,
		subscribers: make(map[uint64]*Subscriber),
	}
}

// Subscribe registers a subscriber. With no topics it receives everything.
func (b *Bus) Subscribe(topics ...string) *Subscriber {
	s := &Subscriber{events: make(chan Event, b.bufferSize)}
	if len(topics) > 0 {
		s.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subscribers[s.id] = s
	b.mu.Unlock()
	return s
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	b.mu.Lock()
	delete(b.subscribers, s.id)
	b.mu.Unlock()
	s.close()
}

// Publish broadcasts to every subscriber without blocking.
func (b *Bus) Publish(topic string, data interface{}) {
	evt := Event{Topic: topic, Time: time.Now(), Data: data}
	b.published.Add(1)

	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.send(evt) {
			b.droppedTotal.Add(1)
		}
	}
}

// Close drops every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[uint64]*Subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// Stats returns bus statistics.
func (b *Bus) Stats() map[string]interface{} {
	b.mu.RLock()
	n := len(b.subscribers)
	b.mu.RUnlock()
	return map[string]interface{}{
		"subscribers":    n,
		"published":      b.published.Load(),
		"dropped_events": b.droppedTotal.Load(),
	}
}
