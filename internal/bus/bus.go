// Package bus is an in-process pub/sub bus for task lifecycle events.
package bus

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultBufferSize = 100
	// historySize bounds the replay buffer handed to late subscribers.
	historySize = 64
)

// Event is a message published on the bus. Seq increases by one per
// Publish across all topics.
type Event struct {
	Seq     uint64
	Topic   string
	Payload any
	At      time.Time
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus routes events to subscribers by topic prefix and remembers the most
// recent ones.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	seq    uint64

	history []Event
	head    int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[int]*Subscription),
		history: make([]Event, 0, historySize),
	}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics. Slow consumers miss events
// once their buffer fills.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	event := Event{Seq: b.seq, Topic: topic, Payload: payload, At: time.Now().UTC()}

	if len(b.history) < historySize {
		b.history = append(b.history, event)
	} else {
		b.history[b.head] = event
		b.head = (b.head + 1) % historySize
	}

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// Recent returns up to the last 64 events matching prefix, oldest first.
func (b *Bus) Recent(prefix string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.history))
	n := len(b.history)
	for i := 0; i < n; i++ {
		ev := b.history[(b.head+i)%n]
		if prefix == "" || strings.HasPrefix(ev.Topic, prefix) {
			out = append(out, ev)
		}
	}
	return out
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
