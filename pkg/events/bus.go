package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventBus provides publish/subscribe for mission runtime events.
type EventBus interface {
	Publish(event Event)
	Subscribe(filter ...EventType) <-chan Event
	Unsubscribe(ch <-chan Event)
	History(since time.Time) []Event
}

const subscriberBuffer = 64

type subscriber struct {
	ch      chan Event
	session string             // empty means every session
	types   map[EventType]bool // empty means every type
}

func (s subscriber) wants(e Event) bool {
	if s.session != "" && s.session != e.SessionID {
		return false
	}
	return len(s.types) == 0 || s.types[e.Type]
}

// MemoryBus keeps event history in memory and fans events out to
// subscribers. A subscriber that falls behind loses events rather than
// blocking the publisher; Dropped counts them.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]subscriber
	history []Event
	start   int // index of the oldest event once the ring is full
	limit   int
	dropped atomic.Int64
	now     func() time.Time
}

// NewMemoryBus creates a bus that keeps every event.
func NewMemoryBus() *MemoryBus {
	return NewBoundedBus(0)
}

// NewBoundedBus keeps the newest limit events; 0 means unbounded.
func NewBoundedBus(limit int) *MemoryBus {
	return &MemoryBus{
		subs:  make(map[<-chan Event]subscriber),
		limit: limit,
		now:   time.Now,
	}
}

func (b *MemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}

	b.mu.Lock()
	b.record(event)
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(event) {
			targets = append(targets, s.ch)
		}
	}
	// Sends happen under the read side so Unsubscribe cannot close a
	// channel mid-send.
	b.mu.Unlock()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range targets {
		if _, live := b.subs[ch]; !live {
			continue
		}
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemoryBus) record(e Event) {
	if b.limit <= 0 || len(b.history) < b.limit {
		b.history = append(b.history, e)
		return
	}
	b.history[b.start] = e
	b.start = (b.start + 1) % b.limit
}

// PublishPipelineEvent lets the bus serve as the orchestrator's publisher.
func (b *MemoryBus) PublishPipelineEvent(sessionID, eventType string, data any, stepIndex int, duration time.Duration) {
	b.Publish(Event{
		Type:      EventType(eventType),
		SessionID: sessionID,
		Data:      data,
		StepIndex: stepIndex,
		Duration:  duration,
	})
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given.
func (b *MemoryBus) Subscribe(filter ...EventType) <-chan Event {
	return b.SubscribeSession("", filter...)
}

// SubscribeSession is Subscribe restricted to one session.
func (b *MemoryBus) SubscribeSession(sessionID string, filter ...EventType) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	sub := subscriber{ch: ch, session: sessionID}
	if len(filter) > 0 {
		sub.types = make(map[EventType]bool, len(filter))
		for _, f := range filter {
			sub.types[f] = true
		}
	}

	b.mu.Lock()
	b.subs[ch] = sub
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are ignored.
func (b *MemoryBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(sub.ch)
	}
}

// History returns retained events at or after since, oldest first.
func (b *MemoryBus) History(since time.Time) []Event {
	return b.collect(func(e Event) bool { return !e.Timestamp.Before(since) })
}

// SessionHistory returns the retained events of one session, oldest first.
func (b *MemoryBus) SessionHistory(sessionID string) []Event {
	return b.collect(func(e Event) bool { return e.SessionID == sessionID })
}

func (b *MemoryBus) collect(keep func(Event) bool) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	n := len(b.history)
	for i := 0; i < n; i++ {
		e := b.history[(b.start+i)%n]
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained events.
func (b *MemoryBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}
