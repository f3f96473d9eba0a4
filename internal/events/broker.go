// Package events fans out client lifecycle events to in-process subscribers.
package events

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Type names a lifecycle event.
type Type string

// Event types published by the client.
const (
	WorkerStarted       Type = "worker.started"
	WorkerStopped       Type = "worker.stopped"
	WorkerOrphanStopped Type = "worker.orphan_stopped"
	ConnectionLost      Type = "connection.lost"
)

// Event is a single lifecycle notification.
type Event struct {
	Type     Type      `json:"type"`
	ClientID string    `json:"client_id"`
	WorkerID int64     `json:"worker_id,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Domain   string    `json:"domain,omitempty"`
	TaskList string    `json:"task_list,omitempty"`
	TypeName string    `json:"type_name,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Broker delivers published events to every subscriber. It is safe for
// concurrent use. Publishing never blocks.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch    chan Event
	types map[Type]bool // empty means every type
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]subscriber)}
}

// Subscribe returns a channel receiving events of the given types (all types
// when none are given) and an unsubscribe function. After Close the returned
// channel is already closed.
func (b *Broker) Subscribe(types ...Type) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	s := subscriber{ch: ch, types: make(map[Type]bool, len(types))}
	for _, t := range types {
		s.types[t] = true
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = s

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish delivers e to matching subscribers, stamping Time if unset.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		if len(s.types) > 0 && !s.types[e.Type] {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Close closes every subscriber channel. Later Subscribe calls return a
// closed channel and Publish becomes a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
