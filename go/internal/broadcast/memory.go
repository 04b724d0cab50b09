package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pointdeck/pointdeck/go/internal/events"
)

// MemoryChannel is an in-process Channel used by tests and single-process
// runs. It honors the same weak contract as the NATS adapter and exposes
// hooks to drop or intercept deliveries so tests can exercise the at-most-once,
// unordered transport the engine must survive.
type MemoryChannel struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[int]*memorySubscription
	next int

	// DropFunc, when set, is consulted per delivery; returning true discards
	// the event for that subscriber.
	DropFunc func(ev events.Event) bool
}

// NewMemoryChannel creates an empty in-process bus.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[uuid.UUID]map[int]*memorySubscription)}
}

// Publish delivers the event synchronously to every current subscriber of the
// session topic, including the publisher's own subscription if present.
func (c *MemoryChannel) Publish(ctx context.Context, ev events.Event) error {
	c.mu.RLock()
	var targets []*memorySubscription
	for _, sub := range c.subs[ev.SessionID] {
		targets = append(targets, sub)
	}
	drop := c.DropFunc
	c.mu.RUnlock()

	for _, sub := range targets {
		if drop != nil && drop(ev) {
			continue
		}
		sub.deliver(ev)
	}
	return nil
}

// Subscribe registers a handler for the session topic.
func (c *MemoryChannel) Subscribe(sessionID uuid.UUID, handler func(events.Event)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs[sessionID] == nil {
		c.subs[sessionID] = make(map[int]*memorySubscription)
	}
	id := c.next
	c.next++

	sub := &memorySubscription{channel: c, sessionID: sessionID, id: id, handler: handler}
	c.subs[sessionID][id] = sub
	return sub, nil
}

func (c *MemoryChannel) remove(sessionID uuid.UUID, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subs, ok := c.subs[sessionID]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(c.subs, sessionID)
		}
	}
}

type memorySubscription struct {
	channel   *MemoryChannel
	sessionID uuid.UUID
	id        int
	handler   func(events.Event)

	mu   sync.Mutex
	done bool
}

func (s *memorySubscription) deliver(ev events.Event) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done {
		return
	}
	s.handler(ev)
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	s.mu.Unlock()

	s.channel.remove(s.sessionID, s.id)
	return nil
}
