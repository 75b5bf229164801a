package events

import (
	"sync"
)

// Topics published by the session layer. Subscribers must not rely on the bus
// for correctness-critical transitions; delivery is asynchronous, unordered
// across users, and at-least-once.
const (
	TopicAuthSuccess    = "session.auth.success"
	TopicSessionExpired = "session.expired"
	TopicSetupProgress  = "session.setup.progress"
	TopicSetupComplete  = "session.setup.complete"
)

// UserEvent is the payload carried by all session topics.
type UserEvent struct {
	UserID string
}

// Handler receives published events.
type Handler func(event UserEvent)

// Bus is a minimal in-process publish/subscribe bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers an event to every subscriber of the topic. Each handler
// runs in its own goroutine so a slow subscriber never blocks the publisher.
func (b *Bus) Publish(topic string, event UserEvent) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		go h(event)
	}
}
