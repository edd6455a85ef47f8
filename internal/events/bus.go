// Package events provides the typed event bus the tagging core hangs off.
// The host platform's dispatch mechanism stays outside: handlers are plain
// functions from an event payload to a side effect, registered at startup.
package events

import (
	"context"
	"log/slog"
	"sync"
)

// Topic names an event stream.
type Topic string

const (
	// TopicOperationCompleted fires when an operation reaches a final state.
	TopicOperationCompleted Topic = "operation.completed"
	// TopicOperationStateChanged fires on every operation state transition.
	TopicOperationStateChanged Topic = "operation.state_changed"
	// TopicLinkStatusChanged fires when an executed link changes status.
	TopicLinkStatusChanged Topic = "link.status_changed"
)

// OperationEvent is the payload carried on all topics. Link fields are only
// set on link.status_changed.
type OperationEvent struct {
	OperationID string `json:"op"`
	FromState   string `json:"from_state,omitempty"`
	ToState     string `json:"to_state,omitempty"`
	LinkID      string `json:"link,omitempty"`
	LinkStatus  int    `json:"status,omitempty"`
}

// Handler consumes one event. Handlers must not panic; the bus recovers and
// logs if one does, so a bad payload cannot take down the publisher.
type Handler func(ctx context.Context, evt OperationEvent)

// Bus is an in-process topic/handler registry.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Topic][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a topic. Registration happens at
// startup; Subscribe is still safe to call concurrently with Publish.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers an event to every handler of the topic, in registration
// order, on the caller's goroutine.
func (b *Bus) Publish(ctx context.Context, topic Topic, evt OperationEvent) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, topic, h, evt)
	}
}

func (b *Bus) invoke(ctx context.Context, topic Topic, h Handler, evt OperationEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", string(topic), "op", evt.OperationID, "panic", r)
		}
	}()
	h(ctx, evt)
}
