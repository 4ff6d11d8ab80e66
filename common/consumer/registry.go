package consumer

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/telhawk-systems/taskhub/common/events"
)

// Handler processes one event. Returning nil commits the delivery; an error
// triggers redelivery unless wrapped with Permanent.
type Handler interface {
	Handle(ctx context.Context, evt *events.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt *events.Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, evt *events.Event) error { return f(ctx, evt) }

// Registry maps event types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h for eventType. Each type has at most one handler.
func (r *Registry) Register(eventType string, h Handler) error {
	if eventType == "" {
		return fmt.Errorf("register handler: empty event type")
	}
	if h == nil {
		return fmt.Errorf("register handler for %s: nil handler", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[eventType]; ok {
		return fmt.Errorf("register handler for %s: %w", eventType, ErrHandlerExists)
	}
	r.handlers[eventType] = h
	return nil
}

// Lookup returns the handler for eventType.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types lists registered event types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
