package outbox

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-outbox/internal/nilcheck"
)

// Handler processes one delivered event. Returning nil acknowledges it; errors
// are classified by the retry policy. Handlers must be idempotent since
// delivery is at-least-once.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

func (fn HandlerFunc) Handle(ctx context.Context, event Event) error {
	return fn(ctx, event)
}

// Middleware decorates a Handler.
type Middleware func(next Handler) Handler

// Chain wraps handler with middlewares. The first middleware is the outermost.
func Chain(handler Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] != nil {
			handler = middlewares[i](handler)
		}
	}

	return handler
}

// HandlerRegistry maps topics to the handlers subscribed to them.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	sealed   bool
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string][]Handler{}}
}

// Register subscribes handler to topic. Registration is additive; handlers run
// in registration order. Middlewares wrap only this handler.
func (registry *HandlerRegistry) Register(topic string, handler Handler, middlewares ...Middleware) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	normalizedTopic := strings.TrimSpace(topic)
	if normalizedTopic == "" {
		return ErrTopicRequired
	}

	if nilcheck.Interface(handler) {
		return ErrHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.sealed {
		return ErrRegistrySealed
	}

	if registry.handlers == nil {
		registry.handlers = make(map[string][]Handler)
	}

	registry.handlers[normalizedTopic] = append(registry.handlers[normalizedTopic], Chain(handler, middlewares...))

	return nil
}

// RegisterFunc is Register for plain functions.
func (registry *HandlerRegistry) RegisterFunc(topic string, fn func(ctx context.Context, event Event) error) error {
	if fn == nil {
		return ErrHandlerRequired
	}

	return registry.Register(topic, HandlerFunc(fn))
}

// Resolve returns a copy of the handlers for topic. An empty result is valid.
func (registry *HandlerRegistry) Resolve(topic string) []Handler {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	return slices.Clone(registry.handlers[strings.TrimSpace(topic)])
}

// Topics lists topics with at least one handler, sorted.
func (registry *HandlerRegistry) Topics() []string {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	topics := make([]string, 0, len(registry.handlers))
	for topic := range registry.handlers {
		topics = append(topics, topic)
	}

	sort.Strings(topics)

	return topics
}

// MaxHandlersPerTopic returns the largest number of handlers any topic has.
func (registry *HandlerRegistry) MaxHandlersPerTopic() int {
	if registry == nil {
		return 0
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	largest := 0
	for _, handlers := range registry.handlers {
		largest = max(largest, len(handlers))
	}

	return largest
}

// Seal rejects further registrations. The dispatcher seals its registry when
// it starts running.
func (registry *HandlerRegistry) Seal() {
	if registry == nil {
		return
	}

	registry.mu.Lock()
	registry.sealed = true
	registry.mu.Unlock()
}

func (registry *HandlerRegistry) Sealed() bool {
	if registry == nil {
		return false
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	return registry.sealed
}
