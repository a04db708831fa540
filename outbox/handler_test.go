//go:build unit

package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func recordingHandler(calls *[]string, name string) Handler {
	return HandlerFunc(func(_ context.Context, _ Event) error {
		*calls = append(*calls, name)
		return nil
	})
}

func TestHandlerRegistry_RegisterIsAdditive(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	calls := []string{}

	require.NoError(t, registry.Register("payment.created", recordingHandler(&calls, "first")))
	require.NoError(t, registry.Register("payment.created", recordingHandler(&calls, "second")))

	handlers := registry.Resolve("payment.created")
	require.Len(t, handlers, 2)

	for _, handler := range handlers {
		require.NoError(t, handler.Handle(context.Background(), Event{ID: uuid.New()}))
	}

	require.Equal(t, []string{"first", "second"}, calls)
}

func TestHandlerRegistry_RegisterNormalizesTopic(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	calls := []string{}
	require.NoError(t, registry.Register("  payment.created  ", recordingHandler(&calls, "h")))

	require.Len(t, registry.Resolve("payment.created"), 1)
	require.Equal(t, []string{"payment.created"}, registry.Topics())
}

func TestHandlerRegistry_ResolveUnknownTopic(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	require.Empty(t, registry.Resolve("missing"))
}

func TestHandlerRegistry_ResolveReturnsCopy(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	calls := []string{}
	require.NoError(t, registry.Register("t", recordingHandler(&calls, "h")))

	handlers := registry.Resolve("t")
	handlers[0] = nil

	require.NotNil(t, registry.Resolve("t")[0])
}

func TestHandlerRegistry_Validation(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()

	require.ErrorIs(t, registry.Register(" ", HandlerFunc(func(context.Context, Event) error { return nil })), ErrTopicRequired)
	require.ErrorIs(t, registry.Register("t", nil), ErrHandlerRequired)
	require.ErrorIs(t, registry.RegisterFunc("t", nil), ErrHandlerRequired)

	var typedNil HandlerFunc
	require.ErrorIs(t, registry.Register("t", typedNil), ErrHandlerRequired)

	var nilRegistry *HandlerRegistry
	require.ErrorIs(t, nilRegistry.Register("t", HandlerFunc(func(context.Context, Event) error { return nil })), ErrHandlerRegistryRequired)
	require.Nil(t, nilRegistry.Resolve("t"))
	require.Nil(t, nilRegistry.Topics())
}

func TestHandlerRegistry_Seal(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	require.NoError(t, registry.RegisterFunc("b", func(context.Context, Event) error { return nil }))
	require.NoError(t, registry.RegisterFunc("a", func(context.Context, Event) error { return nil }))

	registry.Seal()
	require.True(t, registry.Sealed())

	err := registry.RegisterFunc("c", func(context.Context, Event) error { return nil })
	require.ErrorIs(t, err, ErrRegistrySealed)
	require.Equal(t, []string{"a", "b"}, registry.Topics())
}

func TestChain_Order(t *testing.T) {
	t.Parallel()

	var trace []string

	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, event Event) error {
				trace = append(trace, name)
				return next.Handle(ctx, event)
			})
		}
	}

	boom := errors.New("boom")
	handler := Chain(HandlerFunc(func(context.Context, Event) error {
		trace = append(trace, "handler")
		return boom
	}), tag("outer"), nil, tag("inner"))

	require.ErrorIs(t, handler.Handle(context.Background(), Event{}), boom)
	require.Equal(t, []string{"outer", "inner", "handler"}, trace)
}

func TestHandlerRegistry_MaxHandlersPerTopic(t *testing.T) {
	t.Parallel()

	var nilRegistry *HandlerRegistry
	require.Zero(t, nilRegistry.MaxHandlersPerTopic())

	registry := NewHandlerRegistry()
	require.Zero(t, registry.MaxHandlersPerTopic())

	succeed := func(context.Context, Event) error { return nil }
	require.NoError(t, registry.RegisterFunc("a", succeed))
	require.NoError(t, registry.RegisterFunc("b", succeed))
	require.NoError(t, registry.RegisterFunc("b", succeed))

	require.Equal(t, 2, registry.MaxHandlersPerTopic())
}
