package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	libLog "github.com/LerianStudio/lib-outbox/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic is matched by every *PanicError.
var ErrPanic = errors.New("panic recovered")

const panicSpanEventName = "panic.recovered"

// PanicError carries a recovered panic value and the stack at recovery time.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	return ErrPanic
}

// Call runs fn and converts a panic into a *PanicError.
func Call(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Value: recovered, Stack: debug.Stack()}
		}
	}()

	return fn()
}

// RecoverAndLog must be deferred directly. It swallows a panic after logging
// it and recording it on the span found in ctx.
func RecoverAndLog(ctx context.Context, logger libLog.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		HandlePanicValue(ctx, logger, recovered, component, name)
	}
}

// HandlePanicValue logs and traces a value obtained from recover().
func HandlePanicValue(ctx context.Context, logger libLog.Logger, recovered any, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	if logger != nil {
		logger.Log(ctx, libLog.LevelError, "panic recovered",
			libLog.String("component", component),
			libLog.String("goroutine", name),
			libLog.Any("panic", fmt.Sprint(recovered)),
			libLog.String("stack", string(stack)),
		)
	}

	RecordPanicToSpan(ctx, recovered, component, name)
}

// RecordPanicToSpan adds a panic event to the recording span in ctx, if any.
func RecordPanicToSpan(ctx context.Context, recovered any, component, name string) {
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent(panicSpanEventName, trace.WithAttributes(
		attribute.String("panic.value", fmt.Sprint(recovered)),
		attribute.String("panic.component", component),
		attribute.String("panic.goroutine", name),
	))
	span.SetStatus(codes.Error, "panic recovered")
}

// SafeGo runs fn in a goroutine that recovers and logs panics.
func SafeGo(ctx context.Context, logger libLog.Logger, component, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverAndLog(ctx, logger, component, name)

		fn(ctx)
	}()
}
