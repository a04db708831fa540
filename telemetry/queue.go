package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectQueueHeaders writes the trace context of ctx into headers using the
// global propagator. headers must be non-nil.
func InjectQueueHeaders(ctx context.Context, headers map[string]any) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for key, value := range carrier {
		headers[key] = value
	}
}

// ExtractQueueHeaders returns ctx carrying the trace context found in headers.
// Non-string header values are ignored.
func ExtractQueueHeaders(ctx context.Context, headers map[string]any) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	carrier := propagation.MapCarrier{}

	for key, value := range headers {
		if str, ok := value.(string); ok {
			carrier[key] = str
		}
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
