package runtime

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/natsflow"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// injectTrace writes the span context of ctx into h using the global propagator.
func injectTrace(ctx context.Context, h nats.Header) {
	otel.GetTextMapPropagator().Inject(ctx, metadatapkg.HeaderCarrier(h))
}

// extractTrace returns ctx carrying the remote span context found in h.
func extractTrace(ctx context.Context, h nats.Header) context.Context {
	if len(h) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, metadatapkg.HeaderCarrier(h))
}
