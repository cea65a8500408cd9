package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/next-trace/scg-event-bus"

// Tracer returns the bus tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(tracerName) }

// StartConsume opens a consumer span for one delivery of event from queue.
func StartConsume(ctx context.Context, t trace.Tracer, event, queue string) (context.Context, trace.Span) {
	if t == nil {
		t = Tracer()
	}

	return t.Start(ctx, event+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", queue),
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.message.type", event),
		),
	)
}

// StartPublish opens a producer span for event sent to exchange.
func StartPublish(ctx context.Context, t trace.Tracer, event, exchange string) (context.Context, trace.Span) {
	if t == nil {
		t = Tracer()
	}

	return t.Start(ctx, event+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.operation", "publish"),
			attribute.String("messaging.message.type", event),
		),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
