package telemetry

import (
	"context"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Propagator carries W3C trace context and baggage through message headers.
type Propagator struct {
	tm propagation.TextMapPropagator
}

var (
	_ cbus.HeaderPropagator = Propagator{}
	_ cbus.HeaderExtractor  = Propagator{}
)

// NewPropagator uses the globally installed otel propagator, falling back to
// TraceContext+Baggage when none is installed.
func NewPropagator() Propagator {
	tm := otel.GetTextMapPropagator()
	if len(tm.Fields()) == 0 {
		tm = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}

	return Propagator{tm: tm}
}

func (p Propagator) Inject(ctx context.Context, headers map[string]string) {
	if p.tm == nil || headers == nil {
		return
	}
	p.tm.Inject(ctx, propagation.MapCarrier(headers))
}

func (p Propagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if p.tm == nil || len(headers) == 0 {
		return ctx
	}
	return p.tm.Extract(ctx, propagation.MapCarrier(headers))
}
