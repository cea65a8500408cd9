package eventbus

import (
	"log/slog"

	"github.com/fogfish/opts"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/telemetry"
	"go.opentelemetry.io/otel/trace"
)

type options struct {
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	propagator cbus.HeaderPropagator
	extractor  cbus.HeaderExtractor
	tracer     trace.Tracer
}

// Option configures an EventBus.
type Option = opts.Option[options]

var (
	// WithMetrics records publish, consume and retry counts.
	WithMetrics = opts.ForName[options, *telemetry.Metrics]("metrics")

	// WithTracer sets the tracer for publish and consume spans. The global tracer is used otherwise.
	WithTracer = opts.ForName[options, trace.Tracer]("tracer")
)

// WithLogger sets the logger. nil discards.
func WithLogger(l *slog.Logger) Option {
	return opts.Type[options](func(o *options) error {
		o.logger = l
		return nil
	})
}

// WithPropagation injects trace context into published headers and extracts it from deliveries.
func WithPropagation(p interface {
	cbus.HeaderPropagator
	cbus.HeaderExtractor
},
) Option {
	return opts.Type[options](func(o *options) error {
		o.propagator = p
		o.extractor = p
		return nil
	})
}

func defaults() options {
	return options{
		propagator: cbus.NopHeaderPropagator{},
		extractor:  cbus.NopHeaderPropagator{},
	}
}
