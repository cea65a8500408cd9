// Package kafka publishes integration events to Kafka topics.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/next-trace/scg-event-bus/codec"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// DefaultTopicPrefix is prepended to the event name to form the topic.
const DefaultTopicPrefix = "integration."

// Writer is a minimal Kafka-like writer.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Adapter implements cbus.Publisher over a Writer. Records are keyed by event id.
type Adapter struct {
	Writer     Writer
	Prefix     string
	Propagator cbus.HeaderPropagator // optional
}

var _ cbus.Publisher = (*Adapter)(nil)

func New(w Writer) *Adapter { return &Adapter{Writer: w, Prefix: DefaultTopicPrefix} }

func (a *Adapter) Publish(ctx context.Context, e cbus.IntegrationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Writer == nil {
		return fmt.Errorf("kafka publish: %w", berr.ErrPublishFailed)
	}

	name := cbus.EventName(e)

	val, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", name, err)
	}

	headers := map[string]string{
		"content-type": codec.ContentType,
		"event-name":   name,
	}

	if a.Propagator != nil {
		a.Propagator.Inject(ctx, headers)
	}

	topic := a.Prefix + name

	if err := a.Writer.Write(ctx, topic, []byte(e.EventID().String()), val, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka publish to %q: %w", topic, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}
