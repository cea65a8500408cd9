// Package nats publishes integration events to NATS subjects.
package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/next-trace/scg-event-bus/codec"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// DefaultSubjectPrefix is prepended to the event name to form the subject.
const DefaultSubjectPrefix = "integration."

// Client is a minimal NATS-like publisher decoupled from any concrete library.
type Client interface {
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// Adapter implements cbus.Publisher over a Client.
type Adapter struct {
	Client     Client
	Prefix     string
	Propagator cbus.HeaderPropagator // optional
}

var _ cbus.Publisher = (*Adapter)(nil)

func New(c Client) *Adapter { return &Adapter{Client: c, Prefix: DefaultSubjectPrefix} }

// NewWithPropagator also injects trace context into message headers.
func NewWithPropagator(c Client, hp cbus.HeaderPropagator) *Adapter {
	a := New(c)
	a.Propagator = hp

	return a
}

// Publish sends e to Prefix+EventName. The event id travels as Nats-Msg-Id so
// JetStream streams deduplicate redeliveries.
func (a *Adapter) Publish(ctx context.Context, e cbus.IntegrationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Client == nil {
		return fmt.Errorf("nats publish: %w", berr.ErrPublishFailed)
	}

	name := cbus.EventName(e)

	body, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", name, err)
	}

	headers := map[string]string{
		nats.MsgIdHdr:  e.EventID().String(),
		"Content-Type": codec.ContentType,
		"Event-Name":   name,
	}

	if a.Propagator != nil {
		a.Propagator.Inject(ctx, headers)
	}

	subject := a.Prefix + name

	if err := a.Client.Publish(ctx, subject, body, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish %s: %w", subject, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}
