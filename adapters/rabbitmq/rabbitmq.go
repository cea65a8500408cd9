package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/next-trace/scg-event-bus/codec"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// PubMsg is one message bound for an exchange.
type PubMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
	MessageID  string
	Type       string
	Timestamp  time.Time
}

// Publisher delivers a PubMsg to the broker.
type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Adapter implements cbus.Publisher over a Publisher. The routing key is the event name.
type Adapter struct {
	Publisher  Publisher
	Exchange   string
	Propagator cbus.HeaderPropagator // optional, for context propagation into headers
}

var _ cbus.Publisher = (*Adapter)(nil)

func New(p Publisher, exchange string) *Adapter { return &Adapter{Publisher: p, Exchange: exchange} }

// NewWithPropagator allows configuring a HeaderPropagator for context propagation.
func NewWithPropagator(p Publisher, exchange string, hp cbus.HeaderPropagator) *Adapter {
	return &Adapter{Publisher: p, Exchange: exchange, Propagator: hp}
}

func (a *Adapter) Publish(ctx context.Context, e cbus.IntegrationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Publisher == nil {
		return fmt.Errorf("rabbitmq publish: %w", berr.ErrPublishFailed)
	}

	if e == nil {
		return fmt.Errorf("rabbitmq publish: nil event: %w", berr.ErrSerializationFailed)
	}

	name := cbus.EventName(e)

	body, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", name, err)
	}

	headers := make(map[string]string)
	if a.Propagator != nil {
		a.Propagator.Inject(ctx, headers)
	}

	m := PubMsg{
		Exchange:   a.Exchange,
		RoutingKey: name,
		Body:       body,
		Headers:    headers,
		MessageID:  e.EventID().String(),
		Type:       name,
		Timestamp:  e.CreatedAt(),
	}

	if err := a.Publisher.Publish(ctx, m); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, berr.ErrPublishFailed) {
			return err
		}

		return fmt.Errorf("rabbitmq publish %s: %w", name, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}
