package subscription

import (
	"context"
	"fmt"

	"github.com/next-trace/scg-event-bus/codec"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Descriptor identifies a handler able to process one event name.
type Descriptor struct {
	handler string
	event   string
	decode  func(body []byte) (any, error)
	invoke  func(ctx context.Context, handler, event any) error
}

// Describe builds the descriptor for handler type H processing events of type E.
func Describe[E cbus.IntegrationEvent, H cbus.EventHandler[E]]() Descriptor {
	return Descriptor{
		handler: cbus.HandlerName[H](),
		event:   cbus.EventNameOf[E](),
		decode: func(body []byte) (any, error) {
			return codec.Unmarshal[E](body)
		},
		invoke: func(ctx context.Context, handler, event any) error {
			h, ok := handler.(cbus.EventHandler[E])
			if !ok {
				return fmt.Errorf("invoke %T: %w", handler, berr.ErrHandlerTypeMismatch)
			}

			e, ok := event.(E)
			if !ok {
				return fmt.Errorf("invoke %T with %T: %w", handler, event, berr.ErrHandlerTypeMismatch)
			}

			return h.Handle(ctx, e)
		},
	}
}

// Handler returns the handler name used for identity and provider resolution.
func (d Descriptor) Handler() string { return d.handler }

// EventName returns the event name the handler subscribes to.
func (d Descriptor) EventName() string { return d.event }

// Decode deserializes body into the descriptor's concrete event type.
func (d Descriptor) Decode(body []byte) (any, error) { return d.decode(body) }

// Invoke calls handler with event, recovering panics into ErrHandlerPanic.
func (d Descriptor) Invoke(ctx context.Context, handler, event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panic: %v: %w", d.handler, r, berr.ErrHandlerPanic)
		}
	}()

	return d.invoke(ctx, handler, event)
}

func (d Descriptor) String() string { return d.event + "/" + d.handler }
