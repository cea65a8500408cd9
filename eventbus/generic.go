package eventbus

import (
	"context"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/subscription"
)

// Subscribe registers handler type H for events of type E on b.
//
//	err := eventbus.Subscribe[OrderCreated, *AuditHandler](ctx, b)
func Subscribe[E cbus.IntegrationEvent, H cbus.EventHandler[E]](ctx context.Context, b *EventBus) error {
	return b.Subscribe(ctx, subscription.Describe[E, H]())
}

// Unsubscribe removes handler type H for events of type E from b.
func Unsubscribe[E cbus.IntegrationEvent, H cbus.EventHandler[E]](ctx context.Context, b *EventBus) error {
	return b.Unsubscribe(ctx, cbus.EventNameOf[E](), cbus.HandlerName[H]())
}
