package bus

import "context"

// Publisher abstracts publishing integration events to a broker.
// The RabbitMQ event bus and every adapter in this module implement it.
type Publisher interface {
	Publish(ctx context.Context, e IntegrationEvent) error
}
