package bus

import "context"

// EventHandler handles integration events of type E.
// Implementations must be safe for concurrent use by multiple goroutines.
type EventHandler[E IntegrationEvent] interface {
	Handle(ctx context.Context, e E) error
}

// HandlerProvider resolves handler instances at dispatch time. The bus opens one
// scope per delivered message and closes it once every handler has run.
type HandlerProvider interface {
	NewScope(ctx context.Context) HandlerScope
}

// HandlerScope hands out handler instances for a single message.
// Resolve reports false when no instance is available for the handler name.
type HandlerScope interface {
	Resolve(handler string) (any, bool)
	Close() error
}
