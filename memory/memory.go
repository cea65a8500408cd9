package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/next-trace/scg-event-bus/codec"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/pkg/slogx"
	"github.com/next-trace/scg-event-bus/subscription"
)

// DispatchFunc delivers a serialized event to its subscribers.
type DispatchFunc func(ctx context.Context, eventName string, body []byte) error

// Middleware wraps delivery. Middlewares run in registration order.
type Middleware func(next DispatchFunc) DispatchFunc

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger. nil discards.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMiddleware appends delivery middleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(b *Bus) { b.mw = append(b.mw, mw...) }
}

// Bus is a concurrency-safe in-process event bus.
type Bus struct {
	mu       sync.RWMutex
	disposed bool

	registry   *subscription.Registry
	dispatcher *subscription.Dispatcher
	mw         []Middleware
	logger     *slog.Logger
}

var _ cbus.Publisher = (*Bus)(nil)

// New builds an in-process bus resolving handlers through provider.
func New(provider cbus.HandlerProvider, options ...Option) (*Bus, error) {
	if provider == nil {
		return nil, fmt.Errorf("memory bus: handler provider required: %w", berr.ErrInvalidConfig)
	}

	b := &Bus{registry: subscription.NewRegistry()}
	for _, opt := range options {
		opt(b)
	}

	b.logger = slogx.OrDiscard(b.logger).With(slogx.LoggerName("memory"))
	b.dispatcher = subscription.NewDispatcher(b.registry, provider, b.logger)

	return b, nil
}

func (b *Bus) Subscribe(_ context.Context, d subscription.Descriptor) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed {
		return berr.ErrDisposed
	}

	if err := b.registry.Add(d); err != nil {
		return err
	}

	b.logger.Info("subscribed", slogx.Event(d.EventName()), slogx.Handler(d.Handler()))

	return nil
}

// Unsubscribe removes handler from eventName. Unknown pairs are ignored.
func (b *Bus) Unsubscribe(_ context.Context, eventName, handler string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed {
		return berr.ErrDisposed
	}

	b.registry.Remove(eventName, handler)

	return nil
}

func (b *Bus) HasSubscribers(eventName string) bool { return b.registry.HasSubscribers(eventName) }

func (b *Bus) Events() []string { return b.registry.Events() }

// Publish serializes e and runs every subscribed handler before returning.
// Handler failures are joined into the returned error.
func (b *Bus) Publish(ctx context.Context, e cbus.IntegrationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if e == nil {
		return fmt.Errorf("memory publish: nil event: %w", berr.ErrSerializationFailed)
	}

	b.mu.RLock()
	disposed := b.disposed
	b.mu.RUnlock()

	if disposed {
		return berr.ErrDisposed
	}

	name := cbus.EventName(e)

	body, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("memory publish %s: %w", name, err)
	}

	next := b.deliver
	for i := len(b.mw) - 1; i >= 0; i-- {
		next = b.mw[i](next)
	}

	return next(ctx, name, body)
}

func (b *Bus) deliver(ctx context.Context, eventName string, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memory dispatch %s: panic: %v: %w", eventName, r, berr.ErrHandlerPanic)
		}
	}()

	if _, err := b.dispatcher.Dispatch(ctx, eventName, body); err != nil {
		b.logger.ErrorContext(ctx, "handling event failed", slogx.Event(eventName), slogx.Error(err))
		return err
	}

	return nil
}

// Dispose drops every subscription. Later calls fail with ErrDisposed.
func (b *Bus) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return nil
	}

	b.disposed = true
	b.registry.Clear()

	return nil
}

// Subscribe registers handler type H for events of type E on b.
func Subscribe[E cbus.IntegrationEvent, H cbus.EventHandler[E]](ctx context.Context, b *Bus) error {
	return b.Subscribe(ctx, subscription.Describe[E, H]())
}

// Unsubscribe removes handler type H for events of type E from b.
func Unsubscribe[E cbus.IntegrationEvent, H cbus.EventHandler[E]](ctx context.Context, b *Bus) error {
	return b.Unsubscribe(ctx, cbus.EventNameOf[E](), cbus.HandlerName[H]())
}
