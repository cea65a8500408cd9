package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/pkg/slogx"
)

// Dispatcher routes a raw message body to every handler registered for its event name.
// It is transport agnostic: the RabbitMQ bus and the in-process bus both use it.
type Dispatcher struct {
	registry *Registry
	provider cbus.HandlerProvider
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher over registry and provider. A nil logger discards output.
func NewDispatcher(registry *Registry, provider cbus.HandlerProvider, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		provider: provider,
		logger:   slogx.OrDiscard(logger),
	}
}

// Dispatch decodes body once per registered handler and invokes the handlers in
// registration order. It returns how many handlers ran. An event without subscribers
// is not an error. Failing handlers do not prevent later handlers from running; all
// failures are joined into the returned error. Dispatch is not fail-fast: a handler
// error never skips the handlers registered after it.
func (d *Dispatcher) Dispatch(ctx context.Context, eventName string, body []byte) (int, error) {
	if !d.registry.HasSubscribers(eventName) {
		d.logger.InfoContext(ctx, "no subscribers for event, skipping", slogx.Event(eventName))
		return 0, nil
	}

	handlers, err := d.registry.Handlers(eventName)
	if err != nil {
		// unsubscribed between the check and the lookup
		if errors.Is(err, berr.ErrSubscriptionNotFound) {
			return 0, nil
		}

		return 0, err
	}

	scope := d.provider.NewScope(ctx)
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			d.logger.WarnContext(ctx, "closing handler scope failed", slogx.Event(eventName), slogx.Error(cerr))
		}
	}()

	var (
		errs    []error
		handled int
	)

	for _, desc := range handlers {
		h, ok := scope.Resolve(desc.handler)
		if !ok || h == nil {
			d.logger.WarnContext(ctx, "handler not resolvable, skipping",
				slogx.Event(eventName), slogx.Handler(desc.handler))

			continue
		}

		evt, err := desc.Decode(body)
		if err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s to %s: %w", eventName, desc.handler, err))
			continue
		}

		if err := desc.Invoke(ctx, h, evt); err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s to %s: %w", eventName, desc.handler, err))
			continue
		}

		handled++
	}

	return handled, errors.Join(errs...)
}
