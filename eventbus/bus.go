package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fogfish/opts"
	"github.com/next-trace/scg-event-bus/connection"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/pkg/slogx"
	"github.com/next-trace/scg-event-bus/retry"
	"github.com/next-trace/scg-event-bus/subscription"
	"github.com/next-trace/scg-event-bus/telemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
)

// Connector is the connection surface the bus needs. *connection.Manager implements it.
type Connector interface {
	IsConnected() bool
	TryConnect(ctx context.Context) error
	CreateChannel() (connection.Channel, error)
	ReportCallbackError(err error)
}

var _ Connector = (*connection.Manager)(nil)

// EventBus is the RabbitMQ-backed integration event bus.
//
// EventBus is concurrency-safe. It does not own the connection: disposing the bus
// leaves the Connector open.
type EventBus struct {
	conn       Connector
	cfg        Config
	policy     retry.Policy
	registry   *subscription.Registry
	dispatcher *subscription.Dispatcher

	logger     *slog.Logger
	metrics    *telemetry.Metrics
	propagator cbus.HeaderPropagator
	extractor  cbus.HeaderExtractor
	tracer     trace.Tracer

	// disposed mirrors StateDisposed for paths that must not wait on mu.
	disposed atomic.Bool

	// mu guards the consumer channel and everything below it.
	mu          sync.Mutex
	state       State
	ch          connection.Channel
	gen         uint64
	consuming   bool
	wantConsume bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ cbus.Publisher = (*EventBus)(nil)

// New connects through conn, declares the exchange and queue and opens the consumer
// channel. ctx bounds the setup only; the bus lives until Dispose.
func New(
	ctx context.Context,
	conn Connector,
	provider cbus.HandlerProvider,
	cfg Config,
	options ...Option,
) (*EventBus, error) {
	if conn == nil || provider == nil {
		return nil, fmt.Errorf("eventbus new: connector and handler provider required: %w", berr.ErrInvalidConfig)
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := defaults()
	if err := opts.Apply(&o, options); err != nil {
		return nil, fmt.Errorf("eventbus new: %w", errors.Join(berr.ErrInvalidConfig, err))
	}

	logger := slogx.OrDiscard(o.logger).With(slogx.LoggerName("eventbus"))
	if o.tracer == nil {
		o.tracer = telemetry.Tracer()
	}

	registry := subscription.NewRegistry()
	bctx, cancel := context.WithCancel(context.Background())

	b := &EventBus{
		conn:       conn,
		cfg:        cfg,
		policy:     cfg.policy(),
		registry:   registry,
		dispatcher: subscription.NewDispatcher(registry, provider, logger),
		logger:     logger,
		metrics:    o.metrics,
		propagator: o.propagator,
		extractor:  o.extractor,
		tracer:     o.tracer,
		ctx:        bctx,
		cancel:     cancel,
	}

	b.mu.Lock()
	err := b.openLocked(ctx)
	b.mu.Unlock()

	if err != nil {
		cancel()
		b.wg.Wait()

		return nil, fmt.Errorf("eventbus new: %w", err)
	}

	logger.InfoContext(ctx, "event bus ready",
		slog.String("exchange", cfg.Exchange), slog.String("queue", cfg.Queue))

	return b, nil
}

// State reports the consumer channel state.
func (b *EventBus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// HasSubscribers reports whether eventName has at least one handler.
func (b *EventBus) HasSubscribers(eventName string) bool {
	return b.registry.HasSubscribers(eventName)
}

// Events lists the subscribed event names, sorted.
func (b *EventBus) Events() []string { return b.registry.Events() }

// Subscribe registers d. The first handler of an event name binds the queue to the
// exchange under that name before the registration is recorded; a failed bind leaves
// the registry unchanged. Consuming starts with the first subscription.
func (b *EventBus) Subscribe(ctx context.Context, d subscription.Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateDisposed {
		return fmt.Errorf("eventbus subscribe %s: %w", d, berr.ErrDisposed)
	}

	name := d.EventName()

	if !b.registry.HasSubscribers(name) {
		if err := b.ensureChannelLocked(ctx); err != nil {
			return fmt.Errorf("eventbus subscribe %s: %w", d, err)
		}

		if err := b.ch.QueueBind(b.cfg.Queue, name, b.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("eventbus bind %s: %w", name, errors.Join(berr.ErrConnectionFailed, err))
		}
	}

	if err := b.registry.Add(d); err != nil {
		return err
	}

	b.logger.InfoContext(ctx, "subscribed", slogx.Event(name), slogx.Handler(d.Handler()))

	b.wantConsume = true
	if err := b.startConsumingLocked(ctx); err != nil {
		return fmt.Errorf("eventbus subscribe %s: %w", d, err)
	}

	return nil
}

// Unsubscribe removes handler from eventName. Unknown pairs are ignored. The queue
// binding stays in place unless Config.UnbindOnEmpty is set.
func (b *EventBus) Unsubscribe(ctx context.Context, eventName, handler string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateDisposed {
		return fmt.Errorf("eventbus unsubscribe %s/%s: %w", eventName, handler, berr.ErrDisposed)
	}

	emptied := b.registry.Remove(eventName, handler)

	b.logger.InfoContext(ctx, "unsubscribed", slogx.Event(eventName), slogx.Handler(handler))

	if !emptied || !b.cfg.UnbindOnEmpty || b.ch == nil || b.ch.IsClosed() {
		return nil
	}

	if err := b.ch.QueueUnbind(b.cfg.Queue, eventName, b.cfg.Exchange, nil); err != nil {
		return fmt.Errorf("eventbus unbind %s: %w", eventName, errors.Join(berr.ErrConnectionFailed, err))
	}

	return nil
}

// Dispose stops consuming, waits for in-flight deliveries, closes the consumer
// channel and clears the subscriptions. Safe to call more than once.
func (b *EventBus) Dispose() error {
	b.cancel()

	b.mu.Lock()
	if b.state == StateDisposed {
		b.mu.Unlock()
		return nil
	}

	b.state = StateDisposed
	b.disposed.Store(true)
	ch := b.ch
	b.ch = nil
	b.mu.Unlock()

	var err error

	if ch != nil && !ch.IsClosed() {
		if cerr := ch.Close(); cerr != nil {
			b.logger.Log(context.Background(), slogx.LevelCritical, "closing consumer channel failed", slogx.Error(cerr))
			err = fmt.Errorf("eventbus dispose: %w", cerr)
		}
	}

	b.wg.Wait()
	b.registry.Clear()

	b.logger.Info("event bus disposed")

	return err
}

func (b *EventBus) ensureConnected(ctx context.Context) error {
	if b.conn.IsConnected() {
		return nil
	}

	return b.conn.TryConnect(ctx)
}

func (b *EventBus) declare(ch connection.Channel) error {
	if err := ch.ExchangeDeclare(b.cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.cfg.Exchange, err)
	}

	return nil
}

// open connects if needed and returns a declared, configured consumer channel.
// It does not touch bus state and may run without mu.
func (b *EventBus) open(ctx context.Context) (connection.Channel, error) {
	if err := b.ensureConnected(ctx); err != nil {
		return nil, err
	}

	ch, err := b.conn.CreateChannel()
	if err != nil {
		return nil, err
	}

	if err := b.declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", b.cfg.Queue, err)
	}

	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("qos %d: %w", b.cfg.Prefetch, err)
	}

	return ch, nil
}

// openLocked creates and installs a new consumer channel generation. b.mu must be held.
func (b *EventBus) openLocked(ctx context.Context) error {
	ch, err := b.open(ctx)
	if err != nil {
		return err
	}

	b.installLocked(ch)

	return nil
}

// installLocked makes ch the current consumer channel and watches it. b.mu must be held.
func (b *EventBus) installLocked(ch connection.Channel) {
	b.gen++
	b.ch = ch
	b.state = StateActive
	b.consuming = false

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	b.wg.Add(1)
	go b.watchChannel(b.gen, closed)
}

// ensureChannelLocked reopens the consumer channel when it is missing, closed or faulted.
func (b *EventBus) ensureChannelLocked(ctx context.Context) error {
	if b.state == StateActive && b.ch != nil && !b.ch.IsClosed() {
		return nil
	}

	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}

	return b.openLocked(ctx)
}

func (b *EventBus) watchChannel(gen uint64, closed <-chan *amqp.Error) {
	defer b.wg.Done()

	select {
	case <-b.ctx.Done():
		return
	case aerr, ok := <-closed:
		if !ok || aerr == nil {
			return
		}

		b.logger.Warn("consumer channel closed by broker, recreating", slogx.Error(aerr))
		b.heal(gen)
	}
}

// heal replaces a consumer channel the broker closed. Bindings survive on the broker
// and are not redeclared. mu is held only to swap the channel, never across a retry wait.
func (b *EventBus) heal(gen uint64) {
	b.mu.Lock()
	if b.state == StateDisposed || gen != b.gen {
		b.mu.Unlock()
		return
	}

	b.state = StateFaulted

	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	b.mu.Unlock()

	err := retry.Do(b.ctx, b.policy, recoverable, func() error {
		// TryConnect already retried under the same policy
		if err := b.ensureConnected(b.ctx); err != nil {
			return retry.Stop(err)
		}

		ch, err := b.open(b.ctx)
		if err != nil {
			return err
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		switch {
		case b.state == StateDisposed:
			_ = ch.Close()
			return retry.Stop(berr.ErrDisposed)
		case gen != b.gen:
			// a Subscribe reopened the channel meanwhile
			_ = ch.Close()
			return nil
		}

		b.installLocked(ch)

		if !b.wantConsume {
			return nil
		}

		if err := b.startConsumingLocked(b.ctx); err != nil {
			b.logger.Error("consuming could not be restarted", slogx.Error(err))
		}

		return nil
	}, func(err error, attempt int, delay time.Duration) {
		b.metrics.Retry("consumer_channel")
		b.logger.Warn("consumer channel recreate failed, retrying",
			slog.Int("attempt", attempt), slog.Duration("delay", delay), slogx.Error(err))
	})
	if err != nil && b.ctx.Err() == nil && !errors.Is(err, berr.ErrDisposed) {
		b.logger.Error("consumer channel could not be recreated", slogx.Error(err))
	}
}

func recoverable(err error) bool {
	return !errors.Is(err, berr.ErrDisposed) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
