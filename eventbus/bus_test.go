package eventbus_test

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/next-trace/scg-event-bus/connection"
	"github.com/next-trace/scg-event-bus/connection/connectiontest"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/eventbus"
	"github.com/next-trace/scg-event-bus/provider"
	"github.com/next-trace/scg-event-bus/retry"
	"github.com/next-trace/scg-event-bus/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNew_DeclaresTopology(t *testing.T) {
	f := newFixture(t, nil)

	kind, durable, ok := f.broker.Exchange(eventbus.DefaultExchange)
	require.True(t, ok)
	assert.Equal(t, amqp.ExchangeDirect, kind)
	assert.True(t, durable)

	q, ok := f.broker.Queue(queueName)
	require.True(t, ok)
	assert.True(t, q.Durable)
	assert.False(t, q.Exclusive)
	assert.False(t, q.AutoDelete)
	assert.Equal(t, 0, q.Consumers, "consuming starts with the first subscription")

	assert.Equal(t, eventbus.DefaultPrefetch, f.broker.Prefetch())
	assert.Equal(t, eventbus.StateActive, f.bus.State())
}

func TestNew_RequiresQueue(t *testing.T) {
	m := connection.NewManager(connectiontest.NewBroker())
	defer m.Dispose()

	_, err := eventbus.New(t.Context(), m, provider.New(), eventbus.Config{})
	assert.ErrorIs(t, err, berr.ErrInvalidConfig)
}

func TestNew_BrokerUnreachable(t *testing.T) {
	b := connectiontest.NewBroker()
	refused := &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	b.FailDials(refused, refused, refused)

	m := connection.NewManager(b, connection.WithRetry(retry.Policy{Retries: 2, Delay: time.Millisecond}))
	defer m.Dispose()

	_, err := eventbus.New(t.Context(), m, provider.New(), eventbus.Config{Queue: queueName})
	require.ErrorIs(t, err, berr.ErrConnectionFailed)
	assert.Equal(t, 3, b.Dials())
}

func TestSubscribe_BindsOnFirstHandlerOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	assert.Empty(t, f.broker.Bindings(queueName, eventbus.DefaultExchange))

	require.NoError(t, eventbus.Subscribe[OrderCreated, *auditHandler](ctx, f.bus))
	require.NoError(t, eventbus.Subscribe[OrderCreated, *billingHandler](ctx, f.bus))
	require.NoError(t, eventbus.Subscribe[OrderCancelled, *refundHandler](ctx, f.bus))

	assert.Equal(t, []string{"OrderCancelled", "OrderCreated"}, f.broker.Bindings(queueName, eventbus.DefaultExchange))
	assert.Equal(t, []string{"OrderCancelled", "OrderCreated"}, f.bus.Events())

	q, _ := f.broker.Queue(queueName)
	assert.Equal(t, 1, q.Consumers)
}

func TestSubscribe_DuplicateRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	require.NoError(t, eventbus.Subscribe[OrderCreated, *auditHandler](ctx, f.bus))

	err := eventbus.Subscribe[OrderCreated, *auditHandler](ctx, f.bus)
	require.ErrorIs(t, err, berr.ErrDuplicateSubscription)

	require.NoError(t, f.broker.Inject(eventbus.DefaultExchange, "OrderCreated", amqp.Publishing{Body: []byte(`{"orderId":"1"}`)}))
	waitFor(t, func() bool { return f.broker.Acked() == 1 })
	assert.Equal(t, []string{"audit:1"}, f.rec.snapshot())
}

func TestPublish_DeliversToEveryHandlerInOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	require.NoError(t, eventbus.Subscribe[OrderCreated, *auditHandler](ctx, f.bus))
	require.NoError(t, eventbus.Subscribe[OrderCreated, *billingHandler](ctx, f.bus))

	require.NoError(t, f.bus.Publish(ctx, orderCreated("42")))

	waitFor(t, func() bool { return f.broker.Acked() == 1 })
	assert.Equal(t, []string{"audit:42", "billing:42"}, f.rec.snapshot())
	assert.Equal(t, 0, f.broker.Nacked())
}

func TestPublish_MessageProperties(t *testing.T) {
	f := newFixture(t, nil)
	e := orderCreated("7")

	require.NoError(t, f.bus.Publish(t.Context(), e))

	published := f.broker.Published()
	require.Len(t, published, 1)

	m := published[0]
	assert.Equal(t, eventbus.DefaultExchange, m.Exchange)
	assert.Equal(t, "OrderCreated", m.Key)
	assert.False(t, m.Mandatory)
	assert.Equal(t, amqp.Persistent, m.DeliveryMode)
	assert.Equal(t, "application/json", m.ContentType)
	assert.Equal(t, e.ID.String(), m.MessageId)
	assert.Equal(t, "OrderCreated", m.Type)
	assert.True(t, e.CreationDate.Equal(m.Timestamp))
	assert.JSONEq(t, `{"id":"`+e.ID.String()+`","creationDate":"`+e.CreationDate.Format(time.RFC3339Nano)+`","orderId":"7"}`, string(m.Body))
}

func TestPublish_ClosesItsChannel(t *testing.T) {
	f := newFixture(t, nil)

	before := f.broker.OpenChannels()
	require.NoError(t, f.bus.Publish(t.Context(), orderCreated("1")))
	require.NoError(t, f.bus.Publish(t.Context(), orderCreated("2")))

	assert.Equal(t, before, f.broker.OpenChannels())
	assert.Equal(t, before+2, f.broker.ChannelsOpened())
}

func TestPublish_NoSubscribersStillSends(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.bus.Publish(t.Context(), orderCreated("1")))
	assert.Len(t, f.broker.Published(), 1)
	assert.Zero(t, f.rec.len())
}

func TestPublish_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.broker.FailPublishes(amqp.ErrClosed, amqp.ErrClosed)

	require.NoError(t, f.bus.Publish(t.Context(), orderCreated("1")))
	assert.Len(t, f.broker.Published(), 1)
}

func TestPublish_ExhaustsRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.broker.FailPublishes(amqp.ErrClosed, amqp.ErrClosed, amqp.ErrClosed, amqp.ErrClosed)

	err := f.bus.Publish(t.Context(), orderCreated("1"))
	require.ErrorIs(t, err, berr.ErrPublishFailed)
	assert.ErrorIs(t, err, amqp.ErrClosed)
	assert.Empty(t, f.broker.Published())
}

func TestPublish_NonTransientFailsFast(t *testing.T) {
	f := newFixture(t, nil)
	f.broker.FailPublishes(errors.New("message rejected"))

	err := f.bus.Publish(t.Context(), orderCreated("1"))
	require.ErrorIs(t, err, berr.ErrPublishFailed)

	// the single scripted failure was consumed by one attempt
	require.NoError(t, f.bus.Publish(t.Context(), orderCreated("2")))
	assert.Len(t, f.broker.Published(), 1)
}

func TestPublish_ContextCanceled(t *testing.T) {
	f := newFixture(t, func(c *eventbus.Config) { c.RetryDelay = time.Hour })
	f.broker.FailPublishes(amqp.ErrClosed)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	err := f.bus.Publish(ctx, orderCreated("1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, berr.ErrPublishFailed)
}

type poison struct{}

func (poison) MarshalJSON() ([]byte, error) { return nil, errors.New("cannot encode") }

type badEvent struct {
	OrderCreated
	Poison poison `json:"poison"`
}

func TestPublish_SerializationFailureSendsNothing(t *testing.T) {
	f := newFixture(t, nil)

	err := f.bus.Publish(t.Context(), badEvent{OrderCreated: orderCreated("1")})
	require.ErrorIs(t, err, berr.ErrSerializationFailed)
	assert.Empty(t, f.broker.Published())
}

func TestPublish_ReconnectsAfterConnectionLoss(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, eventbus.Subscribe[OrderCreated, *auditHandler](t.Context(), f.bus))

	f.broker.DropConnections(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true})

	require.NoError(t, f.bus.Publish(t.Context(), orderCreated("9")))
	waitFor(t, func() bool { return f.rec.len() == 1 })
	assert.Equal(t, []string{"audit:9"}, f.rec.snapshot())
}

func TestPublish_ConnectFailureUsesOneRetryBudget(t *testing.T) {
	f, oc, dead := newOutageFixture(t)
	oc.down.Store(true)

	err := f.bus.Publish(t.Context(), orderCreated("down"))
	require.ErrorIs(t, err, berr.ErrPublishFailed)
	require.ErrorIs(t, err, berr.ErrConnectionFailed)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)

	// one TryConnect: the first attempt plus three retries
	assert.Equal(t, 4, dead.Dials())
	assert.Empty(t, f.broker.Published())
}

func TestPublish_NotBlockedWhileConsumerChannelHeals(t *testing.T) {
	f := newFixture(t, func(c *eventbus.Config) { c.RetryDelay = 300 * time.Millisecond })
	ctx := t.Context()

	require.NoError(t, eventbus.Subscribe[OrderCreated, *auditHandler](ctx, f.bus))

	f.broker.FailChannels(amqp.ErrClosed)
	f.broker.FaultConsumers(&amqp.Error{Code: amqp.InternalError, Reason: "INTERNAL_ERROR", Server: true})

	// the recreate attempt failed and the heal is now waiting out its backoff
	waitFor(t, func() bool { return f.broker.PendingChannelFailures() == 0 })

	start := time.Now()
	require.NoError(t, f.bus.Publish(ctx, orderCreated("during-heal")))
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	waitFor(t, func() bool { return f.bus.State() == eventbus.StateActive && f.rec.len() == 1 })
	assert.Equal(t, []string{"audit:during-heal"}, f.rec.snapshot())
}

func TestConsume_CaseInsensitivePayload(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, eventbus.Subscribe[OrderCreated, *auditHandler](t.Context(), f.bus))

	body := `{"ID":"0199f1a6-3c1e-7d0b-9a51-6f2c1e0d4b11","CreationDate":"2025-01-02T03:04:05Z","ORDERID":"77"}`
	require.NoError(t, f.broker.Inject(eventbus.DefaultExchange, "OrderCreated", amqp.Publishing{Body: []byte(body)}))

	waitFor(t, func() bool { return f.broker.Acked() == 1 })
	assert.Equal(t, []string{"audit:77"}, f.rec.snapshot())
}

func TestConsume_NoSubscribersAcks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	require.NoError(t, eventbus.Subscribe[OrderCreated, *auditHandler](ctx, f.bus))
	require.NoError(t, eventbus.Unsubscribe[OrderCreated, *auditHandler](ctx, f.bus))

	// the binding outlives the last handler, so the message still arrives
	require.NoError(t, f.bus.Publish(ctx, orderCreated("1")))

	waitFor(t, func() bool { return f.broker.Acked() == 1 })
	assert.Zero(t, f.rec.len())
	assert.Zero(t, f.broker.Nacked())
}

func TestConsume_HandlerErrorNacksAndOthersStillRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	require.NoError(t, eventbus.Subscribe[OrderCreated, *failingHandler](ctx, f.bus))
	require.NoError(t, eventbus.Subscribe[OrderCreated, *auditHandler](ctx, f.bus))

	require.NoError(t, f.bus.Publish(ctx, orderCreated("3")))

	waitFor(t, func() bool { return f.broker.Nacked() == 1 })
	assert.Equal(t, []string{"audit:3"}, f.rec.snapshot())
	assert.Zero(t, f.broker.Acked())
	assert.Zero(t, f.broker.Requeued())
}

func TestConsume_RequeueOnError(t *testing.T) {
	f := newFixture(t, func(c *eventbus.Config) { c.RequeueOnError = true })

	flaky := &flakyHandler{rec: f.rec}
	flaky.failures.Store(2)
	provider.Instance(f.provider, flaky)

	require.NoError(t, eventbus.Subscribe[OrderCreated, *flakyHandler](t.Context(), f.bus))
	require.NoError(t, f.bus.Publish(t.Context(), orderCreated("5")))

	waitFor(t, func() bool { return f.broker.Acked() == 1 })
	assert.Equal(t, 2, f.broker.Requeued())
	assert.Equal(t, []string{"flaky:5"}, f.rec.snapshot())
}

func TestConsume_HandlerPanicIsContained(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	require.NoError(t, eventbus.Subscribe[OrderCreated, *panickingHandler](ctx, f.bus))
	require.NoError(t, eventbus.Subscribe[OrderCreated, *auditHandler](ctx, f.bus))

	require.NoError(t, f.bus.Publish(ctx, orderCreated("p")))

	waitFor(t, func() bool { return f.broker.Nacked() == 1 })
	assert.Equal(t, int32(1), f.conn.reported.Load())
	assert.Equal(t, []string{"audit:p"}, f.rec.snapshot())

	// the consumer keeps going
	require.NoError(t, eventbus.Unsubscribe[OrderCreated, *panickingHandler](ctx, f.bus))
	require.NoError(t, f.bus.Publish(ctx, orderCreated("q")))
	waitFor(t, func() bool { return f.broker.Acked() == 1 })
}

func TestConsume_ConcurrencyIsBounded(t *testing.T) {
	gate := &gateHandler{release: make(chan struct{})}

	f := newFixture(t, func(c *eventbus.Config) { c.Concurrency = 2 })
	provider.Instance(f.provider, gate)

	require.NoError(t, eventbus.Subscribe[OrderCreated, *gateHandler](t.Context(), f.bus))

	for i := range 5 {
		require.NoError(t, f.bus.Publish(t.Context(), orderCreated(string(rune('a'+i)))))
	}

	waitFor(t, func() bool { return gate.active.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), gate.peak.Load())

	close(gate.release)
	waitFor(t, func() bool { return gate.done.Load() == 5 })
}

func TestConsume_PropagatesTraceContext(t *testing.T) {
	f := newFixture(t, nil, eventbus.WithPropagation(telemetry.NewPropagator()))
	require.NoError(t, eventbus.Subscribe[OrderCreated, *auditHandler](t.Context(), f.bus))

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(t.Context(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
	}))

	require.NoError(t, f.bus.Publish(ctx, orderCreated("t")))

	published := f.broker.Published()
	require.Len(t, published, 1)
	assert.Contains(t, published[0].Headers, "traceparent")

	waitFor(t, func() bool { return f.rec.len() == 1 })

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Equal(t, tid, f.rec.traces[0])
}

func TestMetrics_Recorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, nil, eventbus.WithMetrics(telemetry.NewMetrics(reg)))

	require.NoError(t, eventbus.Subscribe[OrderCreated, *auditHandler](t.Context(), f.bus))
	require.NoError(t, f.bus.Publish(t.Context(), orderCreated("m")))
	waitFor(t, func() bool { return f.broker.Acked() == 1 })

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, fam := range families {
		names[fam.GetName()] = true
	}

	assert.True(t, names["scg_eventbus_published_total"])
	assert.True(t, names["scg_eventbus_consumed_total"])
}
