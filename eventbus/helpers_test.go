package eventbus_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/next-trace/scg-event-bus/connection"
	"github.com/next-trace/scg-event-bus/connection/connectiontest"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/eventbus"
	"github.com/next-trace/scg-event-bus/provider"
	"github.com/next-trace/scg-event-bus/retry"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

const queueName = "orders-service"

type OrderCreated struct {
	cbus.Event
	OrderID string `json:"orderId"`
}

type OrderCancelled struct {
	cbus.Event
	Reason string `json:"reason"`
}

type recorder struct {
	mu     sync.Mutex
	calls  []string
	traces []trace.TraceID
}

func (r *recorder) add(ctx context.Context, s string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, s)
	r.traces = append(r.traces, trace.SpanContextFromContext(ctx).TraceID())
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.calls...)
}

func (r *recorder) len() int { return len(r.snapshot()) }

type auditHandler struct{ rec *recorder }

func (h *auditHandler) Handle(ctx context.Context, e OrderCreated) error {
	h.rec.add(ctx, "audit:"+e.OrderID)
	return nil
}

type billingHandler struct{ rec *recorder }

func (h *billingHandler) Handle(ctx context.Context, e OrderCreated) error {
	h.rec.add(ctx, "billing:"+e.OrderID)
	return nil
}

type refundHandler struct{ rec *recorder }

func (h *refundHandler) Handle(ctx context.Context, e OrderCancelled) error {
	h.rec.add(ctx, "refund:"+e.Reason)
	return nil
}

type failingHandler struct{}

func (*failingHandler) Handle(context.Context, OrderCreated) error { return errors.New("inventory unavailable") }

type panickingHandler struct{}

func (*panickingHandler) Handle(context.Context, OrderCreated) error { panic("nil pointer in handler") }

// flakyHandler fails until failures reaches zero.
type flakyHandler struct {
	rec      *recorder
	failures atomic.Int32
}

func (h *flakyHandler) Handle(ctx context.Context, e OrderCreated) error {
	if h.failures.Add(-1) >= 0 {
		return errors.New("transient downstream failure")
	}

	h.rec.add(ctx, "flaky:"+e.OrderID)

	return nil
}

// gateHandler blocks until release is closed and tracks peak parallelism.
type gateHandler struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
	done    atomic.Int32
}

func (h *gateHandler) Handle(ctx context.Context, e OrderCreated) error {
	n := h.active.Add(1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}

	<-h.release
	h.active.Add(-1)
	h.done.Add(1)

	return nil
}

// reportingConnector records callback errors before forwarding them.
type reportingConnector struct {
	*connection.Manager
	reported atomic.Int32
}

func (c *reportingConnector) ReportCallbackError(err error) {
	c.reported.Add(1)
	c.Manager.ReportCallbackError(err)
}

type fixture struct {
	broker   *connectiontest.Broker
	manager  *connection.Manager
	conn     *reportingConnector
	provider *provider.Registry
	rec      *recorder
	bus      *eventbus.EventBus
}

func newFixture(t *testing.T, mutate func(*eventbus.Config), opts ...eventbus.Option) *fixture {
	t.Helper()

	f := &fixture{
		broker:   connectiontest.NewBroker(),
		provider: provider.New(),
		rec:      &recorder{},
	}

	f.manager = connection.NewManager(f.broker, connection.WithRetry(retry.Policy{Retries: 3, Delay: time.Millisecond}))
	f.conn = &reportingConnector{Manager: f.manager}

	provider.Instance(f.provider, &auditHandler{rec: f.rec})
	provider.Instance(f.provider, &billingHandler{rec: f.rec})
	provider.Instance(f.provider, &refundHandler{rec: f.rec})
	provider.Instance(f.provider, &failingHandler{})
	provider.Instance(f.provider, &panickingHandler{})

	cfg := eventbus.Config{Queue: queueName, RetryDelay: time.Millisecond, ConsumerTag: "orders-test"}
	if mutate != nil {
		mutate(&cfg)
	}

	bus, err := eventbus.New(context.Background(), f.conn, f.provider, cfg, opts...)
	require.NoError(t, err)

	f.bus = bus

	t.Cleanup(func() {
		_ = f.bus.Dispose()
		_ = f.manager.Dispose()
	})

	return f
}

func orderCreated(id string) OrderCreated {
	return OrderCreated{Event: cbus.NewEvent(), OrderID: id}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

// outageConnector serves the bus from a healthy manager until down is set, then
// reports disconnected and sends connect attempts to a broker refusing every dial.
type outageConnector struct {
	*connection.Manager
	down    atomic.Bool
	offline *connection.Manager
}

func (c *outageConnector) IsConnected() bool {
	if c.down.Load() {
		return false
	}

	return c.Manager.IsConnected()
}

func (c *outageConnector) TryConnect(ctx context.Context) error {
	if c.down.Load() {
		return c.offline.TryConnect(ctx)
	}

	return c.Manager.TryConnect(ctx)
}

// newOutageFixture returns a bus over an outageConnector and the broker that refuses dials.
func newOutageFixture(t *testing.T) (*fixture, *outageConnector, *connectiontest.Broker) {
	t.Helper()

	policy := connection.WithRetry(retry.Policy{Retries: 3, Delay: time.Millisecond})

	f := &fixture{broker: connectiontest.NewBroker(), provider: provider.New(), rec: &recorder{}}
	f.manager = connection.NewManager(f.broker, policy)
	provider.Instance(f.provider, &auditHandler{rec: f.rec})

	dead := connectiontest.NewBroker()
	refused := make([]error, 64)
	for i := range refused {
		refused[i] = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	dead.FailDials(refused...)

	oc := &outageConnector{Manager: f.manager, offline: connection.NewManager(dead, policy)}

	cfg := eventbus.Config{Queue: queueName, RetryDelay: time.Millisecond, ConsumerTag: "orders-test"}

	bus, err := eventbus.New(context.Background(), oc, f.provider, cfg)
	require.NoError(t, err)

	f.bus = bus

	t.Cleanup(func() {
		_ = f.bus.Dispose()
		_ = oc.offline.Dispose()
		_ = f.manager.Dispose()
	})

	return f, oc, dead
}
