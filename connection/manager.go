package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/pkg/slogx"
	"github.com/next-trace/scg-event-bus/retry"
	"github.com/next-trace/scg-event-bus/telemetry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. nil discards.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithRetry sets the connect retry policy.
func WithRetry(p retry.Policy) Option { return func(m *Manager) { m.policy = p } }

// WithMetrics records reconnects and connect retries.
func WithMetrics(mt *telemetry.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// Manager owns one broker connection shared by every channel of the process.
type Manager struct {
	dialer  Dialer
	policy  retry.Policy
	logger  *slog.Logger
	metrics *telemetry.Metrics

	// connectMu serializes connect attempts so concurrent hooks coalesce into one.
	connectMu sync.Mutex

	mu       sync.RWMutex
	conn     Connection
	disposed bool

	faults chan error
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns a disconnected manager. Call TryConnect to dial.
func NewManager(dialer Dialer, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		dialer: dialer,
		policy: retry.DefaultPolicy(),
		faults: make(chan error, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, o := range opts {
		o(m)
	}

	m.logger = slogx.OrDiscard(m.logger).With(slogx.LoggerName("connection"))

	return m
}

// IsConnected reports whether a live connection is held and the manager is not disposed.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return !m.disposed && m.conn != nil && !m.conn.IsClosed()
}

// TryConnect dials the broker unless already connected. Transient dial failures are
// retried per the policy; the budget running out yields ErrConnectionFailed.
func (m *Manager) TryConnect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.isDisposed() {
		return fmt.Errorf("rabbitmq connect: %w", berr.ErrDisposed)
	}

	if m.IsConnected() {
		return nil
	}

	// Dispose aborts a connect in progress.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	m.logger.InfoContext(ctx, "connecting to broker")

	var conn Connection

	err := retry.Do(ctx, m.policy, IsTransient, func() error {
		c, err := m.dialer.Dial(ctx)
		if err != nil {
			return err
		}

		conn = c

		return nil
	}, func(err error, attempt int, delay time.Duration) {
		m.metrics.Retry("connect")
		m.logger.WarnContext(ctx, "broker connect failed, retrying",
			slog.Int("attempt", attempt), slog.Duration("delay", delay), slogx.Error(err))
	})
	if err != nil {
		if m.isDisposed() {
			return fmt.Errorf("rabbitmq connect: %w", berr.ErrDisposed)
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		m.logger.ErrorContext(ctx, "broker connection could not be established", slogx.Error(err))

		return fmt.Errorf("rabbitmq connect: %w", errors.Join(berr.ErrConnectionFailed, err))
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		_ = conn.Close()

		return fmt.Errorf("rabbitmq connect: %w", berr.ErrDisposed)
	}

	old := m.conn
	m.conn = conn
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	m.wg.Add(1)
	m.mu.Unlock()

	if old != nil && !old.IsClosed() {
		_ = old.Close()
	}

	go m.watch(conn, closed, blocked)

	m.metrics.Reconnected()
	m.logger.InfoContext(ctx, "broker connection established")

	return nil
}

// CreateChannel opens a channel on the current connection.
func (m *Manager) CreateChannel() (Channel, error) {
	m.mu.RLock()
	conn, disposed := m.conn, m.disposed
	m.mu.RUnlock()

	if disposed {
		return nil, fmt.Errorf("rabbitmq create channel: %w", errors.Join(berr.ErrNotConnected, berr.ErrDisposed))
	}

	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("rabbitmq create channel: %w", berr.ErrNotConnected)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq create channel: %w", errors.Join(berr.ErrConnectionFailed, err))
	}

	return ch, nil
}

// ReportCallbackError signals that a consumer callback failed on this connection.
// The watcher logs it and re-checks connectivity. Signals arriving while one is
// pending are dropped.
func (m *Manager) ReportCallbackError(err error) {
	if err == nil || m.isDisposed() {
		return
	}

	select {
	case m.faults <- err:
	default:
	}
}

// Dispose stops the watchers and closes the connection. Safe to call more than once.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}

	m.disposed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.cancel()

	var err error

	if conn != nil && !conn.IsClosed() {
		if cerr := conn.Close(); cerr != nil {
			m.logger.Log(context.Background(), slogx.LevelCritical, "closing broker connection failed", slogx.Error(cerr))
			err = fmt.Errorf("rabbitmq dispose: %w", cerr)
		}
	}

	m.wg.Wait()

	return err
}

func (m *Manager) isDisposed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.disposed
}

func (m *Manager) current() Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.conn
}

// watch reacts to the lifecycle signals of one connection. It exits when the
// connection is replaced, closed without error, or the manager is disposed.
func (m *Manager) watch(conn Connection, closed <-chan *amqp.Error, blocked <-chan amqp.Blocking) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case aerr, ok := <-closed:
			if !ok || aerr == nil {
				return
			}

			m.logger.Warn("broker connection shut down, reconnecting", slogx.Error(aerr))
			m.reconnect()

			return

		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}

			if !b.Active {
				m.logger.Info("broker connection unblocked")
				continue
			}

			m.logger.Warn("broker connection blocked, reconnecting", slog.String("reason", b.Reason))
			m.reconnect()

		case err := <-m.faults:
			m.logger.Warn("callback exception on broker connection, reconnecting", slogx.Error(err))
			m.reconnect()
		}

		if m.current() != conn {
			return
		}
	}
}

func (m *Manager) reconnect() {
	if err := m.TryConnect(m.ctx); err != nil && m.ctx.Err() == nil {
		m.logger.Error("broker reconnect failed", slogx.Error(err))
	}
}
