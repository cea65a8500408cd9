package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/next-trace/scg-event-bus/codec"
	"github.com/next-trace/scg-event-bus/connection"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/pkg/slogx"
	"github.com/next-trace/scg-event-bus/retry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Connector is the part of connection.Manager the producer needs.
type Connector interface {
	IsConnected() bool
	TryConnect(ctx context.Context) error
	CreateChannel() (connection.Channel, error)
}

var _ Connector = (*connection.Manager)(nil)

// channelPublisher keeps one channel open across publishes and reopens it after
// the broker closes it. The exchange is declared on every fresh channel.
type channelPublisher struct {
	conn   Connector
	policy retry.Policy
	logger *slog.Logger

	mu       sync.Mutex
	ch       connection.Channel
	declared map[string]struct{}
	closed   bool
}

// NewProducer returns an Adapter publishing to exchange through conn, and a cleanup
// that closes the cached channel. The connection itself stays with its owner.
func NewProducer(conn Connector, exchange string, policy retry.Policy, logger *slog.Logger) (*Adapter, func()) {
	cp := &channelPublisher{
		conn:     conn,
		policy:   policy,
		logger:   slogx.OrDiscard(logger).With(slogx.LoggerName("rabbitmq")),
		declared: make(map[string]struct{}),
	}

	return New(cp, exchange), cp.close
}

func (cp *channelPublisher) Publish(ctx context.Context, m PubMsg) error {
	msg := amqp.Publishing{
		Headers:      table(m.Headers),
		ContentType:  codec.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    m.MessageID,
		Timestamp:    m.Timestamp,
		Type:         m.Type,
		Body:         m.Body,
	}

	op := func() error {
		ch, err := cp.channel(ctx, m.Exchange)
		if err != nil {
			return err
		}

		return ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, msg)
	}

	err := retry.Do(ctx, cp.policy, connection.IsTransient, op, func(err error, attempt int, delay time.Duration) {
		cp.logger.WarnContext(ctx, "publish failed, retrying",
			slogx.Event(m.Type), slog.Int("attempt", attempt), slog.Duration("delay", delay), slogx.Error(err))
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("rabbitmq publish %s: %w", m.Type, errors.Join(berr.ErrPublishFailed, err))
}

func (cp *channelPublisher) channel(ctx context.Context, exchange string) (connection.Channel, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil, berr.ErrDisposed
	}

	if cp.ch != nil && !cp.ch.IsClosed() {
		if _, ok := cp.declared[exchange]; ok {
			return cp.ch, nil
		}
	} else {
		if cp.ch != nil {
			_ = cp.ch.Close()
			cp.ch = nil
		}

		if !cp.conn.IsConnected() {
			// TryConnect already retried under its own policy
			if err := cp.conn.TryConnect(ctx); err != nil {
				return nil, retry.Stop(err)
			}
		}

		ch, err := cp.conn.CreateChannel()
		if err != nil {
			return nil, err
		}

		cp.ch = ch
		clear(cp.declared)
	}

	if err := cp.ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return nil, err
	}

	cp.declared[exchange] = struct{}{}

	return cp.ch, nil
}

func (cp *channelPublisher) close() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cp.closed = true

	if cp.ch != nil {
		if err := cp.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			cp.logger.Warn("closing producer channel failed", slogx.Error(err))
		}

		cp.ch = nil
	}
}

func table(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}

	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}

	return t
}
