package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/next-trace/scg-event-bus/codec"
	"github.com/next-trace/scg-event-bus/connection"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/pkg/slogx"
	"github.com/next-trace/scg-event-bus/retry"
	"github.com/next-trace/scg-event-bus/telemetry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publish sends e to the exchange with its event name as routing key. Messages are
// persistent. Transient broker failures are retried per the configured policy; a
// short-lived channel is used for the send and always closed.
func (b *EventBus) Publish(ctx context.Context, e cbus.IntegrationEvent) error {
	if e == nil {
		return fmt.Errorf("eventbus publish: nil event: %w", berr.ErrSerializationFailed)
	}

	if b.disposed.Load() {
		return fmt.Errorf("eventbus publish: %w", berr.ErrDisposed)
	}

	name := cbus.EventName(e)

	body, err := codec.Marshal(e)
	if err != nil {
		b.metrics.Published(name, telemetry.OutcomeFailed)
		return fmt.Errorf("eventbus publish %s: %w", name, err)
	}

	ctx, span := telemetry.StartPublish(ctx, b.tracer, name, b.cfg.Exchange)
	err = b.send(ctx, name, e, body)
	telemetry.End(span, err)

	if err != nil {
		b.metrics.Published(name, telemetry.OutcomeFailed)
		return err
	}

	b.metrics.Published(name, telemetry.OutcomeOK)

	return nil
}

func (b *EventBus) send(ctx context.Context, name string, e cbus.IntegrationEvent, body []byte) error {
	headers := make(map[string]string)
	b.propagator.Inject(ctx, headers)

	msg := amqp.Publishing{
		Headers:      toTable(headers),
		ContentType:  codec.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    e.EventID().String(),
		Timestamp:    e.CreatedAt(),
		Type:         name,
		Body:         body,
	}

	id := slog.String("event_id", msg.MessageId)

	var ch connection.Channel
	defer func() {
		if ch != nil {
			_ = ch.Close()
		}
	}()

	op := func() error {
		// TryConnect already retried under the same policy
		if err := b.ensureConnected(ctx); err != nil {
			return retry.Stop(err)
		}

		if ch == nil || ch.IsClosed() {
			if ch != nil {
				_ = ch.Close()
			}

			c, err := b.conn.CreateChannel()
			if err != nil {
				return err
			}

			ch = c

			if err := b.declare(ch); err != nil {
				return err
			}
		}

		return ch.PublishWithContext(ctx, b.cfg.Exchange, name, false, false, msg)
	}

	err := retry.Do(ctx, b.policy, connection.IsTransient, op, func(err error, attempt int, delay time.Duration) {
		b.metrics.Retry("publish")
		b.logger.WarnContext(ctx, "publish failed, retrying",
			slogx.Event(name), id, slog.Int("attempt", attempt), slog.Duration("delay", delay), slogx.Error(err))
	})
	if err == nil {
		b.logger.DebugContext(ctx, "published", slogx.Event(name), id)
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	b.logger.ErrorContext(ctx, "publish failed", slogx.Event(name), id, slogx.Error(err))

	return fmt.Errorf("eventbus publish %s: %w", name, errors.Join(berr.ErrPublishFailed, err))
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}

	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}

	return t
}

func fromTable(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}

	h := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			h[k] = s
		}
	}

	return h
}
