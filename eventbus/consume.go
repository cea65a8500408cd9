package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/pkg/slogx"
	"github.com/next-trace/scg-event-bus/telemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// startConsumingLocked starts the receive loop on the current channel unless it already runs.
func (b *EventBus) startConsumingLocked(ctx context.Context) error {
	if b.consuming && b.ch != nil && !b.ch.IsClosed() {
		return nil
	}

	if err := b.ensureChannelLocked(ctx); err != nil {
		return err
	}

	deliveries, err := b.ch.Consume(b.cfg.Queue, b.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", b.cfg.Queue, errors.Join(berr.ErrConnectionFailed, err))
	}

	b.consuming = true

	b.wg.Add(1)
	go b.consume(deliveries)

	b.logger.InfoContext(ctx, "consuming", slog.String("queue", b.cfg.Queue))

	return nil
}

// consume runs until deliveries closes, which happens when its channel closes.
func (b *EventBus) consume(deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()

	var g errgroup.Group
	g.SetLimit(b.cfg.Concurrency)

	for d := range deliveries {
		g.Go(func() error {
			b.handle(d)
			return nil
		})
	}

	_ = g.Wait()
}

// handle dispatches one delivery and settles it: ack on success or when nobody
// listens, nack otherwise.
func (b *EventBus) handle(d amqp.Delivery) {
	start := time.Now()
	name := d.RoutingKey

	ctx := b.extractor.Extract(b.ctx, fromTable(d.Headers))
	ctx, span := telemetry.StartConsume(ctx, b.tracer, name, b.cfg.Queue)

	handled, err := b.dispatch(ctx, name, d.Body)
	telemetry.End(span, err)

	attrs := []any{slogx.Event(name), slog.String("event_id", d.MessageId)}

	if err != nil {
		b.logger.ErrorContext(ctx, "error processing event", append(attrs, slogx.Error(err))...)

		if errors.Is(err, berr.ErrHandlerPanic) {
			b.conn.ReportCallbackError(err)
		}

		if nerr := d.Nack(false, b.cfg.RequeueOnError); nerr != nil {
			b.logger.WarnContext(ctx, "nack failed", append(attrs, slogx.Error(nerr))...)
		}

		b.metrics.Consumed(name, telemetry.OutcomeFailed, time.Since(start))

		return
	}

	if aerr := d.Ack(false); aerr != nil {
		b.logger.WarnContext(ctx, "ack failed", append(attrs, slogx.Error(aerr))...)
	}

	outcome := telemetry.OutcomeOK
	if handled == 0 {
		outcome = telemetry.OutcomeSkipped
	}

	b.metrics.Consumed(name, outcome, time.Since(start))
}

func (b *EventBus) dispatch(ctx context.Context, name string, body []byte) (handled int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventbus dispatch %s: panic: %v: %w", name, r, berr.ErrHandlerPanic)
		}
	}()

	return b.dispatcher.Dispatch(ctx, name, body)
}
