package connectiontest

import (
	"context"
	"fmt"
	"slices"

	"github.com/next-trace/scg-event-bus/connection"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn is a connection to a Broker.
type Conn struct {
	broker    *Broker
	closed    bool
	closeSubs []chan *amqp.Error
	blockSubs []chan amqp.Blocking
	channels  map[*Channel]struct{}
}

var _ connection.Connection = (*Conn)(nil)

func (c *Conn) Channel() (connection.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	if err := pop(&b.channelErrs); err != nil {
		return nil, err
	}

	ch := &Channel{conn: c}
	c.channels[ch] = struct{}{}
	b.channelsOpened++

	return ch, nil
}

func (c *Conn) NotifyClose(r chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(r)
		return r
	}

	c.closeSubs = append(c.closeSubs, r)

	return r
}

func (c *Conn) NotifyBlocked(r chan amqp.Blocking) chan amqp.Blocking {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(r)
		return r
	}

	c.blockSubs = append(c.blockSubs, r)

	return r
}

func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	return c.closed
}

func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}

	c.shutdown(nil)

	return nil
}

// shutdown closes c and its channels. broker.mu must be held.
func (c *Conn) shutdown(err *amqp.Error) {
	if c.closed {
		return
	}

	c.closed = true

	for ch := range c.channels {
		ch.shutdown(err)
	}

	for _, s := range c.closeSubs {
		if err != nil {
			select {
			case s <- err:
			default:
			}
		}

		close(s)
	}

	for _, s := range c.blockSubs {
		close(s)
	}

	c.closeSubs, c.blockSubs = nil, nil
	delete(c.broker.conns, c)
}

// Channel is a channel on a Conn.
type Channel struct {
	conn      *Conn
	closed    bool
	closeSubs []chan *amqp.Error
	consumers []*consumer
}

var _ connection.Channel = (*Channel)(nil)

func (ch *Channel) lock() *Broker {
	b := ch.conn.broker
	b.mu.Lock()

	return b
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			err := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg for exchange " + name}
			ch.shutdown(err)

			return err
		}

		return nil
	}

	b.exchanges[name] = &exchange{kind: kind, durable: durable, bindings: make(map[string]map[string]struct{})}

	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive}
		b.queues[name] = q
	}

	return amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchangeName + "'"}
	}

	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}

	set, ok := ex.bindings[key]
	if !ok {
		set = make(map[string]struct{})
		ex.bindings[key] = set
	}

	set[name] = struct{}{}

	return nil
}

func (ch *Channel) QueueUnbind(name, key, exchangeName string, _ amqp.Table) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if ex, ok := b.exchanges[exchangeName]; ok {
		delete(ex.bindings[key], name)

		if len(ex.bindings[key]) == 0 {
			delete(ex.bindings, key)
		}
	}

	return nil
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	b.prefetch = prefetchCount

	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if err := pop(&b.publishErrs); err != nil {
		return err
	}

	if err := b.route(exchangeName, key, false, msg); err != nil {
		return err
	}

	b.published = append(b.published, Message{Exchange: exchangeName, Key: key, Mandatory: mandatory, Publishing: msg})

	return nil
}

func (ch *Channel) Consume(queueName, tag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}

	if err := pop(&b.consumeErrs); err != nil {
		return nil, err
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}

	c := &consumer{ch: ch, tag: tag, out: make(chan amqp.Delivery, 1024)}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)

	backlog := q.backlog
	q.backlog = nil

	for _, d := range backlog {
		b.deliver(q, c, d)
	}

	return c.out, nil
}

func (ch *Channel) NotifyClose(r chan *amqp.Error) chan *amqp.Error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(r)
		return r
	}

	ch.closeSubs = append(ch.closeSubs, r)

	return r
}

func (ch *Channel) IsClosed() bool {
	b := ch.lock()
	defer b.mu.Unlock()

	return ch.closed
}

func (ch *Channel) Close() error {
	b := ch.lock()
	defer b.mu.Unlock()

	ch.shutdown(nil)

	return nil
}

// shutdown closes ch, detaches its consumers and requeues their unacked deliveries.
// broker.mu must be held.
func (ch *Channel) shutdown(err *amqp.Error) {
	if ch.closed {
		return
	}

	ch.closed = true
	b := ch.conn.broker

	for _, c := range ch.consumers {
		for _, q := range b.queues {
			q.consumers = slices.DeleteFunc(q.consumers, func(x *consumer) bool { return x == c })
		}

		close(c.out)
	}

	ch.consumers = nil
	b.requeue(ch)

	for _, s := range ch.closeSubs {
		if err != nil {
			select {
			case s <- err:
			default:
			}
		}

		close(s)
	}

	ch.closeSubs = nil
	delete(ch.conn.channels, ch)
}
