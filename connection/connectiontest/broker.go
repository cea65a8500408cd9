// Package connectiontest provides an in-memory AMQP broker implementing the
// connection seams, for tests that need routing, acknowledgements, and
// scripted failures without a running RabbitMQ.
package connectiontest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/next-trace/scg-event-bus/connection"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is one publish accepted by the broker.
type Message struct {
	Exchange  string
	Key       string
	Mandatory bool
	amqp.Publishing
}

// QueueInfo describes a declared queue.
type QueueInfo struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Backlog    int
	Consumers  int
}

type exchange struct {
	kind     string
	durable  bool
	bindings map[string]map[string]struct{} // routing key -> queue names
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	backlog    []amqp.Delivery
	consumers  []*consumer
	next       int
}

type consumer struct {
	ch  *Channel
	tag string
	out chan amqp.Delivery
}

type pending struct {
	queue *queue
	ch    *Channel
	d     amqp.Delivery
}

// Broker is an in-memory AMQP broker supporting direct exchanges.
// It implements connection.Dialer.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}
	pending   map[uint64]pending

	dialErrs    []error
	channelErrs []error
	publishErrs []error
	consumeErrs []error

	dials          int
	channelsOpened int
	tag            uint64
	published      []Message
	acked          int
	nacked         int
	requeued       int
	prefetch       int
}

var _ connection.Dialer = (*Broker)(nil)

func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
		pending:   make(map[uint64]pending),
	}
}

// Dial opens a connection unless a scripted dial failure is pending.
func (b *Broker) Dial(ctx context.Context) (connection.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++

	if err := pop(&b.dialErrs); err != nil {
		return nil, err
	}

	c := &Conn{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}

	return c, nil
}

// FailDials makes the next len(errs) dials fail with errs, in order.
func (b *Broker) FailDials(errs ...error) { b.script(&b.dialErrs, errs) }

// FailChannels makes the next channel opens fail.
func (b *Broker) FailChannels(errs ...error) { b.script(&b.channelErrs, errs) }

// FailPublishes makes the next publishes fail.
func (b *Broker) FailPublishes(errs ...error) { b.script(&b.publishErrs, errs) }

// FailConsumes makes the next Consume calls fail.
func (b *Broker) FailConsumes(errs ...error) { b.script(&b.consumeErrs, errs) }

func (b *Broker) script(dst *[]error, errs []error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	*dst = append(*dst, errs...)
}

// DropConnections shuts every open connection down with err, as a broker restart would.
func (b *Broker) DropConnections(err *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.conns {
		c.shutdown(err)
	}
}

// Block sends a blocked notification to every open connection.
func (b *Broker) Block(reason string) { b.blocking(amqp.Blocking{Active: true, Reason: reason}) }

// Unblock sends an unblocked notification to every open connection.
func (b *Broker) Unblock() { b.blocking(amqp.Blocking{Active: false}) }

func (b *Broker) blocking(n amqp.Blocking) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.conns {
		for _, s := range c.blockSubs {
			select {
			case s <- n:
			default:
			}
		}
	}
}

// FaultConsumers closes every channel that has an active consumer with err.
// It returns how many channels were closed.
func (b *Broker) FaultConsumers(err *amqp.Error) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0

	for c := range b.conns {
		for ch := range c.channels {
			if len(ch.consumers) > 0 {
				ch.shutdown(err)
				n++
			}
		}
	}

	return n
}

// Inject routes msg as if another producer had published it.
func (b *Broker) Inject(exchangeName, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.route(exchangeName, key, false, msg)
}

func (b *Broker) Dials() int { return b.read(func() int { return b.dials }) }

func (b *Broker) ChannelsOpened() int { return b.read(func() int { return b.channelsOpened }) }

func (b *Broker) Acked() int { return b.read(func() int { return b.acked }) }

func (b *Broker) Nacked() int { return b.read(func() int { return b.nacked }) }

func (b *Broker) Requeued() int { return b.read(func() int { return b.requeued }) }

// PendingChannelFailures counts scripted channel failures not yet consumed.
func (b *Broker) PendingChannelFailures() int { return b.read(func() int { return len(b.channelErrs) }) }

func (b *Broker) Prefetch() int { return b.read(func() int { return b.prefetch }) }

// OpenConns counts connections that are not closed.
func (b *Broker) OpenConns() int { return b.read(func() int { return len(b.conns) }) }

// OpenChannels counts channels that are not closed, across connections.
func (b *Broker) OpenChannels() int {
	return b.read(func() int {
		n := 0
		for c := range b.conns {
			n += len(c.channels)
		}

		return n
	})
}

func (b *Broker) read(f func() int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return f()
}

// Published returns a copy of every accepted publish.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.published)
}

// Exchange describes a declared exchange.
func (b *Broker) Exchange(name string) (kind string, durable bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return "", false, false
	}

	return ex.kind, ex.durable, true
}

// Queue describes a declared queue.
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}

	return QueueInfo{
		Durable:    q.durable,
		AutoDelete: q.autoDelete,
		Exclusive:  q.exclusive,
		Backlog:    len(q.backlog),
		Consumers:  len(q.consumers),
	}, true
}

// Bindings lists the routing keys binding queueName to exchangeName, sorted.
func (b *Broker) Bindings(queueName, exchangeName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}

	var keys []string

	for key, queues := range ex.bindings {
		if _, ok := queues[queueName]; ok {
			keys = append(keys, key)
		}
	}

	slices.Sort(keys)

	return keys
}

// route delivers msg through exchangeName. b.mu must be held.
func (b *Broker) route(exchangeName, key string, redelivered bool, msg amqp.Publishing) error {
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}

	for name := range ex.bindings[key] {
		q := b.queues[name]
		if q == nil {
			continue
		}

		b.enqueue(q, amqp.Delivery{
			Headers:      msg.Headers,
			ContentType:  msg.ContentType,
			DeliveryMode: msg.DeliveryMode,
			MessageId:    msg.MessageId,
			Timestamp:    msg.Timestamp,
			Type:         msg.Type,
			AppId:        msg.AppId,
			Exchange:     exchangeName,
			RoutingKey:   key,
			Redelivered:  redelivered,
			Body:         msg.Body,
		})
	}

	return nil
}

// enqueue hands d to the next consumer of q, or parks it. b.mu must be held.
func (b *Broker) enqueue(q *queue, d amqp.Delivery) {
	if len(q.consumers) == 0 {
		q.backlog = append(q.backlog, d)
		return
	}

	c := q.consumers[q.next%len(q.consumers)]
	q.next++

	b.deliver(q, c, d)
}

func (b *Broker) deliver(q *queue, c *consumer, d amqp.Delivery) {
	b.tag++
	d.DeliveryTag = b.tag
	d.ConsumerTag = c.tag
	d.Acknowledger = acker{b}

	select {
	case c.out <- d:
		b.pending[d.DeliveryTag] = pending{queue: q, ch: c.ch, d: d}
	default:
		q.backlog = append(q.backlog, d)
	}
}

// requeue puts every unacknowledged delivery of ch back on its queue. b.mu must be held.
func (b *Broker) requeue(ch *Channel) {
	tags := make([]uint64, 0)

	for tag, p := range b.pending {
		if p.ch == ch {
			tags = append(tags, tag)
		}
	}

	slices.Sort(tags)

	for _, tag := range tags {
		p := b.pending[tag]
		delete(b.pending, tag)

		p.d.Redelivered = true
		b.enqueue(p.queue, p.d)
	}
}

type acker struct{ b *Broker }

var errUnknownTag = errors.New("connectiontest: unknown delivery tag")

func (a acker) Ack(tag uint64, _ bool) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()

	if _, ok := a.b.pending[tag]; !ok {
		return errUnknownTag
	}

	delete(a.b.pending, tag)
	a.b.acked++

	return nil
}

func (a acker) Nack(tag uint64, _ bool, requeue bool) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()

	p, ok := a.b.pending[tag]
	if !ok {
		return errUnknownTag
	}

	delete(a.b.pending, tag)
	a.b.nacked++

	if requeue {
		a.b.requeued++
		p.d.Redelivered = true
		a.b.enqueue(p.queue, p.d)
	}

	return nil
}

func (a acker) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}

	err := (*errs)[0]
	*errs = (*errs)[1:]

	return err
}
