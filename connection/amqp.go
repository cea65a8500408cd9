package connection

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const product = "scg-event-bus"

// Channel is the subset of *amqp.Channel the bus uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection the manager uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(c chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

var _ Channel = (*amqp.Channel)(nil)

// AMQPConfig configures AMQPDialer.
type AMQPConfig struct {
	URL         string
	ConnTimeout time.Duration
	// ClientName shows up as the connection name in the broker management UI.
	ClientName string
}

// AMQPDialer dials RabbitMQ with amqp091-go.
type AMQPDialer struct {
	cfg AMQPConfig
}

// NewAMQPDialer returns a dialer for cfg. A non-positive ConnTimeout means 30s.
func NewAMQPDialer(cfg AMQPConfig) *AMQPDialer {
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 30 * time.Second
	}

	return &AMQPDialer{cfg: cfg}
}

// Dial opens a connection to cfg.URL, announcing ClientName as the connection name.
func (d *AMQPDialer) Dial(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	props := amqp.Table{"product": product}
	if d.cfg.ClientName != "" {
		props["connection_name"] = d.cfg.ClientName
	}

	conn, err := amqp.DialConfig(d.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(d.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	return amqpConn{Connection: conn}, nil
}

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}
