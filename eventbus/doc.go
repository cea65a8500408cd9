// Package eventbus publishes integration events to a RabbitMQ direct exchange and
// consumes them from a durable queue, dispatching each delivery to every handler
// subscribed to its event name.
//
// The routing key of a message is its event name. A queue binding is created the
// first time a name gains a subscriber. The consumer channel heals itself when the
// broker closes it with an error.
package eventbus
