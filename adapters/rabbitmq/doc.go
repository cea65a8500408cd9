// Package rabbitmq is a publish-only RabbitMQ producer for services that emit
// integration events but never consume them. It shares the exchange topology
// and message format of the eventbus package without declaring a queue.
package rabbitmq
