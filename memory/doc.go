// Package memory is an in-process event bus. It keeps the RabbitMQ bus's
// subscription semantics but dispatches synchronously inside Publish, which
// makes it a drop-in for unit tests and single-process deployments.
package memory
