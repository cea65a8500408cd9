// Package connection owns the process-wide AMQP connection: it dials with a bounded
// retry budget, hands out channels, and reconnects when the broker signals shutdown,
// blocking, or a callback failure.
package connection
