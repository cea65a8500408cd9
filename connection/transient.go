package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// IsTransient reports whether err is a broker-unreachable or socket-level failure
// worth retrying. Context cancellation and disposal never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, berr.ErrDisposed) {
		return false
	}

	if errors.Is(err, amqp.ErrClosed) || errors.Is(err, berr.ErrNotConnected) {
		return true
	}

	var aerr *amqp.Error
	if errors.As(err, &aerr) {
		switch aerr.Code {
		case amqp.ConnectionForced, amqp.FrameError, amqp.ChannelError, amqp.InternalError, amqp.ResourceError:
			return true
		}

		return aerr.Recover
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
