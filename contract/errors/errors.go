package errors

// Error codes for the event bus contracts. Keep stable; used across adapters and bus.
const (
	ErrCodeDuplicateSubscription = "eventbus.duplicate_subscription"
	ErrCodeSubscriptionNotFound  = "eventbus.subscription_not_found"
	ErrCodeNotConnected          = "eventbus.not_connected"
	ErrCodeConnectionFailed      = "eventbus.connection_failed"
	ErrCodePublishFailed         = "eventbus.publish_failed"
	ErrCodeSerializationFailed   = "eventbus.serialization_failed"
	ErrCodeHandlerTypeMismatch   = "eventbus.handler_type_mismatch"
	ErrCodeHandlerPanic          = "eventbus.handler_panic"
	ErrCodeDisposed              = "eventbus.disposed"
	ErrCodeInvalidConfig         = "eventbus.invalid_config"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrDuplicateSubscription = Code(ErrCodeDuplicateSubscription)
	ErrSubscriptionNotFound  = Code(ErrCodeSubscriptionNotFound)
	ErrNotConnected          = Code(ErrCodeNotConnected)
	ErrConnectionFailed      = Code(ErrCodeConnectionFailed)
	ErrPublishFailed         = Code(ErrCodePublishFailed)
	ErrSerializationFailed   = Code(ErrCodeSerializationFailed)
	ErrHandlerTypeMismatch   = Code(ErrCodeHandlerTypeMismatch)
	ErrHandlerPanic          = Code(ErrCodeHandlerPanic)
	ErrDisposed              = Code(ErrCodeDisposed)
	ErrInvalidConfig         = Code(ErrCodeInvalidConfig)
)
