package eventbus

// State of the consumer channel.
type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateFaulted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateFaulted:
		return "faulted"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}
