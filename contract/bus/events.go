package bus

import (
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/next-trace/scg-event-bus/pkg/uuidx"
)

// IntegrationEvent is a message exchanged between services through a broker.
// Every event carries a unique identifier and a UTC creation timestamp; the rest
// of the payload is defined by the concrete event type.
type IntegrationEvent interface {
	EventID() uuid.UUID
	CreatedAt() time.Time
}

// Named lets an event override the name derived from its Go type.
// The name is the in-process lookup key and the wire routing key.
type Named interface {
	EventName() string
}

// Event is the base embedded by concrete integration events.
//
//	type OrderCreated struct {
//		bus.Event
//		OrderID string `json:"orderId"`
//	}
type Event struct {
	ID           uuid.UUID `json:"id"`
	CreationDate time.Time `json:"creationDate"`
}

// NewEvent returns a base with a fresh UUIDv7 and the current UTC time.
func NewEvent() Event {
	return Event{ID: uuidx.New(), CreationDate: time.Now().UTC()}
}

func (e Event) EventID() uuid.UUID   { return e.ID }
func (e Event) CreatedAt() time.Time { return e.CreationDate }

// EventName returns the routing name of v: its EventName() when it implements Named,
// otherwise the Go type name with pointers stripped.
func EventName(v any) string {
	if n, ok := v.(Named); ok && !isNilPointer(v) {
		return n.EventName()
	}

	return typeName(reflect.TypeOf(v))
}

// EventNameOf returns the routing name for the event type E without needing a value.
func EventNameOf[E IntegrationEvent]() string {
	t := reflect.TypeOf((*E)(nil)).Elem()

	base := t
	for base.Kind() == reflect.Ptr {
		base = base.Elem()
	}

	if n, ok := reflect.New(base).Interface().(Named); ok {
		return n.EventName()
	}

	return typeName(t)
}

// HandlerName identifies a handler type. Two descriptors built for the same
// handler type share the name and therefore compare equal.
func HandlerName[H any]() string {
	return reflect.TypeOf((*H)(nil)).Elem().String()
}

func typeName(t reflect.Type) string {
	if t == nil {
		return ""
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := t.Name()
	if name == "" { // unnamed (e.g., map/struct literal)
		name = t.String()
	}

	return name
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}
