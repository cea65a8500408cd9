// Package codec encodes integration events for the wire.
package codec

import (
	"fmt"

	"github.com/goccy/go-json"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// ContentType is set on every outgoing message body produced by Marshal.
const ContentType = "application/json"

// Marshal serializes v into a JSON body.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec marshal %T: %w", v, joinSerialization(err))
	}

	return b, nil
}

// Unmarshal decodes body into a new value of type E. Field names match case-insensitively.
func Unmarshal[E any](body []byte) (E, error) {
	var v E
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("codec unmarshal %T: %w", v, joinSerialization(err))
	}

	return v, nil
}

func joinSerialization(err error) error {
	return fmt.Errorf("%w: %w", berr.ErrSerializationFailed, err)
}
