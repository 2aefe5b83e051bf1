package codec

import (
	"errors"
	"fmt"
)

// ErrEntryTooLarge is returned when an encoded entry exceeds a Limit.
var ErrEntryTooLarge = errors.New("encoded entry too large")

// Limit caps the encoded size of a single entry. Writes over Max are refused
// before they reach the store, and oversized payloads found in a shared store
// are rejected without being decoded. Max <= 0 disables the cap.
type Limit[V any] struct {
	Inner Codec[V]
	Max   int
}

// WithLimit wraps c in a Limit when limit is positive.
func WithLimit[V any](c Codec[V], limit int) Codec[V] {
	if limit <= 0 {
		return c
	}
	return Limit[V]{Inner: c, Max: limit}
}

func (c Limit[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.Max > 0 && len(b) > c.Max {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, len(b), c.Max)
	}
	return b, nil
}

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.Max > 0 && len(b) > c.Max {
		var zero V
		return zero, fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, len(b), c.Max)
	}
	return c.Inner.Decode(b)
}
