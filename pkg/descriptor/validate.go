package descriptor

import (
	"bytes"
	"fmt"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Limits bounds the size of an accepted descriptor.
type Limits struct {
	MinBytes int
	MaxBytes int
}

// DefaultLimits returns the builder's size limits
func DefaultLimits() Limits {
	return Limits{MinBytes: 1024, MaxBytes: 20 << 20}
}

// Validate checks generator output before it is stored. A descriptor is
// binary: non-empty, inside the size limits and not JSON text.
func Validate(data []byte, limits Limits) error {
	if err := CheckSignature(data); err != nil {
		return err
	}
	if limits.MinBytes > 0 && len(data) < limits.MinBytes {
		return fmt.Errorf("%w: %d bytes is below the minimum of %d", ErrInvalidDescriptor, len(data), limits.MinBytes)
	}
	if limits.MaxBytes > 0 && len(data) > limits.MaxBytes {
		return fmt.Errorf("%w: %d bytes exceeds the maximum of %d", ErrInvalidDescriptor, len(data), limits.MaxBytes)
	}
	return nil
}

// CheckSignature rejects payloads that cannot be a binary descriptor: empty
// bodies and JSON documents, which is what a legacy generator or a
// misconfigured server returns instead.
func CheckSignature(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidDescriptor)
	}
	body := bytes.TrimLeft(bytes.TrimPrefix(data, utf8BOM), " \t\r\n")
	if len(body) == 0 {
		return fmt.Errorf("%w: whitespace only", ErrInvalidDescriptor)
	}
	if body[0] == '{' || body[0] == '[' {
		return fmt.Errorf("%w: looks like JSON (starts with %q)", ErrInvalidDescriptor, body[0])
	}
	return nil
}
