// Package uuidv7 wraps google/uuid for time-ordered identifiers.
package uuidv7

import "github.com/google/uuid"

// New returns a UUIDv7 value or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns New as a string.
func NewString() string {
	return New().String()
}

// Compact returns New without dashes, suitable for path segments.
func Compact() string {
	id := New()
	const hex = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range id {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0x0f]
	}
	return string(out)
}
