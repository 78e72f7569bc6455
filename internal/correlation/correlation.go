// Package correlation carries the identifier of the locking transaction on a
// context so storage and ensemble log lines can be tied back to it.
package correlation

import (
	"context"
	"strings"

	"github.com/thinkaurelius/titan-sub001/internal/uuidv7"
)

// MaxIDLength caps accepted transaction identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns a context carrying id. Invalid identifiers leave ctx untouched.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the identifier stored on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new time-ordered identifier.
func Generate() string {
	return uuidv7.NewString()
}
