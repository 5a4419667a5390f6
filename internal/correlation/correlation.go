// Package correlation carries per-request correlation identifiers through
// context so log lines and trace spans from one call can be stitched together.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength caps externally supplied correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With attaches the correlation ID to ctx after normalization. Invalid IDs
// leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// Normalize validates and canonicalizes an external correlation identifier,
// reporting whether the input is acceptable (printable ASCII, bounded length).
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

// Generate produces a new compact correlation identifier.
func Generate() string {
	return xid.New().String()
}
