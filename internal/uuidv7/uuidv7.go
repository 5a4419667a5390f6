package uuidv7

import "github.com/google/uuid"

// New returns a time-ordered UUIDv7 value or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns the string form of a fresh UUIDv7. Used for storage ETags
// and project identifiers, where time-ordering keeps listings roughly
// chronological.
func NewString() string {
	return New().String()
}
