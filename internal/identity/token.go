package identity

import (
	"github.com/google/uuid"
)

// TokenGenerator produces the variable part of a sync token.
// Implemented by UUIDv7Generator (production) and testutil.SequenceGenerator (tests).
type TokenGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 values.
//
// UUIDv7 embeds a timestamp in the most significant bits, so tokens from
// one device sort by creation time. That makes sync logs easy to read.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
