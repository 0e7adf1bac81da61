package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Blobs is a key-value store of opaque byte values.
//
// Get returns (nil, false, nil) for a missing key. Remove of a missing key
// is not an error.
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// ErrInvalidKey is returned for keys outside [A-Za-z0-9._-]{1,128}.
var ErrInvalidKey = errors.New("invalid key")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateKey checks key against the portable key alphabet. Every backend
// enforces the same rule so data can move between them.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
