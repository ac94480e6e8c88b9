// Package store provides the TTL key-value storage used to hold in-flight
// OAuth flow state. Entries expire server-side; a lookup past expiry is a
// miss, which is how abandoned flows clean themselves up.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store is a key-value store with per-entry expiry.
type Store interface {
	// Get retrieves a value. Returns ErrNotFound on miss or expiry.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any underlying connections.
	Close() error
}
