// Package turnstate holds the short-lived per-session coordination state:
// debounce windows, generation locks, floor ownership and activity stamps.
package turnstate

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps failures of the backing key/value store. Callers that
// see it must fail closed.
var ErrUnavailable = errors.New("turn state store unavailable")

// Store is a TTL-bearing key/value store with the atomic primitives needed for
// cross-request coordination.
type Store interface {
	// SetIfAbsent stores value under key when no live entry exists and
	// reports whether it did.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the live value for key.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndDelete removes key only when it currently holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// CompareAndExpire resets the TTL of key only when it is live and
	// currently holds value.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
