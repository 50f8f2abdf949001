package ratelimit

import (
	"context"
	"time"
)

// Store maps a key to its theoretical arrival time (TAT).
// Implementations must be safe for concurrent use and must never hold the
// zero instant for a key. Backend failures are reported as errors wrapping
// ErrStoreUnavailable.
type Store interface {
	// Get returns the stored TAT for key, or ok=false if the key is absent.
	Get(ctx context.Context, key string) (tat time.Time, ok bool, err error)

	// CompareAndSwap replaces the TAT for key with next if the stored value
	// still equals old. A zero old means "only if the key is absent".
	CompareAndSwap(ctx context.Context, key string, old, next time.Time) (swapped bool, err error)

	Close() error
}

// UpdateFunc receives the current TAT (ok=false if absent) and returns the
// value to store, or write=false to leave the key untouched.
type UpdateFunc func(tat time.Time, ok bool) (next time.Time, write bool)

// Updater is implemented by stores that can run a read-modify-write under a
// lock scoped to a single key. The Limiter prefers it over CompareAndSwap.
type Updater interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
}
