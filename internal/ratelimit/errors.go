package ratelimit

import "errors"

var (
	// ErrInvalidArgument is returned when a RateSpec is built from a
	// non-positive limit or period.
	ErrInvalidArgument = errors.New("ratelimit: invalid argument")

	// ErrStoreUnavailable wraps any failure of the backing store to complete
	// a read or a conditional write. Callers choose fail-open or fail-closed.
	ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

	// ErrContention is returned when compare-and-swap kept losing against
	// concurrent writers for the same key and the attempt budget ran out.
	ErrContention = errors.New("ratelimit: too much contention on key")
)
