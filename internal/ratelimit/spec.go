package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RateSpec is an allowed rate: Limit events per Period.
// The zero value is not usable; build one with NewRateSpec.
type RateSpec struct {
	limit  int
	period time.Duration
}

func NewRateSpec(limit int, period time.Duration) (RateSpec, error) {
	if limit <= 0 {
		return RateSpec{}, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidArgument, limit)
	}
	if period <= 0 {
		return RateSpec{}, fmt.Errorf("%w: period must be positive, got %s", ErrInvalidArgument, period)
	}
	return RateSpec{limit: limit, period: period}, nil
}

// MustRateSpec is like NewRateSpec but panics on invalid input.
func MustRateSpec(limit int, period time.Duration) RateSpec {
	s, err := NewRateSpec(limit, period)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseRateSpec parses "<limit>/<period>", e.g. "10/1m" or "100/1s".
// A bare unit such as "5/s" is read as one of that unit.
func ParseRateSpec(s string) (RateSpec, error) {
	count, per, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return RateSpec{}, fmt.Errorf("%w: rate %q is not <limit>/<period>", ErrInvalidArgument, s)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil {
		return RateSpec{}, fmt.Errorf("%w: rate %q: bad limit: %v", ErrInvalidArgument, s, err)
	}
	per = strings.TrimSpace(per)
	if per != "" && (per[0] < '0' || per[0] > '9') {
		per = "1" + per
	}
	period, err := time.ParseDuration(per)
	if err != nil {
		return RateSpec{}, fmt.Errorf("%w: rate %q: bad period: %v", ErrInvalidArgument, s, err)
	}
	return NewRateSpec(limit, period)
}

func (s RateSpec) Limit() int { return s.limit }
func (s RateSpec) Period() time.Duration { return s.period }
func (s RateSpec) IsZero() bool { return s.limit == 0 }
func (s RateSpec) String() string { return strconv.Itoa(s.limit) + "/" + s.period.String() }

// EmissionInterval is the spacing between admitted events, period/limit
// rounded up to the next nanosecond so the sustained rate never exceeds
// limit per period.
func (s RateSpec) EmissionInterval() time.Duration {
	if s.limit <= 0 {
		return 0
	}
	n := time.Duration(s.limit)
	e := s.period / n
	if s.period%n != 0 {
		e++
	}
	return e
}

// Tolerance is how far the TAT may run ahead of now and still admit:
// limit-1 emission intervals, so a fresh key takes exactly limit events at
// one instant. It equals period - EmissionInterval when limit divides period.
func (s RateSpec) Tolerance() time.Duration {
	return s.EmissionInterval() * time.Duration(s.limit-1)
}
