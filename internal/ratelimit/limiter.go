package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxAttempts is the lower bound of the compare-and-swap retry budget
// when WithMaxAttempts is not given. The budget also grows to limit+1: every
// lost swap means another caller was admitted, so a burst on one key cannot
// exhaust it.
const DefaultMaxAttempts = 16

type Decision struct {
	Allowed    bool
	Limit      int           // events per period of the applied rate
	Remaining  int           // further events admissible at the same instant
	RetryAfter time.Duration // zero when allowed
	ResetAt    time.Time     // when the key is back to full capacity

	TAT        time.Time     // stored TAT after the call
	Separation time.Duration // max(tat, now) - now before the call
	Tolerance  time.Duration // period - emission interval
}

// Limiter applies the generic cell rate algorithm against a keyed Store.
// It keeps no state of its own and never reads the clock: every decision
// is a function of the stored TAT and the instant passed by the caller.
type Limiter struct {
	store       Store
	sink        Sink
	maxAttempts int
}

type Option func(*Limiter)

// WithSink installs an observer for every decision.
func WithSink(s Sink) Option {
	return func(l *Limiter) { l.sink = s }
}

// WithMaxAttempts fixes how many read-compute-swap rounds Allow runs before
// giving up with ErrContention. Values below 1 keep the default budget.
func WithMaxAttempts(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{store: store}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) Store() Store { return l.store }

func (l *Limiter) attemptBudget(spec RateSpec) int {
	if l.maxAttempts > 0 {
		return l.maxAttempts
	}
	return max(DefaultMaxAttempts, spec.Limit()+1)
}

// Admit reports whether the event for key at now must be rejected.
func (l *Limiter) Admit(ctx context.Context, key string, spec RateSpec, now time.Time) (rejected bool, err error) {
	d, err := l.Allow(ctx, key, spec, now)
	if err != nil {
		return false, err
	}
	return !d.Allowed, nil
}

// Allow runs one GCRA decision for key at now and, if admitted, stores the
// advanced TAT. A rejection never writes.
func (l *Limiter) Allow(ctx context.Context, key string, spec RateSpec, now time.Time) (Decision, error) {
	if spec.IsZero() {
		return Decision{}, fmt.Errorf("%w: zero RateSpec", ErrInvalidArgument)
	}

	var (
		d        Decision
		attempts int
		err      error
	)
	if u, ok := l.store.(Updater); ok {
		attempts = 1
		err = u.Update(ctx, key, func(tat time.Time, found bool) (time.Time, bool) {
			if !found {
				tat = now
			}
			d = decide(spec, tat, now)
			return d.TAT, d.Allowed
		})
	} else {
		d, attempts, err = l.swapLoop(ctx, key, spec, now)
	}
	if err != nil {
		return Decision{}, err
	}

	if l.sink != nil {
		l.sink.Observe(ctx, Event{Key: key, Spec: spec, Now: now, Decision: d, Attempts: attempts})
	}
	return d, nil
}

func (l *Limiter) swapLoop(ctx context.Context, key string, spec RateSpec, now time.Time) (Decision, int, error) {
	budget := l.attemptBudget(spec)
	for attempt := 1; attempt <= budget; attempt++ {
		stored, found, err := l.store.Get(ctx, key)
		if err != nil {
			return Decision{}, attempt, err
		}

		// an absent key starts at the caller's instant, never at a second clock read
		tat0, old := now, time.Time{}
		if found {
			tat0, old = stored, stored
		}

		d := decide(spec, tat0, now)
		if !d.Allowed {
			return d, attempt, nil
		}

		swapped, err := l.store.CompareAndSwap(ctx, key, old, d.TAT)
		if err != nil {
			return Decision{}, attempt, err
		}
		if swapped {
			return d, attempt, nil
		}
	}
	return Decision{}, budget, fmt.Errorf("%w: %q after %d attempts", ErrContention, key, budget)
}

// decide is the pure GCRA step. tat0 is the stored TAT, or now for a new key.
func decide(spec RateSpec, tat0, now time.Time) Decision {
	tat := tat0
	if now.After(tat) {
		tat = now
	}
	emission := spec.EmissionInterval()
	tolerance := spec.Tolerance()
	separation := tat.Sub(now)

	d := Decision{
		Limit:      spec.Limit(),
		Separation: separation,
		Tolerance:  tolerance,
	}
	if separation > tolerance {
		d.TAT = tat0
		d.ResetAt = tat
		d.RetryAfter = separation - tolerance
		return d
	}

	next := tat.Add(emission)
	d.Allowed = true
	d.TAT = next
	d.ResetAt = next
	if ahead := next.Sub(now); ahead <= tolerance {
		d.Remaining = int((tolerance-ahead)/emission) + 1
	}
	return d
}
