package ratelimit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlexKimmel/cellgate/internal/ratelimit"
	"github.com/AlexKimmel/cellgate/internal/ratelimit/memory"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// casOnly hides memory.Store's Update so the limiter falls back to its
// compare-and-swap loop.
type casOnly struct{ ratelimit.Store }

// storeKinds runs a test against both atomicity strategies.
var storeKinds = []struct {
	name string
	new  func() ratelimit.Store
}{
	{"locked", func() ratelimit.Store { return memory.New() }},
	{"cas", func() ratelimit.Store { return casOnly{memory.New()} }},
}

func mustAdmit(t *testing.T, l *ratelimit.Limiter, key string, spec ratelimit.RateSpec, now time.Time, want bool) {
	t.Helper()
	rejected, err := l.Admit(context.Background(), key, spec, now)
	if err != nil {
		t.Fatalf("Admit(%s, %s) error: %v", key, now.Format(time.RFC3339Nano), err)
	}
	if rejected == want {
		t.Fatalf("Admit(%s, %s) rejected = %v, want %v", key, now.Format(time.RFC3339Nano), rejected, !want)
	}
}

func TestLimiter_BurstAtOneInstant(t *testing.T) {
	t.Parallel()

	specs := []ratelimit.RateSpec{
		ratelimit.MustRateSpec(1, time.Second),
		ratelimit.MustRateSpec(3, time.Second),
		ratelimit.MustRateSpec(7, time.Minute),
		ratelimit.MustRateSpec(10, time.Minute),
		ratelimit.MustRateSpec(1000, time.Hour),
		// period not a multiple of limit
		ratelimit.MustRateSpec(3, 5*time.Nanosecond),
		ratelimit.MustRateSpec(7, 20*time.Nanosecond),
		ratelimit.MustRateSpec(70000, 4*time.Second),
		ratelimit.MustRateSpec(999999, time.Second),
	}
	for _, kind := range storeKinds {
		for _, spec := range specs {
			t.Run(kind.name+"/"+spec.String(), func(t *testing.T) {
				l := ratelimit.New(kind.new())
				for i := 0; i < spec.Limit(); i++ {
					mustAdmit(t, l, "burst", spec, t0, true)
				}
				mustAdmit(t, l, "burst", spec, t0, false)
			})
		}
	}
}

func TestLimiter_RejectionDoesNotWrite(t *testing.T) {
	t.Parallel()

	for _, kind := range storeKinds {
		t.Run(kind.name, func(t *testing.T) {
			ctx := context.Background()
			store := kind.new()
			l := ratelimit.New(store)
			spec := ratelimit.MustRateSpec(2, 10*time.Second)

			mustAdmit(t, l, "k", spec, t0, true)
			mustAdmit(t, l, "k", spec, t0, true)
			before, _, err := store.Get(ctx, "k")
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}

			for i := 0; i < 5; i++ {
				d, err := l.Allow(ctx, "k", spec, t0)
				if err != nil {
					t.Fatalf("Allow() error: %v", err)
				}
				if d.Allowed {
					t.Fatalf("attempt %d allowed after exhaustion", i)
				}
			}

			after, _, _ := store.Get(ctx, "k")
			if !after.Equal(before) {
				t.Errorf("TAT moved from %v to %v on rejection", before, after)
			}
		})
	}
}

func TestLimiter_OnePerSixSeconds(t *testing.T) {
	t.Parallel()

	spec := ratelimit.MustRateSpec(1, 6*time.Second)
	eps := 3 * time.Microsecond

	for _, kind := range storeKinds {
		t.Run(kind.name, func(t *testing.T) {
			l := ratelimit.New(kind.new())
			mustAdmit(t, l, "127.0.0.1", spec, t0, true)
			mustAdmit(t, l, "127.0.0.1", spec, t0.Add(eps), false)
			mustAdmit(t, l, "127.0.0.1", spec, t0.Add(6*time.Second+eps), true)
		})
	}
}

func TestLimiter_UnevenPeriodKeepsSpacing(t *testing.T) {
	t.Parallel()

	// 1s/3 rounds up to 333333334ns
	spec := ratelimit.MustRateSpec(3, time.Second)
	step := 333333334 * time.Nanosecond

	for _, kind := range storeKinds {
		t.Run(kind.name, func(t *testing.T) {
			l := ratelimit.New(kind.new())
			for i := 0; i < 3; i++ {
				mustAdmit(t, l, "k", spec, t0, true)
			}
			mustAdmit(t, l, "k", spec, t0.Add(step-time.Nanosecond), false)
			mustAdmit(t, l, "k", spec, t0.Add(step), true)
			mustAdmit(t, l, "k", spec, t0.Add(2*step-time.Nanosecond), false)
			mustAdmit(t, l, "k", spec, t0.Add(2*step), true)
		})
	}
}

func TestLimiter_TwoBursts(t *testing.T) {
	t.Parallel()

	spec := ratelimit.MustRateSpec(10, 60*time.Second)

	for _, kind := range storeKinds {
		t.Run(kind.name, func(t *testing.T) {
			l := ratelimit.New(kind.new())
			for i := 0; i < 5; i++ {
				mustAdmit(t, l, "127.0.0.1", spec, t0, true)
			}

			later := t0.Add(58 * time.Second)
			for i := 0; i < 10; i++ {
				mustAdmit(t, l, "127.0.0.1", spec, later, true)
			}
			mustAdmit(t, l, "127.0.0.1", spec, later, false)
		})
	}
}

func TestLimiter_DecisionDependsOnlyOnTATAndNow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	spec := ratelimit.MustRateSpec(10, time.Minute)
	stored := t0.Add(40 * time.Second)

	instants := []time.Duration{0, 5 * time.Second, 13 * time.Second, 14 * time.Second, time.Minute}
	for _, off := range instants {
		now := t0.Add(off)

		var got []ratelimit.Decision
		for i := 0; i < 2; i++ {
			store := memory.New()
			if _, err := store.CompareAndSwap(ctx, "k", time.Time{}, stored); err != nil {
				t.Fatalf("seed: %v", err)
			}
			d, err := ratelimit.New(store).Allow(ctx, "k", spec, now)
			if err != nil {
				t.Fatalf("Allow() error: %v", err)
			}
			got = append(got, d)
		}
		if got[0] != got[1] {
			t.Errorf("now=+%s: decisions differ: %+v vs %+v", off, got[0], got[1])
		}
	}
}

func TestLimiter_DecisionFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	spec := ratelimit.MustRateSpec(10, time.Minute)
	l := ratelimit.New(memory.New())

	d, err := l.Allow(ctx, "k", spec, t0)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !d.Allowed || d.Remaining != 9 || d.Limit != 10 {
		t.Errorf("first decision = %+v; want allowed, remaining 9, limit 10", d)
	}
	if !d.TAT.Equal(t0.Add(6*time.Second)) || !d.ResetAt.Equal(d.TAT) {
		t.Errorf("TAT = %v, ResetAt = %v; want %v", d.TAT, d.ResetAt, t0.Add(6*time.Second))
	}
	if d.Tolerance != 54*time.Second || d.Separation != 0 {
		t.Errorf("Tolerance = %v, Separation = %v", d.Tolerance, d.Separation)
	}

	for i := 0; i < 9; i++ {
		if d, err = l.Allow(ctx, "k", spec, t0); err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
	}
	if !d.Allowed || d.Remaining != 0 {
		t.Errorf("tenth decision = %+v; want allowed, remaining 0", d)
	}

	d, err = l.Allow(ctx, "k", spec, t0)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if d.Allowed || d.RetryAfter != 6*time.Second || d.Separation != time.Minute {
		t.Errorf("rejected decision = %+v; want retry after 6s, separation 1m", d)
	}
	if !d.ResetAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, t0.Add(time.Minute))
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	spec := ratelimit.MustRateSpec(1, time.Hour)
	l := ratelimit.New(memory.New())

	for i := 0; i < 50; i++ {
		mustAdmit(t, l, fmt.Sprintf("key-%d", i), spec, t0, true)
	}
	mustAdmit(t, l, "key-0", spec, t0, false)
}

func TestLimiter_ConcurrentSameKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		callers, limit int
	}{
		{callers: 100, limit: 10},
		{callers: 5, limit: 10},
		{callers: 64, limit: 1},
		{callers: 200, limit: 40},
		{callers: 300, limit: 300},
	}
	for _, kind := range storeKinds {
		for _, tc := range tests {
			t.Run(fmt.Sprintf("%s/%d-callers-limit-%d", kind.name, tc.callers, tc.limit), func(t *testing.T) {
				ctx := context.Background()
				l := ratelimit.New(kind.new())
				spec := ratelimit.MustRateSpec(tc.limit, time.Minute)

				var (
					wg       sync.WaitGroup
					admitted atomic.Int32
					start    = make(chan struct{})
				)
				for i := 0; i < tc.callers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						rejected, err := l.Admit(ctx, "shared", spec, t0)
						if err != nil {
							t.Errorf("Admit() error: %v", err)
							return
						}
						if !rejected {
							admitted.Add(1)
						}
					}()
				}
				close(start)
				wg.Wait()

				want := min(tc.callers, tc.limit)
				if got := int(admitted.Load()); got != want {
					t.Errorf("admitted %d, want %d", got, want)
				}
			})
		}
	}
}

func TestLimiter_ZeroSpec(t *testing.T) {
	t.Parallel()

	_, err := ratelimit.New(memory.New()).Allow(context.Background(), "k", ratelimit.RateSpec{}, t0)
	if !errors.Is(err, ratelimit.ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
}

// flakyStore fails or loses races on demand.
type flakyStore struct {
	ratelimit.Store
	getErr  error
	casErr  error
	loseCAS int // number of swaps to report as lost before delegating
	gets    atomic.Int32
}

func (f *flakyStore) Get(ctx context.Context, key string) (time.Time, bool, error) {
	f.gets.Add(1)
	if f.getErr != nil {
		return time.Time{}, false, f.getErr
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) CompareAndSwap(ctx context.Context, key string, old, next time.Time) (bool, error) {
	if f.casErr != nil {
		return false, f.casErr
	}
	if f.loseCAS != 0 {
		if f.loseCAS > 0 {
			f.loseCAS--
		}
		return false, nil
	}
	return f.Store.CompareAndSwap(ctx, key, old, next)
}

func TestLimiter_StoreUnavailableIsPropagated(t *testing.T) {
	t.Parallel()

	backendErr := fmt.Errorf("%w: connection refused", ratelimit.ErrStoreUnavailable)
	spec := ratelimit.MustRateSpec(5, time.Second)

	tests := []struct {
		name  string
		store *flakyStore
	}{
		{"get", &flakyStore{Store: memory.New(), getErr: backendErr}},
		{"swap", &flakyStore{Store: memory.New(), casErr: backendErr}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rejected, err := ratelimit.New(tc.store).Admit(context.Background(), "k", spec, t0)
			if !errors.Is(err, ratelimit.ErrStoreUnavailable) {
				t.Fatalf("error = %v, want ErrStoreUnavailable", err)
			}
			if rejected {
				t.Error("rejected = true alongside an error")
			}
		})
	}
}

func TestLimiter_RetriesLostSwap(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: memory.New(), loseCAS: 2}
	var events []ratelimit.Event
	l := ratelimit.New(store, ratelimit.WithSink(ratelimit.SinkFunc(func(_ context.Context, ev ratelimit.Event) {
		events = append(events, ev)
	})))

	mustAdmit(t, l, "k", ratelimit.MustRateSpec(5, time.Second), t0, true)

	if got := store.gets.Load(); got != 3 {
		t.Errorf("store read %d times, want 3", got)
	}
	if len(events) != 1 || events[0].Attempts != 3 {
		t.Fatalf("events = %+v, want one event with 3 attempts", events)
	}
}

func TestLimiter_ContentionBudget(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: memory.New(), loseCAS: -1}
	l := ratelimit.New(store, ratelimit.WithMaxAttempts(4))

	_, err := l.Allow(context.Background(), "k", ratelimit.MustRateSpec(5, time.Second), t0)
	if !errors.Is(err, ratelimit.ErrContention) {
		t.Fatalf("error = %v, want ErrContention", err)
	}
	if got := store.gets.Load(); got != 4 {
		t.Errorf("store read %d times, want 4", got)
	}
}

func TestLimiter_DefaultBudgetCoversLimit(t *testing.T) {
	t.Parallel()

	// 24 lost swaps is past DefaultMaxAttempts but below limit+1
	store := &flakyStore{Store: memory.New(), loseCAS: 24}
	l := ratelimit.New(store)

	d, err := l.Allow(context.Background(), "k", ratelimit.MustRateSpec(30, time.Second), t0)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("fresh key rejected")
	}
	if got := store.gets.Load(); got != 25 {
		t.Errorf("store read %d times, want 25", got)
	}

	store = &flakyStore{Store: memory.New(), loseCAS: -1}
	_, err = ratelimit.New(store).Allow(context.Background(), "k", ratelimit.MustRateSpec(30, time.Second), t0)
	if !errors.Is(err, ratelimit.ErrContention) {
		t.Fatalf("error = %v, want ErrContention", err)
	}
	if got := store.gets.Load(); got != 31 {
		t.Errorf("store read %d times, want 31", got)
	}
}

func TestLimiter_SinkSeesEveryDecision(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []ratelimit.Event
	)
	record := ratelimit.SinkFunc(func(_ context.Context, ev ratelimit.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	l := ratelimit.New(memory.New(), ratelimit.WithSink(ratelimit.MultiSink{record, nil}))
	spec := ratelimit.MustRateSpec(1, 6*time.Second)

	mustAdmit(t, l, "k", spec, t0, true)
	mustAdmit(t, l, "k", spec, t0.Add(time.Second), false)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if !events[0].Decision.Allowed || events[1].Decision.Allowed {
		t.Errorf("decisions = %v, %v", events[0].Decision.Allowed, events[1].Decision.Allowed)
	}
	if events[1].Decision.Separation != 5*time.Second || events[1].Decision.Tolerance != 0 {
		t.Errorf("separation = %v, tolerance = %v", events[1].Decision.Separation, events[1].Decision.Tolerance)
	}
	if events[1].Key != "k" || !events[1].Now.Equal(t0.Add(time.Second)) || events[1].Spec != spec {
		t.Errorf("event = %+v", events[1])
	}
}
