// Package storetest checks that a ratelimit.Store honours the contract the
// Limiter relies on.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlexKimmel/cellgate/internal/ratelimit"
)

// Run exercises newStore's result against the Store contract. newStore must
// return an empty store; Run closes it.
func Run(t *testing.T, newStore func(t *testing.T) ratelimit.Store) {
	t.Helper()
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 123456789)

	t.Run("GetAbsent", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		tat, ok, err := s.Get(ctx, "missing")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if ok || !tat.IsZero() {
			t.Errorf("Get() = %v, %v; want zero, false", tat, ok)
		}
	})

	t.Run("InsertIfAbsent", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		swapped, err := s.CompareAndSwap(ctx, "k", time.Time{}, t0)
		if err != nil || !swapped {
			t.Fatalf("first insert = %v, %v; want true, nil", swapped, err)
		}
		swapped, err = s.CompareAndSwap(ctx, "k", time.Time{}, t0.Add(time.Second))
		if err != nil || swapped {
			t.Fatalf("second insert = %v, %v; want false, nil", swapped, err)
		}

		tat, ok, err := s.Get(ctx, "k")
		if err != nil || !ok {
			t.Fatalf("Get() = %v, %v, %v", tat, ok, err)
		}
		if !tat.Equal(t0) {
			t.Errorf("tat = %v, want %v", tat, t0)
		}
	})

	t.Run("SwapRequiresCurrentValue", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		if _, err := s.CompareAndSwap(ctx, "k", time.Time{}, t0); err != nil {
			t.Fatalf("insert: %v", err)
		}
		t1 := t0.Add(6 * time.Second)

		swapped, err := s.CompareAndSwap(ctx, "k", t0.Add(time.Nanosecond), t1)
		if err != nil || swapped {
			t.Fatalf("stale swap = %v, %v; want false, nil", swapped, err)
		}
		swapped, err = s.CompareAndSwap(ctx, "k", t0, t1)
		if err != nil || !swapped {
			t.Fatalf("swap = %v, %v; want true, nil", swapped, err)
		}

		tat, _, _ := s.Get(ctx, "k")
		if !tat.Equal(t1) {
			t.Errorf("tat = %v, want %v", tat, t1)
		}
	})

	t.Run("SwapOnAbsentKeyFails", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		swapped, err := s.CompareAndSwap(ctx, "k", t0, t0.Add(time.Second))
		if err != nil || swapped {
			t.Fatalf("swap = %v, %v; want false, nil", swapped, err)
		}
		if _, ok, _ := s.Get(ctx, "k"); ok {
			t.Error("failed swap created the key")
		}
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, _ = s.CompareAndSwap(ctx, "a", time.Time{}, t0)
		_, _ = s.CompareAndSwap(ctx, "b", time.Time{}, t0.Add(time.Minute))

		a, _, _ := s.Get(ctx, "a")
		b, _, _ := s.Get(ctx, "b")
		if !a.Equal(t0) || !b.Equal(t0.Add(time.Minute)) {
			t.Errorf("a = %v, b = %v", a, b)
		}
	})

	t.Run("ConcurrentSwapIsExclusive", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		if _, err := s.CompareAndSwap(ctx, "k", time.Time{}, t0); err != nil {
			t.Fatalf("insert: %v", err)
		}

		const workers = 16
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.CompareAndSwap(ctx, "k", t0, t0.Add(time.Duration(i+1)*time.Second))
				if err != nil {
					t.Errorf("worker %d: %v", i, err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()

		if got := wins.Load(); got != 1 {
			t.Errorf("%d swaps won from the same old value, want 1", got)
		}
	})
}
