// Package memory is an in-process ratelimit.Store.
//
// Each key owns a cell with its own mutex, so the read-modify-write of one
// key never waits on another key.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/cellgate/internal/ratelimit"
)

type cell struct {
	mu   sync.Mutex
	tat  time.Time
	set  bool
	dead bool // unlinked by Sweep; callers holding it must reload
}

type Store struct {
	now    func() time.Time
	cells  sync.Map // string -> *cell
	closed atomic.Bool

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

type Option func(*Store)

// WithClock replaces time.Now for the sweeper.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// lock returns the live cell for key, locked. Without create it returns
// nil when the key is absent.
func (s *Store) lock(key string, create bool) *cell {
	for {
		var v any
		if create {
			v, _ = s.cells.LoadOrStore(key, &cell{})
		} else {
			var ok bool
			if v, ok = s.cells.Load(key); !ok {
				return nil
			}
		}
		c := v.(*cell)
		c.mu.Lock()
		if !c.dead {
			return c
		}
		c.mu.Unlock()
	}
}

// unlock releases c and unlinks it if nothing was ever stored in it.
func (s *Store) unlock(key string, c *cell) {
	if !c.set {
		c.dead = true
		s.cells.CompareAndDelete(key, c)
	}
	c.mu.Unlock()
}

func (s *Store) Get(_ context.Context, key string) (time.Time, bool, error) {
	if s.closed.Load() {
		return time.Time{}, false, errClosed
	}
	v, ok := s.cells.Load(key)
	if !ok {
		return time.Time{}, false, nil
	}
	c := v.(*cell)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead || !c.set {
		return time.Time{}, false, nil
	}
	return c.tat, true, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, old, next time.Time) (bool, error) {
	if s.closed.Load() {
		return false, errClosed
	}
	c := s.lock(key, old.IsZero())
	if c == nil {
		return false, nil
	}
	defer s.unlock(key, c)

	if old.IsZero() {
		if c.set {
			return false, nil
		}
	} else if !c.set || !c.tat.Equal(old) {
		return false, nil
	}
	c.tat, c.set = next, true
	return true, nil
}

// Update runs fn while holding the key's lock.
func (s *Store) Update(_ context.Context, key string, fn ratelimit.UpdateFunc) error {
	if s.closed.Load() {
		return errClosed
	}
	c := s.lock(key, true)
	defer s.unlock(key, c)

	next, write := fn(c.tat, c.set)
	if write {
		c.tat, c.set = next, true
	}
	return nil
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	n := 0
	s.cells.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep drops keys whose TAT is older than now-idle. A TAT in the past
// decides exactly like an absent key, so this never changes an outcome.
func (s *Store) Sweep(now time.Time, idle time.Duration) int {
	cutoff := now.Add(-idle)
	removed := 0
	s.cells.Range(func(k, v any) bool {
		c := v.(*cell)
		c.mu.Lock()
		if !c.set || c.tat.Before(cutoff) {
			c.dead = true
			s.cells.CompareAndDelete(k, c)
			removed++
		}
		c.mu.Unlock()
		return true
	})
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done or Close is called.
func (s *Store) StartSweeper(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-t.C:
				s.Sweep(s.now(), idle)
			}
		}
	}()
}

// Close stops the sweeper and waits for it. Safe to call more than once.
func (s *Store) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.stop)
	})
	s.wg.Wait()
	return nil
}

var errClosed = fmt.Errorf("%w: memory store closed", ratelimit.ErrStoreUnavailable)

var (
	_ ratelimit.Store   = (*Store)(nil)
	_ ratelimit.Updater = (*Store)(nil)
)
