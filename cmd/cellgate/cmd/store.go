package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/cellgate/internal/config"
	"github.com/AlexKimmel/cellgate/internal/ratelimit"
	"github.com/AlexKimmel/cellgate/internal/ratelimit/memory"
	"github.com/AlexKimmel/cellgate/internal/ratelimit/sqlite"
)

// backend is a limiter store plus the housekeeping its kind needs.
type backend struct {
	store ratelimit.Store
	count func(ctx context.Context) (int, error)
	// startSweeper removes idle keys in the background until ctx is done.
	startSweeper func(ctx context.Context, interval, idle time.Duration, logger zerolog.Logger)

	wg sync.WaitGroup // sweepers run by this package
}

// close waits for the sweepers to return, then closes the store. Cancel
// the sweepers' context first.
func (b *backend) close() error {
	b.wg.Wait()
	return b.store.Close()
}

func openBackend(sc config.Store) (*backend, error) {
	switch sc.Backend {
	case "sqlite":
		s, err := sqlite.Open(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", sc.Path, err)
		}
		b := &backend{store: s, count: s.Len}
		b.startSweeper = func(ctx context.Context, interval, idle time.Duration, logger zerolog.Logger) {
			if interval <= 0 {
				return
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				t := time.NewTicker(interval)
				defer t.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case now := <-t.C:
						n, err := s.Sweep(ctx, now.Add(-idle))
						if err != nil {
							if ctx.Err() != nil {
								return
							}
							logger.Warn().Err(err).Msg("sweep failed")
							continue
						}
						logger.Debug().Int64("removed", n).Msg("swept idle keys")
					}
				}
			}()
		}
		return b, nil

	case "memory", "":
		s := memory.New()
		return &backend{
			store: s,
			count: func(context.Context) (int, error) { return s.Len(), nil },
			startSweeper: func(ctx context.Context, interval, idle time.Duration, _ zerolog.Logger) {
				s.StartSweeper(ctx, interval, idle)
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
}
