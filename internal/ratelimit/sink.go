package ratelimit

import (
	"context"
	"time"
)

// Event describes one decision taken by the Limiter.
type Event struct {
	Key      string
	Spec     RateSpec
	Now      time.Time
	Decision Decision
	Attempts int // store round trips, >1 only after lost compare-and-swap races
}

// Sink receives decision events. It must not block for long: it runs on the
// caller's goroutine after the store write completed.
type Sink interface {
	Observe(ctx context.Context, ev Event)
}

type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// MultiSink fans an event out to every non-nil sink in order.
type MultiSink []Sink

func (m MultiSink) Observe(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Observe(ctx, ev)
		}
	}
}
