package obs

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/cellgate/internal/ratelimit"
)

// DecisionLogger logs every limiter decision at debug level and rejections
// at info. The request logger in ctx is preferred so lines carry req_id.
func DecisionLogger(logger zerolog.Logger) ratelimit.Sink {
	return ratelimit.SinkFunc(func(ctx context.Context, ev ratelimit.Event) {
		l := &logger
		if cl := zerolog.Ctx(ctx); cl != zerolog.DefaultContextLogger && cl.GetLevel() != zerolog.Disabled {
			l = cl
		}

		e := l.Debug()
		if !ev.Decision.Allowed {
			e = l.Info()
		}
		e.Str("key", ev.Key).
			Stringer("rate", ev.Spec).
			Time("now", ev.Now).
			Time("tat", ev.Decision.TAT).
			Dur("separation", ev.Decision.Separation).
			Dur("tolerance", ev.Decision.Tolerance).
			Bool("allowed", ev.Decision.Allowed).
			Int("attempts", ev.Attempts).
			Msg("rate decision")
	})
}
