package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/cellgate/internal/auth"
	"github.com/AlexKimmel/cellgate/internal/config"
	"github.com/AlexKimmel/cellgate/internal/ratelimit"
	"github.com/AlexKimmel/cellgate/internal/routing"
)

// Limiter is what the middleware needs from *ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, key string, spec ratelimit.RateSpec, now time.Time) (ratelimit.Decision, error)
}

// KeyFunc names the subject a request is counted against.
type KeyFunc func(r *http.Request) string

// ByClientIP counts requests per originating address.
func ByClientIP(ips *ClientIP) KeyFunc {
	return func(r *http.Request) string { return "ip:" + ips.From(r) }
}

// ByAPIKey counts authenticated requests per key id and falls back to
// fallback for anonymous ones.
func ByAPIKey(fallback KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		if id, ok := auth.KeyIDFrom(r.Context()); ok && id != "" {
			return "key:" + id
		}
		return fallback(r)
	}
}

type RateLimitOptions struct {
	Classes  map[string]ratelimit.RateSpec // must hold config.DefaultClass
	KeyFunc  KeyFunc
	FailOpen bool // admit when the store cannot answer
	Skip     map[string]struct{}
	Now      func() time.Time

	OnLimited func(routeID, class string)
	OnError   func(routeID string, err error)
}

func RateLimit(lim Limiter, opts RateLimitOptions) Middleware {
	if opts.KeyFunc == nil {
		opts.KeyFunc = ByAPIKey(ByClientIP(nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := opts.Skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			keyID, _ := auth.KeyIDFrom(r.Context())
			rt, _ := routing.RouteFrom(r)

			routeID, class := "unknown", config.DefaultClass
			if rt != nil {
				routeID = rt.ID
				class = rt.ClassFor(keyID)
			}
			spec, ok := opts.Classes[class]
			if !ok {
				class = config.DefaultClass
				spec = opts.Classes[class]
			}

			// limiter key = class:route:subject (per-route per-subject)
			key := ratelimit.FormatKey(class, routeID+":"+opts.KeyFunc(r))

			dec, err := lim.Allow(r.Context(), key, spec, opts.Now())
			if err != nil {
				if opts.OnError != nil {
					opts.OnError(routeID, err)
				}
				hlog.FromRequest(r).Error().Err(err).Str("route", routeID).Str("class", class).Msg("rate limiter error")
				if opts.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusServiceUnavailable, "rate_limiter_unavailable", "rate limiter unavailable")
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(ceilUnix(dec.ResetAt), 10))

			if !dec.Allowed {
				if opts.OnLimited != nil {
					opts.OnLimited(routeID, class)
				}
				h.Set("Retry-After", strconv.FormatInt(ceilSeconds(dec.RetryAfter), 10))
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func ceilSeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

func ceilUnix(t time.Time) int64 {
	if t.Nanosecond() > 0 {
		return t.Unix() + 1
	}
	return t.Unix()
}

// local tiny JSON helper to avoid coupling to auth package
func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
