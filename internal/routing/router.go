package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/AlexKimmel/cellgate/internal/config"
)

type Route struct {
	ID        string
	Methods   map[string]struct{} // empty matches any method
	Prefix    string
	Upstream  *url.URL
	Timeout   time.Duration
	Class     string            // rate class; empty means config.DefaultClass
	Overrides map[string]string // key id -> rate class
}

// ClassFor returns the rate class that applies to keyID on this route.
func (rt *Route) ClassFor(keyID string) string {
	if c, ok := rt.Overrides[keyID]; ok && keyID != "" {
		return c
	}
	if rt.Class != "" {
		return rt.Class
	}
	return config.DefaultClass
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

// FromConfig builds a router from the configured routes.
func FromConfig(routes []config.Route) (*Router, error) {
	r := New()
	for _, c := range routes {
		up, err := url.Parse(c.Upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("route %s: upstream url: %w", c.ID, err)
		}
		rt := &Route{
			ID:        c.ID,
			Methods:   map[string]struct{}{},
			Prefix:    c.Match.PathPrefix,
			Upstream:  up,
			Timeout:   c.Timeout(),
			Class:     c.Class,
			Overrides: c.Overrides,
		}
		for _, m := range c.Match.Methods {
			rt.Methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}
		r.Add(rt)
	}
	return r, nil
}

// Add registers rt. Longer prefixes are tried first.
func (r *Router) Add(rt *Route) {
	rt.Prefix = normalizePrefix(rt.Prefix)
	r.routes = append(r.routes, rt)
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].Prefix) > len(r.routes[j].Prefix)
	})
}

func (r *Router) Routes() []*Route {
	return r.routes
}

func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		if rt.Prefix == "/" || path == rt.Prefix || strings.HasPrefix(path, rt.Prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

func normalizePrefix(p string) string {
	p = strings.TrimSuffix(strings.TrimSpace(p), "/")
	if p == "" {
		return "/"
	}
	return p
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
