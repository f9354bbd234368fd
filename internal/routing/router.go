package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlexKimmel/ShardLimit/internal/config"
)

// Route binds requests under Prefix to the named limit Limit. The limit key
// is read from KeyHeader; Count units are consumed per request. Admitted
// requests are forwarded to UpURL when it is set.
type Route struct {
	ID        string
	Methods   map[string]struct{}
	Prefix    string
	Limit     string
	KeyHeader string
	Count     float64
	UpURL     *url.URL
	Timeout   time.Duration
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

// FromConfig builds a Router from the configured routes, in order.
func FromConfig(routes []config.Routes) (*Router, error) {
	r := New()
	for _, rc := range routes {
		var up *url.URL
		if rc.Upstream.URL != "" {
			u, err := url.Parse(rc.Upstream.URL)
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", rc.ID, err)
			}
			up = u
		}
		methods := make(map[string]struct{}, len(rc.Match.Methods))
		for _, m := range rc.Match.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		r.Add(&Route{
			ID:        rc.ID,
			Methods:   methods,
			Prefix:    rc.Match.PathPrefix,
			Limit:     rc.Limit,
			KeyHeader: rc.KeyHeader,
			Count:     rc.Count,
			UpURL:     up,
			Timeout:   rc.Timeout(),
		})
	}
	return r, nil
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route whose method set contains method (an empty
// set matches any method) and whose prefix covers path.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			return rt, true
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
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
