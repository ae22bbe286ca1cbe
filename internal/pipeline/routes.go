package pipeline

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
)

// Target is the header policy bound to a request's destination route. It is
// bound once per request and never modified afterwards.
type Target struct {
	RouteID  string
	Upstream *url.URL
	Mappings config.HeaderMappings
}

// Route is a compiled route with its effective header mapping.
type Route struct {
	ID         string
	PathPrefix string
	Upstream   *url.URL
	Mappings   config.HeaderMappings
}

// Matches reports whether path falls under the route prefix on a segment
// boundary.
func (r Route) Matches(path string) bool {
	if !strings.HasPrefix(path, r.PathPrefix) {
		return false
	}
	if len(path) == len(r.PathPrefix) || strings.HasSuffix(r.PathPrefix, "/") {
		return true
	}
	return path[len(r.PathPrefix)] == '/'
}

func (r Route) target() *Target {
	t := &Target{RouteID: r.ID, Mappings: r.Mappings.Copy()}
	if r.Upstream != nil {
		u := *r.Upstream
		t.Upstream = &u
	}
	return t
}

// CompileRoutes builds the routes of cfg, longest prefix first.
func CompileRoutes(cfg *config.Config) ([]Route, error) {
	routes := make([]Route, 0, len(cfg.Routes))
	for i := range cfg.Routes {
		rc := &cfg.Routes[i]
		route := Route{
			ID:         rc.ID,
			PathPrefix: rc.PathPrefix,
			Mappings:   cfg.EffectiveHeaders(rc),
		}
		if rc.Upstream != "" {
			u, err := url.Parse(rc.Upstream)
			if err != nil {
				return nil, fmt.Errorf("route %s: invalid upstream: %w", rc.ID, err)
			}
			route.Upstream = u
		}
		routes = append(routes, route)
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].PathPrefix) > len(routes[j].PathPrefix)
	})
	return routes, nil
}

// RouteTable holds the active routes. Readers see a consistent snapshot
// while Update swaps in a reloaded one.
type RouteTable struct {
	routes atomic.Pointer[[]Route]
}

// NewRouteTable compiles the routes of cfg.
func NewRouteTable(cfg *config.Config) (*RouteTable, error) {
	t := &RouteTable{}
	if err := t.Update(cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// Update replaces the routes with those of cfg. On error the current routes
// stay active.
func (t *RouteTable) Update(cfg *config.Config) error {
	routes, err := CompileRoutes(cfg)
	if err != nil {
		return err
	}
	t.routes.Store(&routes)
	return nil
}

// Routes returns the current snapshot.
func (t *RouteTable) Routes() []Route {
	p := t.routes.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Match returns the route with the longest prefix matching path.
func (t *RouteTable) Match(path string) (Route, bool) {
	for _, r := range t.Routes() {
		if r.Matches(path) {
			return r, true
		}
	}
	return Route{}, false
}
