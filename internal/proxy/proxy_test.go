package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/middleware"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
	"github.com/vyrodovalexey/avapigw-identity/internal/pipeline"
)

func newPipeline(t *testing.T, routes []config.RouteConfig, p *ReverseProxy) http.Handler {
	t.Helper()

	table, err := pipeline.NewRouteTable(&config.Config{Routes: routes})
	require.NoError(t, err)
	c, err := pipeline.NewCoordinator([]pipeline.Filter{pipeline.NewBindTargetFilter(table)})
	require.NoError(t, err)
	return c.Handler(p)
}

func TestNewReverseProxy_WithOptions(t *testing.T) {
	t.Parallel()

	logger := observability.NopLogger()
	transport := &http.Transport{}
	p := NewReverseProxy(
		WithProxyLogger(logger),
		WithTransport(transport),
		WithFlushInterval(100*time.Millisecond),
		WithTimeout(time.Second),
	)

	assert.Equal(t, logger, p.logger)
	assert.Equal(t, transport, p.transport)
	assert.Equal(t, 100*time.Millisecond, p.flushInterval)
	assert.Equal(t, time.Second, p.timeout)
	assert.NotNil(t, p.errorHandler)
}

func TestReverseProxy_ForwardsToBoundUpstream(t *testing.T) {
	t.Parallel()

	var got *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "hello")
	}))
	defer backend.Close()

	h := newPipeline(t, []config.RouteConfig{
		{ID: "api", PathPrefix: "/api", Upstream: backend.URL + "/base"},
	}, NewReverseProxy())

	req := httptest.NewRequest(http.MethodGet, "/api/items?x=1", nil)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Backend"))

	require.NotNil(t, got)
	assert.Equal(t, "/base/api/items", got.URL.Path)
	assert.Equal(t, "x=1", got.URL.RawQuery)
	assert.Equal(t, "198.51.100.1, 192.0.2.1", got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", got.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "example.com", got.Header.Get("X-Forwarded-Host"))
}

func TestReverseProxy_PropagatesTrace(t *testing.T) {
	t.Parallel()

	tracer, err := observability.NewTracer(observability.TracerConfig{ServiceName: "identity-test"})
	require.NoError(t, err)

	var traceparent string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("Traceparent")
	}))
	defer backend.Close()

	h := middleware.Tracing(tracer)(newPipeline(t, []config.RouteConfig{
		{ID: "api", PathPrefix: "/api", Upstream: backend.URL},
	}, NewReverseProxy(WithTracer(tracer))))

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("Traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, traceparent, "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestReverseProxy_Errors(t *testing.T) {
	t.Parallel()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name   string
		routes []config.RouteConfig
		direct bool
	}{
		{name: "no upstream", routes: []config.RouteConfig{{ID: "api", PathPrefix: "/api"}}},
		{name: "upstream down", routes: []config.RouteConfig{{ID: "api", PathPrefix: "/api", Upstream: closedURL}}},
		{name: "outside pipeline", direct: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var h http.Handler = NewReverseProxy()
			if !tt.direct {
				h = newPipeline(t, tt.routes, NewReverseProxy())
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))

			assert.Equal(t, http.StatusBadGateway, rec.Code)
			assert.JSONEq(t, middleware.ErrBadGateway, rec.Body.String())
		})
	}
}

func TestReverseProxy_CustomErrorHandler(t *testing.T) {
	t.Parallel()

	var captured error
	p := NewReverseProxy(WithErrorHandler(func(w http.ResponseWriter, _ *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusTeapot)
	}))
	h := newPipeline(t, []config.RouteConfig{{ID: "api", PathPrefix: "/api"}}, p)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.True(t, errors.Is(captured, ErrNoUpstream))
	assert.True(t, IsProxyError(captured))
	assert.Contains(t, captured.Error(), "route=api")
}

func TestJoinPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base, path, want string
	}{
		{"", "/a", "/a"},
		{"/", "/a", "/a"},
		{"/base", "/", "/base"},
		{"/base/", "/a/b", "/base/a/b"},
		{"/base", "/a", "/base/a"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, joinPath(tt.base, tt.path))
	}
}
