package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/avapigw-identity/internal/middleware"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
	"github.com/vyrodovalexey/avapigw-identity/internal/pipeline"
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ReverseProxy sends requests to the upstream of their bound route.
type ReverseProxy struct {
	logger        observability.Logger
	transport     http.RoundTripper
	errorHandler  func(http.ResponseWriter, *http.Request, error)
	flushInterval time.Duration
	timeout       time.Duration
	tracer        *observability.Tracer
}

// ProxyOption is a functional option for configuring the proxy.
type ProxyOption func(*ReverseProxy)

// WithProxyLogger sets the logger for the proxy.
func WithProxyLogger(logger observability.Logger) ProxyOption {
	return func(p *ReverseProxy) {
		p.logger = logger
	}
}

// WithTransport sets the transport for the proxy.
func WithTransport(transport http.RoundTripper) ProxyOption {
	return func(p *ReverseProxy) {
		p.transport = transport
	}
}

// WithErrorHandler sets the error handler for the proxy.
func WithErrorHandler(handler func(http.ResponseWriter, *http.Request, error)) ProxyOption {
	return func(p *ReverseProxy) {
		p.errorHandler = handler
	}
}

// WithFlushInterval sets the flush interval for streaming responses.
func WithFlushInterval(interval time.Duration) ProxyOption {
	return func(p *ReverseProxy) {
		p.flushInterval = interval
	}
}

// WithTimeout bounds each upstream exchange. Zero means no bound.
func WithTimeout(d time.Duration) ProxyOption {
	return func(p *ReverseProxy) {
		p.timeout = d
	}
}

// WithTracer propagates the request's trace context to the upstream.
func WithTracer(t *observability.Tracer) ProxyOption {
	return func(p *ReverseProxy) {
		p.tracer = t
	}
}

// NewReverseProxy creates a new reverse proxy.
func NewReverseProxy(opts ...ProxyOption) *ReverseProxy {
	p := &ReverseProxy{
		logger:        observability.NopLogger(),
		flushInterval: -1, // Immediate flush
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.errorHandler == nil {
		p.errorHandler = p.defaultErrorHandler
	}

	return p
}

// ServeHTTP implements http.Handler.
func (p *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var target *pipeline.Target
	if t := pipeline.TrackerFromContext(r.Context()); t != nil {
		target, _ = t.Target()
	}
	if target == nil {
		p.errorHandler(w, r, NewProxyError("select_target", "", "", ErrNoTarget))
		return
	}
	if target.Upstream == nil {
		p.errorHandler(w, r, NewProxyError("select_target", target.RouteID, "", ErrNoUpstream))
		return
	}

	upstream := target.Upstream
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			p.director(req, upstream, r)
		},
		Transport:     p.transport,
		FlushInterval: p.flushInterval,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			p.errorHandler(w, req, NewProxyError("forward", target.RouteID, upstream.String(), err))
		},
	}

	if p.timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	proxy.ServeHTTP(w, r)
}

// director modifies the request before forwarding.
func (p *ReverseProxy) director(req *http.Request, target *url.URL, originalReq *http.Request) {
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.URL.Path = joinPath(target.Path, originalReq.URL.Path)
	req.URL.RawPath = ""
	req.URL.RawQuery = originalReq.URL.RawQuery

	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	// httputil appends the peer to X-Forwarded-For after the director runs.
	if originalReq.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}

	req.Header.Set("X-Forwarded-Host", originalReq.Host)

	if p.tracer != nil {
		p.tracer.Inject(req.Context(), req.Header)
	}

	req.Host = target.Host
}

func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		return path
	case path == "" || path == "/":
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// defaultErrorHandler answers 502. A client that went away gets nothing.
func (p *ReverseProxy) defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		p.logger.WithContext(r.Context()).Debug("client canceled proxied request",
			observability.String("path", r.URL.Path),
		)
		return
	}

	p.logger.WithContext(r.Context()).Error("proxy error",
		observability.String("path", r.URL.Path),
		observability.String("method", r.Method),
		observability.Error(err),
	)
	middleware.WriteJSONError(w, http.StatusBadGateway, middleware.ErrBadGateway)
}
