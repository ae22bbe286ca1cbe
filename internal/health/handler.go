package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// Default timeout values for health checks.
const (
	// DefaultReadinessCheckTimeout is the default timeout for readiness checks.
	DefaultReadinessCheckTimeout = 5 * time.Second

	// DefaultLivenessCheckTimeout is the default timeout for the detailed
	// health check.
	DefaultLivenessCheckTimeout = 10 * time.Second
)

// Check statuses. A failing optional check degrades the gateway without
// taking it out of rotation.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
	StatusDraining = "draining"
)

// HandlerConfig holds the check timeouts.
type HandlerConfig struct {
	ReadinessCheckTimeout time.Duration
	LivenessCheckTimeout  time.Duration
}

// DefaultHandlerConfig returns a HandlerConfig with default values.
func DefaultHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		ReadinessCheckTimeout: DefaultReadinessCheckTimeout,
		LivenessCheckTimeout:  DefaultLivenessCheckTimeout,
	}
}

// HealthCheck checks one dependency such as the directory or the JWKS
// endpoint.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthCheck.
type HealthCheckFunc struct {
	name  string
	check func(ctx context.Context) error
}

// NewHealthCheckFunc creates a named check from fn.
func NewHealthCheckFunc(name string, fn func(ctx context.Context) error) *HealthCheckFunc {
	return &HealthCheckFunc{name: name, check: fn}
}

// Name implements HealthCheck.
func (f *HealthCheckFunc) Name() string { return f.name }

// Check implements HealthCheck.
func (f *HealthCheckFunc) Check(ctx context.Context) error { return f.check(ctx) }

type registeredCheck struct {
	HealthCheck
	optional bool
}

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Version   string                  `json:"version,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status    string    `json:"status"`
	Optional  bool      `json:"optional,omitempty"`
	Error     string    `json:"error,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler handles health check requests.
type Handler struct {
	mu        sync.RWMutex
	checks    []registeredCheck
	config    *HandlerConfig
	logger    observability.Logger
	version   string
	startTime time.Time
	draining  atomic.Bool
}

// Option is a functional option for configuring the Handler.
type Option func(*Handler)

// WithConfig overrides the check timeouts.
func WithConfig(cfg *HandlerConfig) Option {
	return func(h *Handler) {
		if cfg != nil {
			h.config = cfg
		}
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) Option {
	return func(h *Handler) {
		h.version = version
	}
}

// NewHandler creates a new health handler.
func NewHandler(logger observability.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	h := &Handler{
		config:    DefaultHandlerConfig(),
		logger:    logger.With(observability.String("component", "health")),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddCheck registers a check that must pass for the gateway to be ready.
func (h *Handler) AddCheck(check HealthCheck) {
	h.add(registeredCheck{HealthCheck: check})
}

// AddOptionalCheck registers a check whose failure only degrades the
// gateway, for dependencies that some requests can do without.
func (h *Handler) AddOptionalCheck(check HealthCheck) {
	h.add(registeredCheck{HealthCheck: check, optional: true})
}

func (h *Handler) add(c registeredCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// RemoveCheck removes a health check by name.
func (h *Handler) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = slices.DeleteFunc(h.checks, func(c registeredCheck) bool {
		return c.Name() == name
	})
}

// SetDraining marks the gateway as shutting down. Readiness fails from then
// on so load balancers stop sending traffic.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// IsDraining reports whether SetDraining(true) was called.
func (h *Handler) IsDraining() bool {
	return h.draining.Load()
}

func (h *Handler) timeout(readiness bool) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if readiness && h.config.ReadinessCheckTimeout > 0 {
		return h.config.ReadinessCheckTimeout
	}
	if !readiness && h.config.LivenessCheckTimeout > 0 {
		return h.config.LivenessCheckTimeout
	}
	if readiness {
		return DefaultReadinessCheckTimeout
	}
	return DefaultLivenessCheckTimeout
}

// LivenessHandler reports that the process is running.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    StatusOK,
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadinessHandler reports whether the gateway can serve traffic.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, &HealthStatus{
				Status:    StatusDraining,
				Timestamp: time.Now().UTC(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout(true))
		defer cancel()

		status := h.runChecks(ctx)
		c.JSON(statusCode(status), status)
	}
}

// HealthHandler returns the detailed health report.
func (h *Handler) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout(false))
		defer cancel()

		status := h.runChecks(ctx)
		status.Uptime = time.Since(h.startTime).Round(time.Second).String()
		status.Version = h.version
		c.JSON(statusCode(status), status)
	}
}

func statusCode(status *HealthStatus) int {
	if status.Status == StatusError {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// runChecks runs all health checks concurrently. Failures are reported in
// the result, so the group itself never fails.
func (h *Handler) runChecks(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checks := slices.Clone(h.checks)
	h.mu.RUnlock()

	results := make([]*CheckResult, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		g.Go(func() error {
			results[i] = h.check(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	status := &HealthStatus{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}
	for i, c := range checks {
		r := results[i]
		status.Checks[c.Name()] = r
		switch {
		case r.Status == StatusOK:
		case c.optional:
			if status.Status == StatusOK {
				status.Status = StatusDegraded
			}
		default:
			status.Status = StatusError
		}
	}
	return status
}

func (h *Handler) check(ctx context.Context, c registeredCheck) *CheckResult {
	start := time.Now()
	err := c.Check(ctx)
	duration := time.Since(start)

	result := &CheckResult{
		Status:    StatusOK,
		Optional:  c.optional,
		Duration:  duration.String(),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		result.Status = StatusError
		result.Error = err.Error()
		h.logger.Warn("health check failed",
			observability.String("check", c.Name()),
			observability.Bool("optional", c.optional),
			observability.Error(err),
			observability.Duration("duration", duration),
		)
	}
	return result
}

// RegisterRoutes registers health check routes on a Gin engine.
func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/health", h.HealthHandler())
	engine.GET("/healthz", h.LivenessHandler())
	engine.GET("/livez", h.LivenessHandler())
	engine.GET("/readyz", h.ReadinessHandler())
}
