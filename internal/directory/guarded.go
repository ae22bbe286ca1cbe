package directory

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// Guarded decorates a Store so that every operation runs on a bounded
// pool with a timeout, behind an optional circuit breaker. Timeouts, a full
// pool and an open breaker all surface as ErrUnavailable.
type Guarded struct {
	next    Store
	name    string
	sem     *semaphore.Weighted
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker

	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// GuardOption is a functional option for configuring Guarded.
type GuardOption func(*Guarded)

// WithGuardLogger sets the logger.
func WithGuardLogger(logger observability.Logger) GuardOption {
	return func(g *Guarded) {
		g.logger = logger
	}
}

// WithGuardMetrics sets the metrics recorder.
func WithGuardMetrics(metrics *observability.Metrics) GuardOption {
	return func(g *Guarded) {
		g.metrics = metrics
	}
}

// WithGuardTracer sets the tracer.
func WithGuardTracer(tracer *observability.Tracer) GuardOption {
	return func(g *Guarded) {
		g.tracer = tracer
	}
}

// NewGuarded wraps next according to cfg. A zero MaxConcurrency or Timeout
// falls back to the package defaults.
func NewGuarded(next Store, name string, cfg config.DirectoryConfig, opts ...GuardOption) *Guarded {
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = config.DefaultMaxConcurrency
	}

	g := &Guarded{
		next:    next,
		name:    name,
		sem:     semaphore.NewWeighted(int64(maxConcurrency)),
		timeout: cfg.Timeout.OrDefault(config.DefaultDirectoryTimeout),
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if cfg.CircuitBreaker.Enabled {
		g.cb = g.newBreaker(cfg.CircuitBreaker)
	}
	g.metrics.SetDirectoryBreakerState(name, int(gobreaker.StateClosed))

	return g
}

func (g *Guarded) newBreaker(cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	threshold := uint32(config.DefaultBreakerThreshold)
	if cfg.Threshold > 0 {
		threshold = uint32(cfg.Threshold) //nolint:gosec // small positive config value
	}
	timeout := cfg.Timeout.OrDefault(config.DefaultBreakerTimeout)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        g.name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Domain outcomes mean the directory answered; caller cancellation
		// says nothing about its health.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("directory circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			g.metrics.SetDirectoryBreakerState(name, int(to))
		},
	})
}

// State returns the breaker state, closed when no breaker is configured.
func (g *Guarded) State() gobreaker.State {
	if g.cb == nil {
		return gobreaker.StateClosed
	}
	return g.cb.State()
}

type guardResult[T any] struct {
	value T
	err   error
}

func guard[T any](g *Guarded, ctx context.Context, op, key string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	ctx, span := g.tracer.StartSpan(ctx, "directory."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("directory.name", g.name),
			attribute.String("directory.operation", op),
		),
	)
	defer span.End()

	run := func() (interface{}, error) {
		return g.run(ctx, op, key, func(ctx context.Context) (interface{}, error) { return fn(ctx) })
	}

	var raw interface{}
	var err error
	if g.cb == nil {
		raw, err = run()
	} else {
		raw, err = g.cb.Execute(run)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = unavailable(op, key, err)
		}
	}

	status := operationStatus(err)
	g.metrics.RecordDirectoryOperation(op, status, time.Since(start))
	span.SetAttributes(attribute.String("directory.status", status))
	if status == "unavailable" || status == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.WithContext(ctx).Warn("directory operation failed",
			observability.String("operation", op),
			observability.String("key", key),
			observability.Error(err),
		)
	}

	if err != nil {
		var zero T
		return zero, err
	}
	value, _ := raw.(T)
	return value, nil
}

// run executes fn on the bounded pool. If the timeout fires first the
// operation keeps its pool slot until the backend returns.
func (g *Guarded) run(
	ctx context.Context, op, key string, fn func(context.Context) (interface{}, error),
) (interface{}, error) {
	opCtx, cancel := context.WithTimeout(ctx, g.timeout)

	if err := g.sem.Acquire(opCtx, 1); err != nil {
		cancel()
		return nil, unavailable(op, key, err)
	}

	done := make(chan guardResult[interface{}], 1)
	go func() {
		defer cancel()
		defer g.sem.Release(1)
		v, err := fn(opCtx)
		done <- guardResult[interface{}]{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && opCtx.Err() != nil && !errors.Is(r.err, ErrUnavailable) &&
			(errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, context.Canceled)) {
			return nil, unavailable(op, key, r.err)
		}
		return r.value, r.err
	case <-opCtx.Done():
		return nil, unavailable(op, key, opCtx.Err())
	}
}

func operationStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrMalformedEntry):
		return "malformed"
	default:
		return "error"
	}
}

func (g *Guarded) FindUserByUsername(ctx context.Context, username string) (*identity.User, error) {
	return guard(g, ctx, "find_user", username, func(ctx context.Context) (*identity.User, error) {
		return g.next.FindUserByUsername(ctx, username)
	})
}

func (g *Guarded) CreateUser(ctx context.Context, user *identity.User) error {
	_, err := guard(g, ctx, "create_user", usernameOf(user), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.CreateUser(ctx, user)
	})
	return err
}

func (g *Guarded) UpdateUser(ctx context.Context, user *identity.User) error {
	_, err := guard(g, ctx, "update_user", usernameOf(user), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.UpdateUser(ctx, user)
	})
	return err
}

func (g *Guarded) FindOrgByShortName(ctx context.Context, shortName string) (*identity.Organization, error) {
	return guard(g, ctx, "find_org", shortName, func(ctx context.Context) (*identity.Organization, error) {
		return g.next.FindOrgByShortName(ctx, shortName)
	})
}

func (g *Guarded) CreateOrg(ctx context.Context, org *identity.Organization) error {
	_, err := guard(g, ctx, "create_org", shortNameOf(org), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.CreateOrg(ctx, org)
	})
	return err
}

func (g *Guarded) AddMember(ctx context.Context, shortName, username string) error {
	_, err := guard(g, ctx, "add_member", shortName, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.AddMember(ctx, shortName, username)
	})
	return err
}

func (g *Guarded) FindRoleByName(ctx context.Context, name string) (*identity.Role, error) {
	return guard(g, ctx, "find_role", name, func(ctx context.Context) (*identity.Role, error) {
		return g.next.FindRoleByName(ctx, name)
	})
}

func (g *Guarded) CreateRole(ctx context.Context, role *identity.Role) error {
	_, err := guard(g, ctx, "create_role", roleNameOf(role), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.CreateRole(ctx, role)
	})
	return err
}

func (g *Guarded) Ping(ctx context.Context) error {
	_, err := guard(g, ctx, "ping", "", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.Ping(ctx)
	})
	return err
}

func usernameOf(u *identity.User) string {
	if u == nil {
		return ""
	}
	return u.Username
}

func shortNameOf(o *identity.Organization) string {
	if o == nil {
		return ""
	}
	return o.ShortName
}

func roleNameOf(r *identity.Role) string {
	if r == nil {
		return ""
	}
	return r.Name
}

func (g *Guarded) Close() error {
	return g.next.Close()
}

var _ Store = (*Guarded)(nil)
