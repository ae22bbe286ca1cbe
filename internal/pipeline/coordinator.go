// Package pipeline orders the identity filters around the proxy call and
// enforces the per-request stage lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/middleware"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// Construction errors.
var (
	ErrDuplicateStage = errors.New("pipeline: duplicate stage")
	ErrInvalidStage   = errors.New("pipeline: stage cannot be occupied by a filter")
)

// Runtime errors.
var (
	ErrStageRepeated = errors.New("pipeline: stage already ran for this request")
	ErrStageOrder    = errors.New("pipeline: stage ran out of order")
	ErrRejected      = errors.New("pipeline: request already rejected")
	ErrTargetBound   = errors.New("pipeline: target configuration already bound")
)

// Filter is one identity component in the request pipeline.
type Filter interface {
	// Stage returns the lifecycle stage the filter completes.
	Stage() Stage

	// Wrap returns a handler that runs the filter and then calls next. A
	// filter that does not call next must reject the request with Reject.
	Wrap(next http.Handler) http.Handler
}

// Coordinator runs filters in lifecycle order.
type Coordinator struct {
	filters []Filter
	stages  []Stage
	logger  observability.Logger
	metrics *observability.Metrics
}

// Option is a functional option for configuring the Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// NewCoordinator orders filters by their declared stage. Two filters on the
// same stage, or a filter on a coordinator-owned stage, is an error.
func NewCoordinator(filters []Filter, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(c)
	}

	seen := make(map[Stage]bool, len(filters))
	for _, f := range filters {
		s := f.Stage()
		if !s.filterable() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStage, s)
		}
		if seen[s] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, s)
		}
		seen[s] = true
	}

	c.filters = make([]Filter, len(filters))
	copy(c.filters, filters)
	sort.SliceStable(c.filters, func(i, j int) bool {
		return c.filters[i].Stage().position() < c.filters[j].Stage().position()
	})

	c.stages = []Stage{StageReceived}
	for _, f := range c.filters {
		c.stages = append(c.stages, f.Stage())
	}
	c.stages = append(c.stages, StageProxied)

	return c, nil
}

// Stages returns the stages a request passes through, in order.
func (c *Coordinator) Stages() []Stage {
	out := make([]Stage, len(c.stages))
	copy(out, c.stages)
	return out
}

// Handler returns the pipeline in front of final, which performs the proxy
// call.
func (c *Coordinator) Handler(final http.Handler) http.Handler {
	h := c.guard(StageProxied, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		final.ServeHTTP(w, r)
		TrackerFromContext(r.Context()).complete(StageProxied)
	}))
	for i := len(c.filters) - 1; i >= 0; i-- {
		h = c.wrapFilter(c.filters[i], h)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := newTracker(c)
		ctx := context.WithValue(identity.NewContext(r.Context()), trackerKey{}, t)
		r = r.WithContext(ctx)

		_ = t.enter(StageReceived)
		t.complete(StageReceived)

		h.ServeHTTP(w, r)

		c.logger.WithContext(ctx).Debug("request pipeline finished",
			observability.String("stage", t.Current().String()),
			observability.String("reason", t.RejectReason()),
		)
	})
}

func (c *Coordinator) wrapFilter(f Filter, next http.Handler) http.Handler {
	stage := f.Stage()
	inner := f.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		TrackerFromContext(r.Context()).complete(stage)
		next.ServeHTTP(w, r)
	}))
	return c.guard(stage, inner)
}

func (c *Coordinator) guard(stage Stage, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := TrackerFromContext(r.Context())
		if t == nil {
			c.logger.Error("pipeline stage invoked outside the coordinator",
				observability.String("stage", stage.String()),
			)
			middleware.WriteJSONError(w, http.StatusInternalServerError, middleware.ErrInternalServerError)
			return
		}
		if err := t.enter(stage); err != nil {
			c.logger.WithContext(r.Context()).Error("pipeline stage refused",
				observability.String("stage", stage.String()),
				observability.Error(err),
			)
			if !errors.Is(err, ErrRejected) {
				Reject(w, r, http.StatusInternalServerError, middleware.ErrInternalServerError, ReasonStageOrder)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

type trackerKey struct{}

// Tracker records the lifecycle progress of one request.
type Tracker struct {
	c *Coordinator

	mu        sync.Mutex
	entered   map[Stage]bool
	completed map[Stage]bool
	running   Stage
	current   Stage
	rejected  bool
	reason    string
	target    *Target
}

func newTracker(c *Coordinator) *Tracker {
	return &Tracker{
		c:         c,
		entered:   make(map[Stage]bool, len(c.stages)),
		completed: make(map[Stage]bool, len(c.stages)),
		running:   StageReceived,
		current:   StageReceived,
	}
}

// TrackerFromContext returns the request's tracker, or nil outside the
// coordinator.
func TrackerFromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(trackerKey{}).(*Tracker)
	return t
}

func (t *Tracker) enter(s Stage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rejected {
		return ErrRejected
	}
	if t.entered[s] {
		return fmt.Errorf("%w: %s", ErrStageRepeated, s)
	}
	pos := s.position()
	for _, st := range t.c.stages {
		p := st.position()
		if p < pos && !t.completed[st] {
			return fmt.Errorf("%w: %s before %s completed", ErrStageOrder, s, st)
		}
		if p > pos && t.entered[st] {
			return fmt.Errorf("%w: %s after %s", ErrStageOrder, s, st)
		}
	}
	t.entered[s] = true
	t.running = s
	return nil
}

func (t *Tracker) complete(s Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rejected || !t.entered[s] {
		return
	}
	t.completed[s] = true
	t.current = s
}

func (t *Tracker) reject(reason string) (Stage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rejected {
		return t.running, false
	}
	t.rejected = true
	t.reason = reason
	return t.running, true
}

func (t *Tracker) bind(target *Target) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.target != nil {
		return ErrTargetBound
	}
	t.target = target
	return nil
}

// Current returns the last completed stage, or REJECTED.
func (t *Tracker) Current() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rejected {
		return StageRejected
	}
	return t.current
}

// Completed reports whether s completed for this request.
func (t *Tracker) Completed(s Stage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed[s]
}

// RejectReason returns why the request was rejected, or "".
func (t *Tracker) RejectReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Target returns the bound target configuration.
func (t *Tracker) Target() (*Target, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target, t.target != nil
}

// Reject moves the request to REJECTED and writes a JSON error. An empty
// body writes nothing, for clients that are already gone.
func Reject(w http.ResponseWriter, r *http.Request, status int, body, reason string) {
	t := TrackerFromContext(r.Context())
	if t != nil {
		stage, first := t.reject(reason)
		if !first {
			return
		}
		t.c.metrics.RecordRejection(stage.String(), reason)
		t.c.logger.WithContext(r.Context()).Info("request rejected",
			observability.String("stage", stage.String()),
			observability.String("reason", reason),
			observability.Int("status", status),
		)
	}
	if body != "" {
		middleware.WriteJSONError(w, status, body)
	}
}
