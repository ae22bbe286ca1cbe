// Package account provisions durable directory accounts for identities that
// authenticated outside the directory.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/directory"
	"github.com/vyrodovalexey/avapigw-identity/internal/events"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
	"github.com/vyrodovalexey/avapigw-identity/internal/retry"
)

// ErrInvalidCandidate is returned for a candidate without a username. The
// directory is not touched.
var ErrInvalidCandidate = errors.New("account: candidate has no username")

// DefaultProvisionTimeout bounds one provisioning run, which continues after
// the requesting client goes away.
const DefaultProvisionTimeout = 30 * time.Second

// Provisioning outcomes recorded in metrics.
const (
	OutcomeFound    = "found"
	OutcomeCreated  = "created"
	OutcomeUpdated  = "updated"
	OutcomeConflict = "conflict"
	OutcomeInvalid  = "invalid"
	OutcomeFailed   = "failed"
)

// Manager implements find and get-or-create over a directory store.
type Manager struct {
	store            directory.Store
	publisher        events.Publisher
	defaultRoles     []string
	updateOnLogin    bool
	retryConfig      *retry.Config
	provisionTimeout time.Duration

	group singleflight.Group

	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	newID func() string
	now   func() time.Time
}

// Option is a functional option for configuring the Manager.
type Option func(*Manager)

// WithPublisher sets the AccountCreated publisher.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// WithRetryConfig overrides the backoff used for conflict re-lookups.
func WithRetryConfig(cfg *retry.Config) Option {
	return func(m *Manager) {
		m.retryConfig = cfg
	}
}

// WithProvisionTimeout sets the detached provisioning timeout.
func WithProvisionTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.provisionTimeout = d
	}
}

// WithIDGenerator replaces uuid.NewString for new users and organizations.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		m.now = fn
	}
}

// NewManager creates a Manager over store.
func NewManager(store directory.Store, cfg config.AccountsConfig, opts ...Option) *Manager {
	lookupRetries := cfg.LookupRetries
	if lookupRetries <= 0 {
		lookupRetries = config.DefaultLookupRetries
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = lookupRetries

	m := &Manager{
		store:            store,
		publisher:        events.NopPublisher{},
		defaultRoles:     identity.NormalizeRoles(cfg.DefaultRoles),
		updateOnLogin:    cfg.UpdateOnLogin,
		retryConfig:      retryCfg,
		provisionTimeout: DefaultProvisionTimeout,
		logger:           observability.NopLogger(),
		newID:            uuid.NewString,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(observability.String("component", "account"))
	return m
}

// Find returns the stored user for the candidate's username. A missing or
// malformed entry yields (nil, nil); only directory failures are errors.
func (m *Manager) Find(ctx context.Context, candidate *identity.User) (*identity.User, error) {
	username, err := candidateUsername(candidate)
	if err != nil {
		return nil, err
	}

	u, err := m.store.FindUserByUsername(ctx, username)
	switch {
	case err == nil:
		return u, nil
	case errors.Is(err, directory.ErrNotFound):
		return nil, nil
	case errors.Is(err, directory.ErrMalformedEntry):
		m.logger.WithContext(ctx).Warn("ignoring malformed directory entry",
			observability.String("username", username),
			observability.Error(err),
		)
		return nil, nil
	default:
		return nil, err
	}
}

// GetOrCreate returns the stored user for the candidate, provisioning it on
// first sight. Concurrent calls for one username share a single run. The run
// is detached from ctx: if ctx ends first the caller gets ctx.Err() and the
// result is discarded once provisioning completes.
func (m *Manager) GetOrCreate(ctx context.Context, candidate *identity.User) (*identity.User, error) {
	username, err := candidateUsername(candidate)
	if err != nil {
		m.metrics.RecordProvisioning(OutcomeInvalid)
		return nil, err
	}

	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(username, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(detached, m.provisionTimeout)
		defer cancel()
		return m.getOrCreate(runCtx, username, candidate)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// Shared between waiters.
		return res.Val.(*identity.User).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) getOrCreate(ctx context.Context, username string, candidate *identity.User) (*identity.User, error) {
	ctx, span := m.tracer.StartSpan(ctx, "account.GetOrCreate",
		trace.WithAttributes(attribute.String("account.username", username)),
	)
	defer span.End()

	user, outcome, err := m.lookupOrProvision(ctx, username, candidate)
	m.metrics.RecordProvisioning(outcome)
	span.SetAttributes(attribute.String("account.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return user, nil
}

func (m *Manager) lookupOrProvision(
	ctx context.Context, username string, candidate *identity.User,
) (*identity.User, string, error) {
	existing, err := m.store.FindUserByUsername(ctx, username)
	switch {
	case err == nil:
		if m.updateOnLogin {
			if refreshed, ok := m.refresh(ctx, existing, candidate); ok {
				return refreshed, OutcomeUpdated, nil
			}
		}
		return existing, OutcomeFound, nil
	case !errors.Is(err, directory.ErrNotFound):
		return nil, OutcomeFailed, err
	}

	user, err := m.provision(ctx, candidate)
	if errors.Is(err, directory.ErrAlreadyExists) {
		m.logger.WithContext(ctx).Debug("account created concurrently, looking up",
			observability.String("username", username),
		)
		user, err = m.relookupUser(ctx, username)
		if err != nil {
			return nil, OutcomeFailed, err
		}
		return user, OutcomeConflict, nil
	}
	if err != nil {
		return nil, OutcomeFailed, err
	}

	m.publish(ctx, user)
	m.logger.WithContext(ctx).Info("account provisioned",
		observability.String("username", user.Username),
		observability.String("organization", user.Organization),
		observability.String("provider", user.Provider),
	)
	return user, OutcomeCreated, nil
}

// provision runs the creation steps in order. Only the final CreateUser can
// report ErrAlreadyExists to the caller; conflicts on organizations and roles
// are absorbed here.
func (m *Manager) provision(ctx context.Context, candidate *identity.User) (*identity.User, error) {
	orgName := strings.TrimSpace(candidate.Organization)
	if orgName != "" {
		if err := m.ensureOrg(ctx, orgName); err != nil {
			return nil, err
		}
		if err := m.store.AddMember(ctx, orgName, candidate.Username); err != nil {
			return nil, err
		}
	}

	if err := m.ensureRoles(ctx); err != nil {
		return nil, err
	}

	user := candidate.Clone()
	user.ID = m.newID()
	user.Organization = orgName
	user.Roles = identity.NormalizeRoles(m.defaultRoles, candidate.Roles)
	user.LastUpdated = m.now().UTC()

	if err := m.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (m *Manager) ensureOrg(ctx context.Context, shortName string) error {
	_, err := m.store.FindOrgByShortName(ctx, shortName)
	if err == nil || !errors.Is(err, directory.ErrNotFound) {
		return err
	}

	err = m.store.CreateOrg(ctx, &identity.Organization{
		ID:          m.newID(),
		ShortName:   shortName,
		DisplayName: shortName,
		Members:     []string{},
	})
	if !errors.Is(err, directory.ErrAlreadyExists) {
		return err
	}

	_, err = retry.DoValue(ctx, m.retryConfig, func(ctx context.Context) (*identity.Organization, error) {
		return m.store.FindOrgByShortName(ctx, shortName)
	}, m.lookupRetryOptions("organization", shortName))
	return err
}

func (m *Manager) ensureRoles(ctx context.Context) error {
	for _, name := range m.defaultRoles {
		_, err := m.store.FindRoleByName(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, directory.ErrNotFound) {
			return err
		}
		err = m.store.CreateRole(ctx, &identity.Role{Name: name})
		if err != nil && !errors.Is(err, directory.ErrAlreadyExists) {
			return err
		}
	}
	return nil
}

func (m *Manager) relookupUser(ctx context.Context, username string) (*identity.User, error) {
	return retry.DoValue(ctx, m.retryConfig, func(ctx context.Context) (*identity.User, error) {
		return m.store.FindUserByUsername(ctx, username)
	}, m.lookupRetryOptions("user", username))
}

// lookupRetryOptions retries only ErrNotFound: the conflicting writer may not
// be visible yet.
func (m *Manager) lookupRetryOptions(kind, key string) *retry.Options {
	return &retry.Options{
		ShouldRetry: func(err error) bool {
			return errors.Is(err, directory.ErrNotFound)
		},
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			m.logger.Debug("retrying lookup after conflict",
				observability.String("kind", kind),
				observability.String("key", key),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	}
}

// refresh copies changed federated attributes onto the stored user. A failed
// update is logged and the stored user is kept.
func (m *Manager) refresh(ctx context.Context, stored, candidate *identity.User) (*identity.User, bool) {
	updated := stored.Clone()
	changed := false
	apply := func(dst *string, src string) {
		if src != "" && *dst != src {
			*dst = src
			changed = true
		}
	}
	apply(&updated.Email, candidate.Email)
	apply(&updated.FirstName, candidate.FirstName)
	apply(&updated.LastName, candidate.LastName)
	apply(&updated.Provider, candidate.Provider)
	apply(&updated.ProviderSubject, candidate.ProviderSubject)
	if !changed {
		return nil, false
	}
	updated.LastUpdated = m.now().UTC()

	if err := m.store.UpdateUser(ctx, updated); err != nil {
		m.logger.WithContext(ctx).Warn("failed to refresh account attributes",
			observability.String("username", stored.Username),
			observability.Error(err),
		)
		return nil, false
	}
	return updated, true
}

func (m *Manager) publish(ctx context.Context, user *identity.User) {
	if err := m.publisher.Publish(ctx, identity.NewAccountCreated(user)); err != nil {
		m.logger.WithContext(ctx).Warn("failed to publish account notification",
			observability.String("username", user.Username),
			observability.Error(err),
		)
	}
}

func candidateUsername(candidate *identity.User) (string, error) {
	if candidate == nil {
		return "", ErrInvalidCandidate
	}
	username := strings.TrimSpace(candidate.Username)
	if username == "" {
		return "", ErrInvalidCandidate
	}
	if username != candidate.Username {
		return "", fmt.Errorf("%w: username has surrounding whitespace", ErrInvalidCandidate)
	}
	return username, nil
}
