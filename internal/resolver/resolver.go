// Package resolver maps authentication outcomes to the canonical user of a
// request, provisioning accounts for federated and pre-authenticated
// identities.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avapigw-identity/internal/account"
	"github.com/vyrodovalexey/avapigw-identity/internal/directory"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// Resolution outcomes recorded in metrics.
const (
	OutcomeResolved    = "resolved"
	OutcomeAnonymous   = "anonymous"
	OutcomeMalformed   = "malformed"
	OutcomeUnavailable = "unavailable"
)

// idNamespace seeds the name-based ids of unprovisioned identities.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:avapigw:identity"))

// Provisioner finds or creates the durable account for a candidate user.
type Provisioner interface {
	GetOrCreate(ctx context.Context, candidate *identity.User) (*identity.User, error)
}

// AccountFinder looks up stored accounts without creating them. A missing
// account is (nil, nil).
type AccountFinder interface {
	Find(ctx context.Context, candidate *identity.User) (*identity.User, error)
}

// OrganizationFinder looks up organizations by short name.
type OrganizationFinder interface {
	FindOrgByShortName(ctx context.Context, shortName string) (*identity.Organization, error)
}

// Resolver turns principals into users.
type Resolver struct {
	provisioner Provisioner
	accounts    AccountFinder
	orgs        OrganizationFinder

	logger  observability.Logger
	metrics *observability.Metrics
}

// Option is a functional option for configuring the Resolver.
type Option func(*Resolver)

// WithProvisioner enables account provisioning. Without it the candidate
// built from the principal is used as the user.
func WithProvisioner(p Provisioner) Option {
	return func(r *Resolver) {
		r.provisioner = p
	}
}

// WithAccounts resolves stored accounts when provisioning is disabled. An
// unknown user still gets the candidate with a deterministic id.
func WithAccounts(f AccountFinder) Option {
	return func(r *Resolver) {
		r.accounts = f
	}
}

// WithOrganizations enables organization lookups. Without it organizations
// are synthesized from the user's short name.
func WithOrganizations(orgs OrganizationFinder) Option {
	return func(r *Resolver) {
		r.orgs = orgs
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = metrics
	}
}

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(observability.String("component", "resolver"))
	return r
}

// ResolveRequest resolves the principal stored in ctx's request scope once.
// Later calls in the same request return the cached result without
// consulting the directory again.
func (r *Resolver) ResolveRequest(ctx context.Context) (*identity.Resolved, error) {
	scope := identity.ScopeFromContext(ctx)
	if scope == nil {
		return r.Resolve(ctx, identity.Anonymous())
	}
	return scope.Resolve(func(p identity.Principal) (*identity.Resolved, error) {
		return r.Resolve(ctx, p)
	})
}

// Resolve maps p to a user. Malformed principals yield an anonymous result
// and no error; the only errors are ErrUnavailable and context errors.
func (r *Resolver) Resolve(ctx context.Context, p identity.Principal) (*identity.Resolved, error) {
	if identity.IsAnonymous(p) {
		r.metrics.RecordResolution(string(identity.SourceAnonymous), OutcomeAnonymous)
		return &identity.Resolved{Principal: identity.Anonymous()}, nil
	}

	resolved, err := r.resolve(ctx, p)
	switch {
	case err == nil:
		r.metrics.RecordResolution(string(p.Source()), OutcomeResolved)
		return resolved, nil

	case errors.Is(err, ErrMalformedPrincipal):
		r.metrics.RecordResolution(string(p.Source()), OutcomeMalformed)
		r.logger.WithContext(ctx).Warn("malformed principal, continuing as anonymous",
			observability.String("source", string(p.Source())),
			observability.Error(err),
		)
		return &identity.Resolved{Principal: p}, nil

	default:
		r.metrics.RecordResolution(string(p.Source()), OutcomeUnavailable)
		r.logger.WithContext(ctx).Error("identity resolution failed",
			observability.String("source", string(p.Source())),
			observability.String("username", p.Name()),
			observability.Error(err),
		)
		return nil, err
	}
}

func (r *Resolver) resolve(ctx context.Context, p identity.Principal) (*identity.Resolved, error) {
	var user *identity.User
	switch v := p.(type) {
	case *identity.DirectoryPrincipal:
		if err := v.User.Validate(); err != nil {
			return nil, r.fail(p, fmt.Errorf("%w: %w", ErrMalformedPrincipal, err))
		}
		user = v.User.Clone()
		user.Roles = identity.NormalizeRoles(user.Roles)
		if v.Organization != nil {
			return &identity.Resolved{User: user, Organization: v.Organization.Clone(), Principal: p}, nil
		}

	case *identity.FederatedPrincipal, *identity.PreAuthPrincipal:
		candidate, err := Candidate(p)
		if err != nil {
			return nil, r.fail(p, err)
		}
		user, err = r.provision(ctx, candidate)
		if err != nil {
			return nil, r.fail(p, err)
		}

	default:
		return nil, r.fail(p, fmt.Errorf("%w: unsupported principal %T", ErrMalformedPrincipal, p))
	}

	org, err := r.organization(ctx, user)
	if err != nil {
		return nil, r.fail(p, err)
	}
	return &identity.Resolved{User: user, Organization: org, Principal: p}, nil
}

func (r *Resolver) provision(ctx context.Context, candidate *identity.User) (*identity.User, error) {
	if r.provisioner == nil {
		if r.accounts != nil {
			stored, err := r.accounts.Find(ctx, candidate)
			if err != nil {
				return nil, classify(err)
			}
			if stored != nil {
				return stored, nil
			}
		}
		u := candidate.Clone()
		u.ID = DeterministicID(candidate)
		return u, nil
	}

	u, err := r.provisioner.GetOrCreate(ctx, candidate)
	if err == nil {
		return u, nil
	}
	return nil, classify(err)
}

func (r *Resolver) organization(ctx context.Context, user *identity.User) (*identity.Organization, error) {
	shortName := strings.TrimSpace(user.Organization)
	if shortName == "" {
		return nil, nil
	}
	if r.orgs == nil {
		return &identity.Organization{ShortName: shortName, DisplayName: shortName, Members: []string{user.Username}}, nil
	}

	org, err := r.orgs.FindOrgByShortName(ctx, shortName)
	switch {
	case err == nil:
		return org, nil
	case errors.Is(err, directory.ErrNotFound), errors.Is(err, directory.ErrMalformedEntry):
		r.logger.WithContext(ctx).Debug("organization not resolved",
			observability.String("organization", shortName),
			observability.Error(err),
		)
		return nil, nil
	default:
		return nil, classify(err)
	}
}

// classify maps provisioning and directory failures onto resolver errors.
func classify(err error) error {
	switch {
	case errors.Is(err, directory.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, account.ErrInvalidCandidate), errors.Is(err, directory.ErrMalformedEntry):
		return fmt.Errorf("%w: %w", ErrMalformedPrincipal, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

func (r *Resolver) fail(p identity.Principal, err error) error {
	return &ResolutionError{Source: p.Source(), Username: p.Name(), Err: err}
}

// Candidate builds the user a federated or pre-authenticated principal
// claims to be. The id is left empty.
func Candidate(p identity.Principal) (*identity.User, error) {
	var u *identity.User
	switch v := p.(type) {
	case *identity.FederatedPrincipal:
		u = &identity.User{
			Username:        strings.TrimSpace(v.Username),
			Email:           strings.TrimSpace(v.Email),
			FirstName:       strings.TrimSpace(v.FirstName),
			LastName:        strings.TrimSpace(v.LastName),
			Organization:    strings.TrimSpace(v.Organization),
			Roles:           identity.NormalizeRoles(v.Roles),
			ExternalAuth:    true,
			Provider:        v.Provider,
			ProviderSubject: v.Subject,
		}
	case *identity.PreAuthPrincipal:
		u = &identity.User{
			Username:        strings.TrimSpace(v.Username),
			Email:           strings.TrimSpace(v.Email),
			FirstName:       strings.TrimSpace(v.FirstName),
			LastName:        strings.TrimSpace(v.LastName),
			Organization:    strings.TrimSpace(v.Organization),
			Roles:           []string{},
			ExternalAuth:    true,
			Provider:        strings.TrimSpace(v.Provider),
			ProviderSubject: strings.TrimSpace(v.ProviderID),
		}
	default:
		return nil, fmt.Errorf("%w: no candidate for %T", ErrMalformedPrincipal, p)
	}

	if u.Username == "" {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPrincipal, identity.ErrMissingUsername)
	}
	return u, nil
}

// DeterministicID returns a name-based UUID for an unprovisioned user, keyed
// on provider and subject when both are known and on the username otherwise.
func DeterministicID(u *identity.User) string {
	key := "user:" + u.Username
	if u.Provider != "" && u.ProviderSubject != "" {
		key = u.Provider + ":" + u.ProviderSubject
	}
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}
