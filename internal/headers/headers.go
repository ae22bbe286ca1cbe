// Package headers turns a resolved identity into the outbound identity
// headers of a route. Contributors only ever see the resolved identity and
// the route's mapping, never the inbound request headers.
package headers

import (
	"net/http"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// Outbound header names.
const (
	Proxy          = "sec-proxy"
	UserID         = "sec-userid"
	Username       = "sec-username"
	Organization   = "sec-org"
	Email          = "sec-email"
	FirstName      = "sec-firstname"
	LastName       = "sec-lastname"
	Telephone      = "sec-tel"
	Roles          = "sec-roles"
	LastUpdated    = "sec-lastupdated"
	Address        = "sec-address"
	Title          = "sec-title"
	Notes          = "sec-notes"
	PasswordExpiry = "sec-ldap-remaining-days"
	ExternalAuth   = "sec-external-authentication"
	FullName       = "sec-fullname"
	OrgName        = "sec-orgname"
	JSONPayload    = "sec-user"
)

// Names returns every outbound identity header name. Inbound copies of these
// are never trusted.
func Names() []string {
	return []string{
		Proxy, UserID, Username, Organization, Email, FirstName, LastName,
		Telephone, Roles, LastUpdated, Address, Title, Notes, PasswordExpiry,
		ExternalAuth, FullName, OrgName, JSONPayload,
	}
}

// RoleSeparator joins multi-valued role headers.
const RoleSeparator = ";"

// Input is what a contributor may see.
type Input struct {
	RouteID  string
	Resolved *identity.Resolved
	Mappings config.HeaderMappings
}

// user returns the resolved user, nil for anonymous requests.
func (in Input) user() *identity.User {
	if in.Resolved.Anonymous() {
		return nil
	}
	return in.Resolved.User
}

// Contribution appends headers to the outbound set. It has no other effect.
type Contribution func(out http.Header)

// Contributor handles one concern of the outbound header set.
type Contributor interface {
	Name() string
	Contribute(in Input) Contribution
}

// Pipeline runs contributors in their declared order.
type Pipeline struct {
	contributors []Contributor
	logger       observability.Logger
	metrics      *observability.Metrics
}

// Option is a functional option for configuring the Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithContributors replaces the default contributors.
func WithContributors(contributors ...Contributor) Option {
	return func(p *Pipeline) {
		p.contributors = contributors
	}
}

// NewPipeline creates a pipeline with the standard contributors: proxy
// marker, user attributes, organization, JSON payload.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(p)
	}
	if p.contributors == nil {
		p.contributors = []Contributor{
			NewProxyContributor(""),
			NewUserContributor(p.logger),
			NewOrganizationContributor(p.logger),
			NewJSONContributor(p.logger),
		}
	}
	return p
}

// Contributors returns the contributors in execution order.
func (p *Pipeline) Contributors() []Contributor {
	out := make([]Contributor, len(p.contributors))
	copy(out, p.contributors)
	return out
}

// Build returns the outbound identity headers for in.
func (p *Pipeline) Build(in Input) http.Header {
	out := http.Header{}
	p.Apply(out, in)
	return out
}

// Apply adds the outbound identity headers for in to out.
func (p *Pipeline) Apply(out http.Header, in Input) {
	for _, c := range p.contributors {
		fn := c.Contribute(in)
		if fn == nil {
			continue
		}
		before := len(out)
		fn(out)
		p.metrics.RecordContributedHeaders(c.Name(), len(out)-before)
	}
}
