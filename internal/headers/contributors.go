package headers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// field is one candidate header with its switch.
type field struct {
	kind  config.HeaderKind
	name  string
	value string
}

// emitter collects the fields that pass the switch and presence checks.
type emitter struct {
	logger  observability.Logger
	routeID string
	headers [][2]string
}

func (e *emitter) add(enabled bool, name, value string) {
	if !enabled {
		return
	}
	if value == "" {
		e.logger.Debug("identity header omitted, no value",
			observability.String("header", name),
			observability.String("route", e.routeID),
		)
		return
	}
	e.headers = append(e.headers, [2]string{name, value})
}

func (e *emitter) contribution() Contribution {
	if len(e.headers) == 0 {
		return nil
	}
	headers := e.headers
	return func(out http.Header) {
		for _, h := range headers {
			out.Set(h[0], h[1])
		}
	}
}

// ProxyContributor marks requests as having passed through the gateway.
type ProxyContributor struct {
	value string
}

// NewProxyContributor creates the marker contributor. An empty value
// defaults to "true".
func NewProxyContributor(value string) *ProxyContributor {
	if value == "" {
		value = "true"
	}
	return &ProxyContributor{value: value}
}

// Name implements Contributor.
func (c *ProxyContributor) Name() string { return "proxy" }

// Contribute implements Contributor.
func (c *ProxyContributor) Contribute(in Input) Contribution {
	if !in.Mappings.Enabled(config.HeaderProxy) {
		return nil
	}
	value := c.value
	return func(out http.Header) {
		out.Set(Proxy, value)
	}
}

// UserContributor emits one header per user attribute.
type UserContributor struct {
	logger observability.Logger
}

// NewUserContributor creates the user attribute contributor.
func NewUserContributor(logger observability.Logger) *UserContributor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &UserContributor{logger: logger}
}

// Name implements Contributor.
func (c *UserContributor) Name() string { return "user" }

// Contribute implements Contributor.
func (c *UserContributor) Contribute(in Input) Contribution {
	u := in.user()
	if u == nil {
		return nil
	}

	e := &emitter{logger: c.logger, routeID: in.RouteID}
	for _, f := range userFields(u) {
		e.add(in.Mappings.Enabled(f.kind), f.name, f.value)
	}
	e.add(in.Mappings.ExtrasEnabled(), FullName, u.FullName())
	return e.contribution()
}

func userFields(u *identity.User) []field {
	var lastUpdated string
	if !u.LastUpdated.IsZero() {
		lastUpdated = u.LastUpdated.UTC().Format(time.RFC3339)
	}
	var expiry string
	if u.PasswordExpiryDays != nil {
		expiry = strconv.Itoa(*u.PasswordExpiryDays)
	}

	return []field{
		{config.HeaderUserID, UserID, u.ID},
		{config.HeaderUsername, Username, u.Username},
		{config.HeaderEmail, Email, u.Email},
		{config.HeaderFirstName, FirstName, u.FirstName},
		{config.HeaderLastName, LastName, u.LastName},
		{config.HeaderTelephone, Telephone, u.Telephone},
		{config.HeaderRoles, Roles, strings.Join(identity.NormalizeRoles(u.Roles), RoleSeparator)},
		{config.HeaderLastUpdated, LastUpdated, lastUpdated},
		{config.HeaderAddress, Address, u.Address},
		{config.HeaderTitle, Title, u.Title},
		{config.HeaderNotes, Notes, u.Notes},
		{config.HeaderPasswordExpiry, PasswordExpiry, expiry},
		{config.HeaderExternalAuth, ExternalAuth, strconv.FormatBool(u.ExternalAuth)},
	}
}

// OrganizationContributor emits the organization short name and, with
// extras, its display name.
type OrganizationContributor struct {
	logger observability.Logger
}

// NewOrganizationContributor creates the organization contributor.
func NewOrganizationContributor(logger observability.Logger) *OrganizationContributor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &OrganizationContributor{logger: logger}
}

// Name implements Contributor.
func (c *OrganizationContributor) Name() string { return "organization" }

// Contribute implements Contributor.
func (c *OrganizationContributor) Contribute(in Input) Contribution {
	u := in.user()
	if u == nil {
		return nil
	}

	shortName := u.Organization
	var displayName string
	if org := in.Resolved.Organization; org != nil {
		if shortName == "" {
			shortName = org.ShortName
		}
		displayName = org.DisplayName
	}

	e := &emitter{logger: c.logger, routeID: in.RouteID}
	e.add(in.Mappings.Enabled(config.HeaderOrganization), Organization, shortName)
	e.add(in.Mappings.ExtrasEnabled(), OrgName, displayName)
	return e.contribution()
}

// Payload is the structure encoded in the JSON payload header.
type Payload struct {
	User         *identity.User         `json:"user"`
	Organization *identity.Organization `json:"organization,omitempty"`
	Source       identity.Source        `json:"source"`
	Principal    identity.Principal     `json:"principal,omitempty"`
}

// JSONContributor emits the whole identity as base64-encoded JSON in a
// single header.
type JSONContributor struct {
	logger observability.Logger
}

// NewJSONContributor creates the JSON payload contributor.
func NewJSONContributor(logger observability.Logger) *JSONContributor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &JSONContributor{logger: logger}
}

// Name implements Contributor.
func (c *JSONContributor) Name() string { return "json" }

// Contribute implements Contributor.
func (c *JSONContributor) Contribute(in Input) Contribution {
	u := in.user()
	if u == nil || !in.Mappings.JSONEnabled() {
		return nil
	}

	payload := Payload{
		User:         u,
		Organization: in.Resolved.Organization,
		Principal:    in.Resolved.Principal,
	}
	if in.Resolved.Principal != nil {
		payload.Source = in.Resolved.Principal.Source()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to encode identity payload",
			observability.String("route", in.RouteID),
			observability.Error(err),
		)
		return nil
	}
	value := base64.StdEncoding.EncodeToString(raw)
	return func(out http.Header) {
		out.Set(JSONPayload, value)
	}
}

// DecodePayload reverses the JSON payload header encoding. The principal is
// returned as raw JSON.
func DecodePayload(value string) (*DecodedPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	var p DecodedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodedPayload is Payload as read back by a downstream consumer.
type DecodedPayload struct {
	User         *identity.User         `json:"user"`
	Organization *identity.Organization `json:"organization,omitempty"`
	Source       identity.Source        `json:"source"`
	Principal    json.RawMessage        `json:"principal,omitempty"`
}
