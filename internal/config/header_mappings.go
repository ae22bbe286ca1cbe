package config

// HeaderKind identifies one outbound identity header switch.
type HeaderKind string

// Header kinds, one per outbound identity attribute.
const (
	HeaderProxy          HeaderKind = "proxy"
	HeaderUserID         HeaderKind = "userid"
	HeaderUsername       HeaderKind = "username"
	HeaderOrganization   HeaderKind = "org"
	HeaderEmail          HeaderKind = "email"
	HeaderFirstName      HeaderKind = "firstname"
	HeaderLastName       HeaderKind = "lastname"
	HeaderTelephone      HeaderKind = "tel"
	HeaderRoles          HeaderKind = "roles"
	HeaderLastUpdated    HeaderKind = "lastupdated"
	HeaderAddress        HeaderKind = "address"
	HeaderTitle          HeaderKind = "title"
	HeaderNotes          HeaderKind = "notes"
	HeaderPasswordExpiry HeaderKind = "passwordexpiry"
	HeaderExternalAuth   HeaderKind = "externalauth"
)

// discreteHeaderKinds lists every switch that maps to a single discrete header.
var discreteHeaderKinds = []HeaderKind{
	HeaderProxy,
	HeaderUserID,
	HeaderUsername,
	HeaderOrganization,
	HeaderEmail,
	HeaderFirstName,
	HeaderLastName,
	HeaderTelephone,
	HeaderRoles,
	HeaderLastUpdated,
	HeaderAddress,
	HeaderTitle,
	HeaderNotes,
	HeaderPasswordExpiry,
	HeaderExternalAuth,
}

// HeaderKinds returns every discrete header kind in declaration order.
func HeaderKinds() []HeaderKind {
	out := make([]HeaderKind, len(discreteHeaderKinds))
	copy(out, discreteHeaderKinds)
	return out
}

// HeaderMappings is the set of switches controlling which identity headers
// are emitted for a route. A nil switch is unset: it reads as disabled and
// does not override anything when merged.
//
// HeaderMappings is used as a value. Copy, Merge, EnableAll and DisableAll
// never mutate the receiver or their argument.
type HeaderMappings struct {
	Proxy          *bool `yaml:"proxy,omitempty" json:"proxy,omitempty"`
	UserID         *bool `yaml:"userid,omitempty" json:"userid,omitempty"`
	Username       *bool `yaml:"username,omitempty" json:"username,omitempty"`
	Organization   *bool `yaml:"org,omitempty" json:"org,omitempty"`
	Email          *bool `yaml:"email,omitempty" json:"email,omitempty"`
	FirstName      *bool `yaml:"firstname,omitempty" json:"firstname,omitempty"`
	LastName       *bool `yaml:"lastname,omitempty" json:"lastname,omitempty"`
	Telephone      *bool `yaml:"tel,omitempty" json:"tel,omitempty"`
	Roles          *bool `yaml:"roles,omitempty" json:"roles,omitempty"`
	LastUpdated    *bool `yaml:"lastupdated,omitempty" json:"lastupdated,omitempty"`
	Address        *bool `yaml:"address,omitempty" json:"address,omitempty"`
	Title          *bool `yaml:"title,omitempty" json:"title,omitempty"`
	Notes          *bool `yaml:"notes,omitempty" json:"notes,omitempty"`
	PasswordExpiry *bool `yaml:"passwordexpiry,omitempty" json:"passwordexpiry,omitempty"`
	ExternalAuth   *bool `yaml:"externalauth,omitempty" json:"externalauth,omitempty"`

	// JSON emits the whole identity as a single JSON payload header.
	JSON *bool `yaml:"json,omitempty" json:"json,omitempty"`

	// Extras gates verbose fields: full name and organization display name.
	Extras *bool `yaml:"extras,omitempty" json:"extras,omitempty"`
}

// DefaultHeaderMappings returns the default configuration: every switch unset.
func DefaultHeaderMappings() HeaderMappings {
	return HeaderMappings{}
}

// StandardHeaderMappings returns the gateway-wide defaults used when the
// configuration file does not declare any: all discrete headers on, extras
// and JSON off.
func StandardHeaderMappings() HeaderMappings {
	return DefaultHeaderMappings().EnableAll().With(HeaderExtrasSwitch, false)
}

// Switch names for the non-discrete toggles, usable with With.
const (
	HeaderJSONSwitch   HeaderKind = "json"
	HeaderExtrasSwitch HeaderKind = "extras"
)

func (m *HeaderMappings) slot(kind HeaderKind) **bool {
	switch kind {
	case HeaderProxy:
		return &m.Proxy
	case HeaderUserID:
		return &m.UserID
	case HeaderUsername:
		return &m.Username
	case HeaderOrganization:
		return &m.Organization
	case HeaderEmail:
		return &m.Email
	case HeaderFirstName:
		return &m.FirstName
	case HeaderLastName:
		return &m.LastName
	case HeaderTelephone:
		return &m.Telephone
	case HeaderRoles:
		return &m.Roles
	case HeaderLastUpdated:
		return &m.LastUpdated
	case HeaderAddress:
		return &m.Address
	case HeaderTitle:
		return &m.Title
	case HeaderNotes:
		return &m.Notes
	case HeaderPasswordExpiry:
		return &m.PasswordExpiry
	case HeaderExternalAuth:
		return &m.ExternalAuth
	case HeaderJSONSwitch:
		return &m.JSON
	case HeaderExtrasSwitch:
		return &m.Extras
	default:
		return nil
	}
}

func allSwitches() []HeaderKind {
	return append(HeaderKinds(), HeaderJSONSwitch, HeaderExtrasSwitch)
}

// Enabled reports whether the switch for kind is explicitly enabled.
func (m HeaderMappings) Enabled(kind HeaderKind) bool {
	s := m.slot(kind)
	return s != nil && *s != nil && **s
}

// JSONEnabled reports whether the single JSON payload mode is on.
func (m HeaderMappings) JSONEnabled() bool {
	return m.Enabled(HeaderJSONSwitch)
}

// ExtrasEnabled reports whether verbose fields are on.
func (m HeaderMappings) ExtrasEnabled() bool {
	return m.Enabled(HeaderExtrasSwitch)
}

// With returns a copy with the switch for kind explicitly set to value.
// Unknown kinds are ignored.
func (m HeaderMappings) With(kind HeaderKind, value bool) HeaderMappings {
	out := m.Copy()
	if s := out.slot(kind); s != nil {
		*s = boolPtr(value)
	}
	return out
}

// EnableAll returns a copy with every discrete header and extras enabled.
// The JSON mode switch is left as is.
func (m HeaderMappings) EnableAll() HeaderMappings {
	out := m.Copy()
	for _, kind := range HeaderKinds() {
		*out.slot(kind) = boolPtr(true)
	}
	out.Extras = boolPtr(true)
	return out
}

// DisableAll returns a copy with every switch, JSON and extras included,
// explicitly disabled.
func (m HeaderMappings) DisableAll() HeaderMappings {
	out := HeaderMappings{}
	for _, kind := range allSwitches() {
		*out.slot(kind) = boolPtr(false)
	}
	return out
}

// Copy returns an independent deep copy.
func (m HeaderMappings) Copy() HeaderMappings {
	out := HeaderMappings{}
	for _, kind := range allSwitches() {
		if v := *m.slot(kind); v != nil {
			*out.slot(kind) = boolPtr(*v)
		}
	}
	return out
}

// Merge returns a new configuration where every switch explicitly set in
// other overrides the receiver's value. Neither operand is modified.
func (m HeaderMappings) Merge(other HeaderMappings) HeaderMappings {
	out := m.Copy()
	for _, kind := range allSwitches() {
		if v := *other.slot(kind); v != nil {
			*out.slot(kind) = boolPtr(*v)
		}
	}
	return out
}

// AnyEnabled reports whether at least one switch is on.
func (m HeaderMappings) AnyEnabled() bool {
	for _, kind := range allSwitches() {
		if m.Enabled(kind) {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool {
	return &b
}
