package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Directory backend types.
const (
	DirectoryTypeNone   = "none"
	DirectoryTypeMemory = "memory"
	DirectoryTypeRedis  = "redis"
	DirectoryTypeSQL    = "sql"
)

// SQL drivers.
const (
	SQLDriverSQLite   = "sqlite"
	SQLDriverPostgres = "postgres"
)

// Notification publisher types.
const (
	NotificationTypeNone    = "none"
	NotificationTypeChannel = "channel"
	NotificationTypeRedis   = "redis"
)

// Defaults.
const (
	DefaultListenAddress      = ":8080"
	DefaultAdminListenAddress = ":9090"
	DefaultReadTimeout        = 30 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultDirectoryTimeout   = 5 * time.Second
	DefaultMaxConcurrency     = 64
	DefaultBreakerThreshold   = 5
	DefaultBreakerTimeout     = 30 * time.Second
	DefaultRedisKeyPrefix     = "identity:"
	DefaultLookupRetries      = 3
	DefaultNotificationBuffer = 256
	DefaultRedisChannel       = "identity.account.created"
	DefaultRoleName           = "USER"
	DefaultProtectedPattern   = "(?i)^sec-"
	DefaultVaultTimeout       = 10 * time.Second
	DefaultTokenHeader        = "Authorization"
	DefaultJWKSRefresh        = time.Hour
)

// Default pre-authentication header names.
const (
	DefaultPreAuthFlagHeader       = "X-Preauthenticated"
	DefaultPreAuthUsernameHeader   = "X-Preauth-Username"
	DefaultPreAuthEmailHeader      = "X-Preauth-Email"
	DefaultPreAuthFirstNameHeader  = "X-Preauth-Firstname"
	DefaultPreAuthLastNameHeader   = "X-Preauth-Lastname"
	DefaultPreAuthOrgHeader        = "X-Preauth-Org"
	DefaultPreAuthProviderHeader   = "X-Preauth-Provider"
	DefaultPreAuthProviderIDHeader = "X-Preauth-Provider-Id"
)

// Config is the root identity gateway configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Security      SecurityConfig      `yaml:"security"`
	PreAuth       PreAuthConfig       `yaml:"preauth"`
	Federation    FederationConfig    `yaml:"federation"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Accounts      AccountsConfig      `yaml:"accounts"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Vault         VaultConfig         `yaml:"vault"`

	// Headers is the gateway-wide header mapping, overridden per route.
	Headers *HeaderMappings `yaml:"headers,omitempty"`

	Routes []RouteConfig `yaml:"routes"`
}

// ServerConfig configures the gateway and admin listeners.
type ServerConfig struct {
	Listen          string   `yaml:"listen"`
	AdminListen     string   `yaml:"adminListen"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// SecurityConfig configures the inbound header sanitizer.
type SecurityConfig struct {
	// ProtectedHeaderPatterns are regular expressions matched against
	// inbound header names. Matching headers are removed.
	ProtectedHeaderPatterns []string `yaml:"protectedHeaderPatterns"`

	// StripBasicAuth removes Authorization headers carrying Basic credentials.
	StripBasicAuth *bool `yaml:"stripBasicAuth,omitempty"`
}

// StripBasicAuthEnabled returns the effective StripBasicAuth value (default true).
func (c SecurityConfig) StripBasicAuthEnabled() bool {
	return c.StripBasicAuth == nil || *c.StripBasicAuth
}

// CompileProtectedPatterns compiles the protected header patterns, case
// insensitively. No patterns means DefaultProtectedPattern.
func (c SecurityConfig) CompileProtectedPatterns() ([]*regexp.Regexp, error) {
	patterns := c.ProtectedHeaderPatterns
	if len(patterns) == 0 {
		patterns = []string{DefaultProtectedPattern}
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if !strings.HasPrefix(p, "(?i)") {
			p = "(?i)" + p
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid protected header pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// PreAuthConfig configures trusted pre-authenticated headers from an
// upstream proxy.
type PreAuthConfig struct {
	Enabled bool `yaml:"enabled"`

	// TrustedProxies lists CIDRs allowed to send pre-authentication headers.
	// An empty list trusts every peer.
	TrustedProxies []string `yaml:"trustedProxies"`

	Headers PreAuthHeaders `yaml:"headers"`
}

// PreAuthHeaders names the inbound pre-authentication headers.
type PreAuthHeaders struct {
	Flag         string `yaml:"flag"`
	Username     string `yaml:"username"`
	Email        string `yaml:"email"`
	FirstName    string `yaml:"firstName"`
	LastName     string `yaml:"lastName"`
	Organization string `yaml:"organization"`
	Provider     string `yaml:"provider"`
	ProviderID   string `yaml:"providerId"`
}

// Names returns every configured pre-authentication header name.
func (h PreAuthHeaders) Names() []string {
	names := []string{h.Flag, h.Username, h.Email, h.FirstName, h.LastName, h.Organization, h.Provider, h.ProviderID}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// DirectoryConfig configures the account directory backend.
type DirectoryConfig struct {
	Type           string               `yaml:"type"`
	Timeout        Duration             `yaml:"timeout"`
	MaxConcurrency int                  `yaml:"maxConcurrency"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	Redis          RedisDirectoryConfig `yaml:"redis"`
	SQL            SQLDirectoryConfig   `yaml:"sql"`
}

// IsConfigured reports whether a directory backend is selected.
func (c DirectoryConfig) IsConfigured() bool {
	return c.Type != "" && c.Type != DirectoryTypeNone
}

// CircuitBreakerConfig configures the directory circuit breaker.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold int      `yaml:"threshold"`
	Timeout   Duration `yaml:"timeout"`
}

// RedisDirectoryConfig configures the Redis directory backend.
type RedisDirectoryConfig struct {
	URL               string `yaml:"url"`
	KeyPrefix         string `yaml:"keyPrefix"`
	PoolSize          int    `yaml:"poolSize"`
	PasswordVaultPath string `yaml:"passwordVaultPath"`
}

// SQLDirectoryConfig configures the SQL directory backend.
type SQLDirectoryConfig struct {
	Driver            string `yaml:"driver"`
	SQLitePath        string `yaml:"sqlitePath"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Database          string `yaml:"database"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	PasswordVaultPath string `yaml:"passwordVaultPath"`
	SSLMode           string `yaml:"sslMode"`
	MaxOpenConns      int    `yaml:"maxOpenConns"`
}

// FederationConfig configures verification of ID tokens forwarded by the
// federated login flow.
type FederationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`

	// TokenHeader carries the ID token. "Authorization" expects the Bearer
	// scheme; any other header carries the raw token.
	TokenHeader string `yaml:"tokenHeader"`

	JWKSURL     string   `yaml:"jwksUrl"`
	JWKSRefresh Duration `yaml:"jwksRefresh"`
	Issuer      string   `yaml:"issuer"`
	Audience    string   `yaml:"audience"`

	Claims ClaimsConfig `yaml:"claims"`
}

// ClaimsConfig names the token claims holding user attributes. Nested claims
// use dot notation.
type ClaimsConfig struct {
	Username     string `yaml:"username"`
	Email        string `yaml:"email"`
	FirstName    string `yaml:"firstName"`
	LastName     string `yaml:"lastName"`
	Organization string `yaml:"organization"`
	Roles        string `yaml:"roles"`
}

// AccountsConfig configures account provisioning.
type AccountsConfig struct {
	// Provisioning creates durable accounts for first-seen federated or
	// pre-authenticated identities. Requires a directory backend.
	Provisioning bool `yaml:"provisioning"`

	// DefaultRoles are ensured to exist and granted to new accounts.
	DefaultRoles []string `yaml:"defaultRoles"`

	// UpdateOnLogin refreshes stored attributes from federated claims.
	UpdateOnLogin bool `yaml:"updateOnLogin"`

	// LookupRetries bounds re-lookups after an "already exists" conflict.
	LookupRetries int `yaml:"lookupRetries"`
}

// NotificationsConfig configures AccountCreated publication.
type NotificationsConfig struct {
	Type         string `yaml:"type"`
	BufferSize   int    `yaml:"bufferSize"`
	RedisURL     string `yaml:"redisUrl"`
	RedisChannel string `yaml:"redisChannel"`
}

// VaultConfig configures HashiCorp Vault access for directory secrets.
type VaultConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Address   string   `yaml:"address"`
	Token     string   `yaml:"token"`
	Namespace string   `yaml:"namespace"`
	Timeout   Duration `yaml:"timeout"`
}

// RouteConfig binds identity header policy to a destination route.
type RouteConfig struct {
	ID         string          `yaml:"id"`
	PathPrefix string          `yaml:"pathPrefix"`
	Upstream   string          `yaml:"upstream"`
	Headers    *HeaderMappings `yaml:"headers,omitempty"`
}

// EffectiveHeaders returns the global mapping merged with the route override.
func (c *Config) EffectiveHeaders(route *RouteConfig) HeaderMappings {
	global := StandardHeaderMappings()
	if c.Headers != nil {
		global = c.Headers.Copy()
	}
	if route == nil || route.Headers == nil {
		return global
	}
	return global.Merge(*route.Headers)
}

// ApplyDefaults fills in unset values.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListenAddress
	}
	if c.Server.AdminListen == "" {
		c.Server.AdminListen = DefaultAdminListenAddress
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(DefaultWriteTimeout)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "identity-gateway"
	}

	if len(c.Security.ProtectedHeaderPatterns) == 0 {
		c.Security.ProtectedHeaderPatterns = []string{DefaultProtectedPattern}
	}

	c.PreAuth.Headers.applyDefaults()
	c.Federation.applyDefaults()
	c.Directory.applyDefaults()

	if c.Accounts.LookupRetries <= 0 {
		c.Accounts.LookupRetries = DefaultLookupRetries
	}
	if c.Accounts.DefaultRoles == nil {
		c.Accounts.DefaultRoles = []string{DefaultRoleName}
	}

	if c.Notifications.Type == "" {
		c.Notifications.Type = NotificationTypeNone
	}
	if c.Notifications.BufferSize <= 0 {
		c.Notifications.BufferSize = DefaultNotificationBuffer
	}
	if c.Notifications.RedisChannel == "" {
		c.Notifications.RedisChannel = DefaultRedisChannel
	}
	if c.Notifications.RedisURL == "" && c.Directory.Type == DirectoryTypeRedis {
		c.Notifications.RedisURL = c.Directory.Redis.URL
	}

	if c.Vault.Timeout == 0 {
		c.Vault.Timeout = Duration(DefaultVaultTimeout)
	}
}

func (h *PreAuthHeaders) applyDefaults() {
	defaults := []struct {
		field *string
		value string
	}{
		{&h.Flag, DefaultPreAuthFlagHeader},
		{&h.Username, DefaultPreAuthUsernameHeader},
		{&h.Email, DefaultPreAuthEmailHeader},
		{&h.FirstName, DefaultPreAuthFirstNameHeader},
		{&h.LastName, DefaultPreAuthLastNameHeader},
		{&h.Organization, DefaultPreAuthOrgHeader},
		{&h.Provider, DefaultPreAuthProviderHeader},
		{&h.ProviderID, DefaultPreAuthProviderIDHeader},
	}
	for _, d := range defaults {
		if *d.field == "" {
			*d.field = d.value
		}
	}
}

func (c *FederationConfig) applyDefaults() {
	if c.TokenHeader == "" {
		c.TokenHeader = DefaultTokenHeader
	}
	if c.JWKSRefresh == 0 {
		c.JWKSRefresh = Duration(DefaultJWKSRefresh)
	}
	defaults := []struct {
		field *string
		value string
	}{
		{&c.Claims.Username, "preferred_username"},
		{&c.Claims.Email, "email"},
		{&c.Claims.FirstName, "given_name"},
		{&c.Claims.LastName, "family_name"},
		{&c.Claims.Organization, "org"},
		{&c.Claims.Roles, "roles"},
	}
	for _, d := range defaults {
		if *d.field == "" {
			*d.field = d.value
		}
	}
}

func (c *DirectoryConfig) applyDefaults() {
	if c.Type == "" {
		c.Type = DirectoryTypeNone
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(DefaultDirectoryTimeout)
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.CircuitBreaker.Threshold <= 0 {
		c.CircuitBreaker.Threshold = DefaultBreakerThreshold
	}
	if c.CircuitBreaker.Timeout == 0 {
		c.CircuitBreaker.Timeout = Duration(DefaultBreakerTimeout)
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Type == DirectoryTypeSQL {
		if c.SQL.Driver == "" {
			c.SQL.Driver = SQLDriverSQLite
		}
		if c.SQL.Driver == SQLDriverPostgres {
			if c.SQL.Port == 0 {
				c.SQL.Port = 5432
			}
			if c.SQL.SSLMode == "" {
				c.SQL.SSLMode = "disable"
			}
			if c.SQL.MaxOpenConns == 0 {
				c.SQL.MaxOpenConns = 25
			}
		}
	}
}
