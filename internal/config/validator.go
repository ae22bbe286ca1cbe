package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidConfig is matched by every validation failure via errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// Is makes every validation failure match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Validator validates identity gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates a configuration. A non-nil result must abort startup.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&cfg.Server)
	v.validateSecurity(&cfg.Security)
	v.validatePreAuth(&cfg.PreAuth, &cfg.Security)
	v.validateFederation(&cfg.Federation)
	v.validateDirectory(&cfg.Directory, &cfg.Vault)
	v.validateAccounts(cfg)
	v.validateNotifications(cfg)
	v.validateRoutes(cfg.Routes)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.Listen == "" {
		v.addError("server.listen", "listen address is required")
	}
	if s.Listen != "" && s.Listen == s.AdminListen {
		v.addError("server.adminListen", "admin listener must differ from the gateway listener")
	}
}

func (v *Validator) validateSecurity(s *SecurityConfig) {
	for i, p := range s.ProtectedHeaderPatterns {
		if _, err := regexp.Compile(p); err != nil {
			v.addError(fmt.Sprintf("security.protectedHeaderPatterns[%d]", i),
				fmt.Sprintf("invalid pattern %q: %v", p, err))
		}
	}
}

func (v *Validator) validatePreAuth(p *PreAuthConfig, s *SecurityConfig) {
	if !p.Enabled {
		return
	}
	v.validatePreAuthHeaderNames(p, s)
	if p.Headers.Flag == "" {
		v.addError("preauth.headers.flag", "flag header name is required")
	}
	if p.Headers.Username == "" {
		v.addError("preauth.headers.username", "username header name is required")
	}
	for i, cidr := range p.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil && net.ParseIP(cidr) == nil {
			v.addError(fmt.Sprintf("preauth.trustedProxies[%d]", i),
				fmt.Sprintf("invalid CIDR %q", cidr))
		}
	}
}

// validatePreAuthHeaderNames rejects pre-authentication header names that the
// sanitizer would strip before they are read. The sec- namespace is always
// reserved for outbound identity headers.
func (v *Validator) validatePreAuthHeaderNames(p *PreAuthConfig, s *SecurityConfig) {
	patterns, err := s.CompileProtectedPatterns()
	if err != nil {
		// Reported by validateSecurity.
		return
	}
	patterns = append(patterns, regexp.MustCompile(DefaultProtectedPattern))

	for _, name := range p.Headers.Names() {
		for _, re := range patterns {
			if re.MatchString(name) {
				v.addError("preauth.headers",
					fmt.Sprintf("header %q matches protected pattern %q and would be stripped", name, re.String()))
				break
			}
		}
	}
}

func (v *Validator) validateFederation(f *FederationConfig) {
	if !f.Enabled {
		return
	}
	if f.Provider == "" {
		v.addError("federation.provider", "provider name is required")
	}
	u, err := url.Parse(f.JWKSURL)
	if f.JWKSURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		v.addError("federation.jwksUrl", fmt.Sprintf("invalid JWKS URL %q", f.JWKSURL))
	}
	if f.Claims.Username == "" {
		v.addError("federation.claims.username", "username claim is required")
	}
}

func (v *Validator) validateDirectory(d *DirectoryConfig, vault *VaultConfig) {
	switch d.Type {
	case DirectoryTypeNone, DirectoryTypeMemory:
	case DirectoryTypeRedis:
		if d.Redis.URL == "" {
			v.addError("directory.redis.url", "redis URL is required")
		}
		if d.Redis.PasswordVaultPath != "" && !vault.Enabled {
			v.addError("directory.redis.passwordVaultPath", "vault must be enabled to resolve passwords")
		}
	case DirectoryTypeSQL:
		v.validateSQL(&d.SQL, vault)
	default:
		v.addError("directory.type", fmt.Sprintf("unsupported directory type %q", d.Type))
	}

	if d.Timeout < 0 {
		v.addError("directory.timeout", "timeout must not be negative")
	}
}

func (v *Validator) validateSQL(s *SQLDirectoryConfig, vault *VaultConfig) {
	switch s.Driver {
	case SQLDriverSQLite:
		if s.SQLitePath == "" {
			v.addError("directory.sql.sqlitePath", "sqlite path is required")
		}
	case SQLDriverPostgres:
		if s.Host == "" {
			v.addError("directory.sql.host", "postgres host is required")
		}
		if s.Database == "" {
			v.addError("directory.sql.database", "postgres database is required")
		}
		if s.User == "" {
			v.addError("directory.sql.user", "postgres user is required")
		}
	default:
		v.addError("directory.sql.driver", fmt.Sprintf("unsupported SQL driver %q", s.Driver))
	}
	if s.PasswordVaultPath != "" && !vault.Enabled {
		v.addError("directory.sql.passwordVaultPath", "vault must be enabled to resolve passwords")
	}
}

func (v *Validator) validateAccounts(cfg *Config) {
	if cfg.Accounts.Provisioning && !cfg.Directory.IsConfigured() {
		v.addError("accounts.provisioning", "provisioning requires a directory backend")
	}
	for i, role := range cfg.Accounts.DefaultRoles {
		if strings.TrimSpace(role) == "" {
			v.addError(fmt.Sprintf("accounts.defaultRoles[%d]", i), "role name must not be blank")
		}
	}
}

func (v *Validator) validateNotifications(cfg *Config) {
	n := &cfg.Notifications
	switch n.Type {
	case NotificationTypeNone, NotificationTypeChannel:
	case NotificationTypeRedis:
		if n.RedisURL == "" {
			v.addError("notifications.redisUrl", "redis URL is required for redis notifications")
		}
	default:
		v.addError("notifications.type", fmt.Sprintf("unsupported notification type %q", n.Type))
	}
	if n.Type != NotificationTypeNone && !cfg.Accounts.Provisioning {
		v.addError("notifications.type", "notifications require account provisioning")
	}
}

func (v *Validator) validateRoutes(routes []RouteConfig) {
	seen := make(map[string]bool, len(routes))
	for i := range routes {
		r := &routes[i]
		path := fmt.Sprintf("routes[%d]", i)

		if r.ID == "" {
			v.addError(path+".id", "route id is required")
		} else if seen[r.ID] {
			v.addError(path+".id", fmt.Sprintf("duplicate route id %q", r.ID))
		}
		seen[r.ID] = true

		if !strings.HasPrefix(r.PathPrefix, "/") {
			v.addError(path+".pathPrefix", "path prefix must start with /")
		}

		if r.Upstream != "" {
			u, err := url.Parse(r.Upstream)
			if err != nil || u.Scheme == "" || u.Host == "" {
				v.addError(path+".upstream", fmt.Sprintf("invalid upstream URL %q", r.Upstream))
			}
		}
	}
}
