// Package sanitizer strips inbound headers that could forge an identity:
// anything in the protected header namespace, Basic credentials, and
// pre-authentication headers from peers that are not trusted proxies.
package sanitizer

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/headers"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// Strip reasons recorded in metrics.
const (
	ReasonProtected        = "protected"
	ReasonBasicAuth        = "basic_auth"
	ReasonUntrustedPreAuth = "untrusted_preauth"
)

const basicScheme = "basic"

// Sanitizer removes spoofable headers. It is safe for concurrent use.
type Sanitizer struct {
	patterns       []*regexp.Regexp
	reserved       map[string]struct{}
	stripBasicAuth bool

	preAuthEnabled bool
	preAuthHeaders []string
	trustedCIDRs   []*net.IPNet

	logger  observability.Logger
	metrics *observability.Metrics
}

// Option is a functional option for configuring the Sanitizer.
type Option func(*Sanitizer)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Sanitizer) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Sanitizer) {
		s.metrics = metrics
	}
}

// New compiles the configured patterns and trusted proxy ranges.
func New(security config.SecurityConfig, preAuth config.PreAuthConfig, opts ...Option) (*Sanitizer, error) {
	patterns, err := security.CompileProtectedPatterns()
	if err != nil {
		return nil, err
	}

	s := &Sanitizer{
		patterns:       patterns,
		reserved:       make(map[string]struct{}, len(headers.Names())),
		stripBasicAuth: security.StripBasicAuthEnabled(),
		preAuthEnabled: preAuth.Enabled,
		preAuthHeaders: preAuth.Headers.Names(),
		logger:         observability.NopLogger(),
	}

	// Outbound identity headers are stripped whatever patterns are configured.
	for _, name := range headers.Names() {
		s.reserved[http.CanonicalHeaderKey(name)] = struct{}{}
	}
	for _, name := range s.preAuthHeaders {
		if s.preAuthEnabled && s.isProtected(name) {
			return nil, fmt.Errorf("pre-authentication header %q is a protected header", name)
		}
	}

	for _, proxy := range preAuth.TrustedProxies {
		cidr, err := parseCIDR(proxy)
		if err != nil {
			return nil, err
		}
		s.trustedCIDRs = append(s.trustedCIDRs, cidr)
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// parseCIDR accepts a CIDR or a single address.
func parseCIDR(value string) (*net.IPNet, error) {
	if _, cidr, err := net.ParseCIDR(value); err == nil {
		return cidr, nil
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return nil, fmt.Errorf("invalid trusted proxy %q", value)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128 //nolint:mnd // IPv6 prefix length
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Sanitize strips spoofable headers from r in place and returns how many
// header names were removed.
func (s *Sanitizer) Sanitize(r *http.Request) int {
	return s.SanitizeHeader(r.Header, s.trustsPeer(r.RemoteAddr))
}

// SanitizeHeader strips spoofable headers from h. trustedPeer says whether
// the connection comes from a trusted upstream proxy.
func (s *Sanitizer) SanitizeHeader(h http.Header, trustedPeer bool) int {
	stripped := 0

	for name := range h {
		if s.isProtected(name) {
			h.Del(name)
			s.record(name, ReasonProtected)
			stripped++
		}
	}

	if s.stripBasicAuth && s.stripBasic(h) {
		s.record("Authorization", ReasonBasicAuth)
		stripped++
	}

	if !s.preAuthEnabled || !trustedPeer {
		for _, name := range s.preAuthHeaders {
			if _, ok := h[http.CanonicalHeaderKey(name)]; ok {
				h.Del(name)
				s.record(name, ReasonUntrustedPreAuth)
				stripped++
			}
		}
	}

	return stripped
}

// TrustsPeer reports whether remoteAddr may send pre-authentication headers.
func (s *Sanitizer) TrustsPeer(remoteAddr string) bool {
	return s.trustsPeer(remoteAddr)
}

func (s *Sanitizer) trustsPeer(remoteAddr string) bool {
	if !s.preAuthEnabled {
		return false
	}
	if len(s.trustedCIDRs) == 0 {
		return true
	}

	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range s.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Sanitizer) isProtected(name string) bool {
	if _, ok := s.reserved[http.CanonicalHeaderKey(name)]; ok {
		return true
	}
	for _, re := range s.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// stripBasic removes Basic credentials, keeping any other Authorization
// values.
func (s *Sanitizer) stripBasic(h http.Header) bool {
	values := h.Values("Authorization")
	if len(values) == 0 {
		return false
	}

	kept := make([]string, 0, len(values))
	for _, v := range values {
		scheme, _, _ := strings.Cut(strings.TrimSpace(v), " ")
		if !strings.EqualFold(scheme, basicScheme) {
			kept = append(kept, v)
		}
	}
	if len(kept) == len(values) {
		return false
	}

	h.Del("Authorization")
	for _, v := range kept {
		h.Add("Authorization", v)
	}
	return true
}

func (s *Sanitizer) record(name, reason string) {
	s.metrics.RecordSanitized(reason)
	s.logger.Debug("stripped inbound header",
		observability.String("header", name),
		observability.String("reason", reason),
	)
}
