package tokengate

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/tokengate/tokengate/instrumentation"
)

// Defaults applied by applyDefaults
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = 1 * time.Hour
	DefaultRefreshTokenTTL      = 24 * time.Hour

	DefaultRateLimitPerSecond = 10
	DefaultRateLimitBurst     = 20
	DefaultMaxClientsPerIP    = 5
)

// Config configures a Provider and its Handler.
type Config struct {
	// Issuer is the external base URL of this server, e.g.
	// "https://auth.example.com". Required. Used in discovery metadata and
	// WWW-Authenticate challenges.
	Issuer string

	// AuthorizationCodeTTL is how long an issued code may be exchanged.
	// Defaults to 10 minutes.
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL defaults to 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL defaults to 24 hours.
	RefreshTokenTTL time.Duration

	// SupportedScopes is the full scope vocabulary advertised in discovery
	// metadata and granted to dynamically registered clients that request
	// no narrower set.
	SupportedScopes []string

	// ServiceDocumentation is an optional URL advertised in metadata.
	ServiceDocumentation string

	// TrustProxy enables X-Forwarded-For / X-Real-IP handling. Leave off
	// unless the server sits behind a proxy you control.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies between the client and
	// this server, used to pick the right X-Forwarded-For entry.
	TrustedProxyCount int

	// DisableRateLimiting turns off per-IP rate limiting on the OAuth
	// endpoints. For tests.
	DisableRateLimiting bool

	// RateLimitPerSecond and RateLimitBurst configure the per-IP token
	// bucket. Defaults: 10 req/s, burst 20.
	RateLimitPerSecond int
	RateLimitBurst     int

	// AllowPublicRegistration opens POST /oauth/register to anyone.
	// Off by default; prefer RegistrationAccessToken.
	AllowPublicRegistration bool

	// RegistrationAccessToken gates dynamic registration when public
	// registration is disabled. Presented as a bearer token.
	RegistrationAccessToken string

	// MaxClientsPerIP caps dynamic registrations per client IP.
	// Defaults to 5; zero or negative after explicit opt-out disables it.
	MaxClientsPerIP int

	// AuditLogs enables security audit events. On by default.
	AuditLogs *bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation is optional; when nil a disabled (no-op) instance
	// is created.
	Instrumentation *instrumentation.Instrumentation
}

// applyDefaults fills zero values with secure defaults and warns about
// explicitly insecure choices.
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = DefaultRateLimitPerSecond
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.MaxClientsPerIP == 0 {
		c.MaxClientsPerIP = DefaultMaxClientsPerIP
	}
	if c.AuditLogs == nil {
		enabled := true
		c.AuditLogs = &enabled
	}

	if c.AllowPublicRegistration {
		c.Logger.Warn("public client registration is enabled; any caller can register OAuth clients")
	}
	if c.DisableRateLimiting {
		c.Logger.Warn("rate limiting is disabled on OAuth endpoints")
	}
}

// Validate checks the configuration for errors that make the engine unusable.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("issuer must use http or https, got %q", u.Scheme)
	}
	if u.Scheme == "http" && !isLoopbackHost(u.Hostname()) {
		c.Logger.Warn("issuer uses plain http on a non-loopback host; tokens will travel unencrypted",
			"issuer", c.Issuer)
	}
	if u.Fragment != "" || u.RawQuery != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	return nil
}

// auditEnabled reports whether audit logging is on
func (c *Config) auditEnabled() bool {
	return c.AuditLogs != nil && *c.AuditLogs
}

// issuerBase returns the issuer with any trailing slash removed
func (c *Config) issuerBase() string {
	return strings.TrimRight(c.Issuer, "/")
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
