package server

import (
	"log/slog"
)

// Config holds the authorization server configuration. Durations are
// expressed in seconds to keep the struct trivially serializable.
type Config struct {
	// Issuer is the server's issuer identifier (base URL). It becomes the
	// iss claim of every signed token and the root of the discovery
	// documents.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// TokenLifetime is how long access and identity tokens are valid
	TokenLifetime int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenLifetime is how long refresh tokens are valid
	RefreshTokenLifetime int64 // seconds, default: 2592000 (30 days)

	// RefreshTokensAreInfinite issues refresh tokens without expiry
	// WARNING: A leaked infinite refresh token stays usable until revoked
	// Default: false
	RefreshTokensAreInfinite bool

	// DeviceCodeTTL is how long a device authorization stays redeemable
	DeviceCodeTTL int64 // seconds, default: 600 (10 minutes)

	// DeviceCodePollInterval is the minimum interval between device token
	// polls, returned as "interval" in the device authorization response
	DeviceCodePollInterval int64 // seconds, default: 5

	// RptLifetime is how long requesting-party tokens are valid
	RptLifetime int64 // seconds, default: 3600 (1 hour)

	// TicketLifetime is how long UMA permission tickets stay redeemable
	TicketLifetime int64 // seconds, default: 3600 (1 hour)

	// ConfirmationCodeTTL is how long one-time confirmation codes are valid
	ConfirmationCodeTTL int64 // seconds, default: 300 (5 minutes)

	// ClockSkewGracePeriod is the grace period for record cleanup (in seconds)
	// Validity checks themselves are strict; the grace only delays deletion
	// so expired artifacts are reported as expired rather than missing
	ClockSkewGracePeriod int64 // seconds, default: 5

	// KeyRetirementWindow is how long rotated signing keys remain published
	// for verification of already-issued tokens
	KeyRetirementWindow int64 // seconds, default: 86400 (24 hours)

	// SupportedScopes lists the scopes this server recognizes
	// If empty, any syntactically valid scope is allowed
	SupportedScopes []string

	// RequirePKCE enforces PKCE for all authorization code requests
	// WARNING: Disabling this significantly weakens security
	// When true, code_challenge parameter is mandatory (secure by default)
	// Default: true
	RequirePKCE bool // default: true

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// WARNING: The 'plain' method is insecure and deprecated in OAuth 2.1
	// Only enable for backward compatibility with legacy clients
	// When false, only S256 method is accepted (secure by default)
	// Default: false
	AllowPKCEPlain bool // default: false

	// AllowInsecureHTTP permits an http:// issuer outside localhost
	// WARNING: Only for isolated test environments
	// Default: false
	AllowInsecureHTTP bool // default: false

	// MinStateLength is the minimum accepted length of the state parameter
	// on authorization requests
	MinStateLength int // default: 8

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// When false, uses direct connection IP (secure by default)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the client IP from
	// X-Forwarded-For
	TrustedProxyCount int // default: 1

	// MaxClientsPerIP limits client registrations per IP address
	// Prevents DoS via mass client registration
	// Default: 10
	MaxClientsPerIP int // default: 10

	// RotationAccessToken is the token required to trigger key rotation
	// through the admin surface. Rotation requests fail when unset.
	RotationAccessToken string

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns
	// (regex) for validating custom redirect URIs (e.g., myapp://)
	// Empty list allows all RFC 3986 compliant schemes
	AllowedCustomSchemes []string
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.TokenLifetime == 0 {
		config.TokenLifetime = 3600 // 1 hour
	}
	if config.RefreshTokenLifetime == 0 {
		config.RefreshTokenLifetime = 2592000 // 30 days
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = 600 // 10 minutes
	}
	if config.DeviceCodePollInterval == 0 {
		config.DeviceCodePollInterval = 5
	}
	if config.RptLifetime == 0 {
		config.RptLifetime = 3600 // 1 hour
	}
	if config.TicketLifetime == 0 {
		config.TicketLifetime = 3600 // 1 hour
	}
	if config.ConfirmationCodeTTL == 0 {
		config.ConfirmationCodeTTL = 300 // 5 minutes
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.KeyRetirementWindow == 0 {
		config.KeyRetirementWindow = 86400 // 24 hours
	}
	if config.MinStateLength == 0 {
		config.MinStateLength = 8
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = 10
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration
// Uses a heuristic to detect if config is new (all security bools false) vs explicitly configured
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	// Heuristic: if all security bools are false, it's likely a fresh config
	isDefaultConfig := !config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.RefreshTokensAreInfinite &&
		!config.TrustProxy

	if isDefaultConfig {
		config.RequirePKCE = true
		config.AllowPKCEPlain = false
		config.TrustProxy = false
		return
	}

	// User has explicitly configured security - log warnings for insecure settings
	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is DISABLED",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true for OAuth 2.1 compliance",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-7.6")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.RefreshTokensAreInfinite {
		logger.Warn("⚠️  SECURITY WARNING: Refresh tokens never expire",
			"risk", "A leaked refresh token stays usable until explicitly revoked",
			"recommendation", "Set RefreshTokensAreInfinite=false and rely on RefreshTokenLifetime")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.RotationAccessToken == "" {
		logger.Warn("⚠️  CONFIGURATION WARNING: RotationAccessToken not configured",
			"risk", "Key rotation requests through the admin surface will fail",
			"recommendation", "Set RotationAccessToken to a high-entropy secret")
	}
}
