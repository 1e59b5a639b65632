package oauth

import (
	"log/slog"
	"time"
)

// Config holds the HTTP adapter configuration. Protocol behavior (token
// lifetimes, PKCE policy, scopes) lives in server.Config; this struct
// covers only the HTTP surface.
type Config struct {
	// LoginURL is where the authorization endpoint sends an unauthenticated
	// end user. The original authorization request URL is appended as the
	// return_to query parameter. Empty means respond 401.
	LoginURL string

	// ConsentURL is where the authorization endpoint sends an authenticated
	// end user whose consent is not yet on record. Same return_to contract
	// as LoginURL.
	ConsentURL string

	// DeviceVerificationURI is shown to device flow users as
	// verification_uri. Defaults to issuer + "/device".
	DeviceVerificationURI string

	// Registration controls dynamic client registration.
	Registration RegistrationConfig

	// RateLimit configures per-IP request throttling.
	RateLimit RateLimitConfig

	// CORSAllowedOrigins lists origins allowed to call the token,
	// introspection and discovery endpoints from a browser. Empty disables
	// CORS headers.
	CORSAllowedOrigins []string

	// Logger for structured logging (optional, uses slog.Default if not provided)
	Logger *slog.Logger
}

// RegistrationConfig holds dynamic client registration settings
// (secure by default: registration is off unless enabled).
type RegistrationConfig struct {
	// Enabled turns on POST /register.
	Enabled bool

	// AccessToken, when set, is required as a bearer token on registration
	// requests. Empty with Enabled=true means open registration.
	AccessToken string

	// MaxPerWindow limits registrations per IP per window. Zero uses the
	// security package default.
	MaxPerWindow int

	// Window is the registration rate limit window. Zero uses the default.
	Window time.Duration
}

// RateLimitConfig holds per-IP rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

// applyDefaults fills zero values with safe defaults.
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
