package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/gatekit/oauth/instrumentation"
	"github.com/gatekit/oauth/keys"
	"github.com/gatekit/oauth/security"
	"github.com/gatekit/oauth/storage"
	"github.com/gatekit/oauth/token"
)

// Grant types accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeUMATicket         = "urn:ietf:params:oauth:grant-type:uma-ticket"
	GrantTypeImplicit          = "implicit"
)

// Response types accepted at the authorization endpoint. Hybrid requests are
// space-separated combinations of these.
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// safeTruncate safely truncates a string to maxLen characters without
// panicking. Used when logging token material.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ResourceOwnerAuthenticator verifies resource owner credentials for the
// password grant. Implementations live outside this module.
type ResourceOwnerAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (*storage.ResourceOwner, error)
}

// ConfirmationCodeSender delivers one-time confirmation codes out of band
// (SMS, email). Implementations live outside this module.
type ConfirmationCodeSender interface {
	Send(ctx context.Context, subject, channel, code string) error
}

// Stores groups the storage backends the server operates on. Every field is
// required except Consents, which defaults to denying all consent checks.
type Stores struct {
	Clients           storage.ClientStore
	Tokens            storage.TokenStore
	Codes             storage.CodeStore
	Devices           storage.DeviceStore
	ConfirmationCodes storage.ConfirmationCodeStore
	Tickets           storage.TicketStore
	ResourceSets      storage.ResourceSetStore
	Policies          storage.PolicyStore
	Consents          storage.ConsentStore
}

// Server implements the authorization server logic: grant handling, the
// authorization workflow, device flow, and the UMA permission/policy engine.
// State lives entirely in the stores; the server itself is safe for
// concurrent use.
type Server struct {
	stores    Stores
	keys      *keys.Store
	generator *token.Generator
	parser    *token.Parser

	authenticator ResourceOwnerAuthenticator
	codeSender    ConfirmationCodeSender

	Encryptor                *security.Encryptor
	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // IP-based rate limiter
	UserRateLimiter          *security.RateLimiter // User-based rate limiter (authenticated requests)
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Metrics                  *instrumentation.Metrics
	Logger                   *slog.Logger
	Config                   *Config
}

// New creates an authorization server. The issuer, every store except
// Consents, and the key store are required.
func New(stores Stores, keyStore *keys.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if stores.Clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if stores.Tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if stores.Codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if stores.Devices == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if stores.ConfirmationCodes == nil {
		return nil, fmt.Errorf("confirmation code store is required")
	}
	if stores.Tickets == nil {
		return nil, fmt.Errorf("ticket store is required")
	}
	if stores.ResourceSets == nil {
		return nil, fmt.Errorf("resource set store is required")
	}
	if stores.Policies == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	if keyStore == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	// An explicitly configured retirement window overrides the one the key
	// store was built with; when unset the store keeps its own.
	if config.KeyRetirementWindow > 0 {
		keyStore.SetRetirementWindow(time.Duration(config.KeyRetirementWindow) * time.Second)
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	generator, err := token.NewGenerator(token.GeneratorConfig{
		Issuer:                   config.Issuer,
		TokenLifetime:            time.Duration(config.TokenLifetime) * time.Second,
		RefreshTokenLifetime:     time.Duration(config.RefreshTokenLifetime) * time.Second,
		RefreshTokensAreInfinite: config.RefreshTokensAreInfinite,
	}, keyStore, stores.Tokens)
	if err != nil {
		return nil, fmt.Errorf("creating token generator: %w", err)
	}
	generator.SetLogger(logger)

	srv := &Server{
		stores:    stores,
		keys:      keyStore,
		generator: generator,
		parser:    token.NewParser(config.Issuer, keyStore, keyStore.Algorithms()),
		Config:    config,
		Logger:    logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	srv.applyCleanupGrace()

	return srv, nil
}

// applyCleanupGrace pushes the configured clock skew grace period into every
// store that delays deletion of expired records.
func (s *Server) applyCleanupGrace() {
	type cleanupGraceSetter interface {
		SetCleanupGrace(time.Duration)
	}
	grace := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	for _, store := range []any{s.stores.Tokens, s.stores.Codes, s.stores.Devices, s.stores.Tickets} {
		if setter, ok := store.(cleanupGraceSetter); ok {
			setter.SetCleanupGrace(grace)
		}
	}
}

// SetEncryptor sets the token encryptor for the server and any store that
// supports at-rest encryption.
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc

	type encryptorSetter interface {
		SetEncryptor(*security.Encryptor)
	}
	if setter, ok := s.stores.Tokens.(encryptorSetter); ok {
		setter.SetEncryptor(enc)
	}
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetUserRateLimiter sets the user-based rate limiter for authenticated requests
func (s *Server) SetUserRateLimiter(rl *security.RateLimiter) {
	s.UserRateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetMetrics attaches OpenTelemetry metrics recording.
func (s *Server) SetMetrics(m *instrumentation.Metrics) {
	s.Metrics = m
}

// SetResourceOwnerAuthenticator wires the external credential verifier used
// by the password grant. Without one the grant is rejected.
func (s *Server) SetResourceOwnerAuthenticator(a ResourceOwnerAuthenticator) {
	s.authenticator = a
}

// SetConfirmationCodeSender wires the out-of-band delivery channel for
// confirmation codes.
func (s *Server) SetConfirmationCodeSender(cs ConfirmationCodeSender) {
	s.codeSender = cs
}

// Keys exposes the signing key store for the JWKS endpoint.
func (s *Server) Keys() *keys.Store {
	return s.keys
}

// TokenParser exposes the verifier used for introspection and RPT claims.
func (s *Server) TokenParser() *token.Parser {
	return s.parser
}

// RotateKeys generates fresh signing keys and retires the previous ones,
// keeping them verifiable within the retirement window.
func (s *Server) RotateKeys(ctx context.Context) error {
	if err := s.keys.RotateKeys(); err != nil {
		return fmt.Errorf("rotating keys: %w", err)
	}
	if s.Metrics != nil {
		s.Metrics.RecordKeyRotation(ctx)
	}
	s.Logger.Info("signing keys rotated")
	return nil
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes, tickets, etc.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
