package token

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/gatekit/oauth/keys"
	"github.com/gatekit/oauth/storage"
)

// generateRandomToken produces an opaque high-entropy token string.
var generateRandomToken = oauth2.GenerateVerifier

// GeneratorConfig configures token issuance. Zero durations fall back to
// the defaults applied by NewGenerator.
type GeneratorConfig struct {
	// Issuer is the iss claim, normally the server's external URL.
	Issuer string

	// Algorithm selects the signing key; defaults to keys.DefaultAlgorithm.
	Algorithm string

	// TokenLifetime is the access and identity token validity window.
	TokenLifetime time.Duration

	// RefreshTokenLifetime bounds refresh tokens unless
	// RefreshTokensAreInfinite is set.
	RefreshTokenLifetime time.Duration

	// RefreshTokensAreInfinite issues refresh tokens with no expiry.
	RefreshTokensAreInfinite bool
}

// Generator builds, signs, and persists granted tokens. Issuance is
// persist-or-fail: a token that cannot be stored is never returned.
type Generator struct {
	issuer          string
	algorithm       string
	tokenLifetime   time.Duration
	refreshLifetime time.Duration
	refreshInfinite bool

	keys   KeySource
	store  storage.TokenStore
	logger *slog.Logger
}

// NewGenerator creates a Generator. Issuer, key source, and token store
// are required.
func NewGenerator(cfg GeneratorConfig, keySource KeySource, store storage.TokenStore) (*Generator, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("token: issuer is required")
	}
	if keySource == nil {
		return nil, fmt.Errorf("token: key source is required")
	}
	if store == nil {
		return nil, fmt.Errorf("token: token store is required")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = keys.DefaultAlgorithm
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = time.Hour
	}
	if cfg.RefreshTokenLifetime <= 0 {
		cfg.RefreshTokenLifetime = 30 * 24 * time.Hour
	}

	return &Generator{
		issuer:          cfg.Issuer,
		algorithm:       cfg.Algorithm,
		tokenLifetime:   cfg.TokenLifetime,
		refreshLifetime: cfg.RefreshTokenLifetime,
		refreshInfinite: cfg.RefreshTokensAreInfinite,
		keys:            keySource,
		store:           store,
		logger:          slog.Default(),
	}, nil
}

// SetLogger replaces the generator's logger. Passing nil keeps the current one.
func (g *Generator) SetLogger(logger *slog.Logger) {
	if logger != nil {
		g.logger = logger
	}
}

// Request describes one token issuance.
type Request struct {
	Subject   string
	ClientID  string
	Audience  []string // defaults to [ClientID]
	Scope     string
	GrantType string

	// Lifetime overrides the configured token lifetime when positive.
	Lifetime time.Duration

	// IssueIDToken adds an OIDC identity token to the response.
	IssueIDToken bool
	Nonce        string
	AuthTime     time.Time
	AMR          []string

	// IssueRefreshToken attaches an opaque refresh token.
	IssueRefreshToken bool

	// Permissions marks the token as an RPT carrying these grants.
	Permissions []storage.TicketLine
}

// Issue signs an access token (and optionally an identity and refresh
// token) and persists the grant. The stored record is returned.
func (g *Generator) Issue(ctx context.Context, req Request) (*storage.GrantedToken, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("token: client ID is required")
	}

	key, err := g.keys.GetSigningKey(g.algorithm)
	if err != nil {
		return nil, fmt.Errorf("signing key unavailable: %w", err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(key.Algorithm),
		Key:       jose.JSONWebKey{Key: key.Signer, KeyID: key.KeyID},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	lifetime := g.tokenLifetime
	if req.Lifetime > 0 {
		lifetime = req.Lifetime
	}
	audience := req.Audience
	if len(audience) == 0 {
		audience = []string{req.ClientID}
	}
	jti := uuid.NewString()

	accessClaims := Claims{
		Claims: jwt.Claims{
			Issuer:   g.issuer,
			Subject:  req.Subject,
			Audience: jwt.Audience(audience),
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(lifetime)),
			ID:       jti,
		},
		ClientID:        req.ClientID,
		AuthorizedParty: req.ClientID,
		Scope:           req.Scope,
	}
	for _, line := range req.Permissions {
		accessClaims.Permissions = append(accessClaims.Permissions, Permission{
			ResourceID:     line.ResourceID,
			ResourceScopes: line.Scopes,
		})
	}

	accessToken, err := jwt.Signed(signer).Claims(accessClaims).Serialize()
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	var idToken string
	if req.IssueIDToken {
		idClaims := Claims{
			Claims: jwt.Claims{
				Issuer:   g.issuer,
				Subject:  req.Subject,
				Audience: jwt.Audience{req.ClientID},
				IssuedAt: jwt.NewNumericDate(now),
				Expiry:   jwt.NewNumericDate(now.Add(lifetime)),
				ID:       uuid.NewString(),
			},
			Nonce:           req.Nonce,
			AMR:             req.AMR,
			AuthorizedParty: req.ClientID,
		}
		if !req.AuthTime.IsZero() {
			idClaims.AuthTime = jwt.NewNumericDate(req.AuthTime)
		}
		idToken, err = jwt.Signed(signer).Claims(idClaims).Serialize()
		if err != nil {
			return nil, fmt.Errorf("signing identity token: %w", err)
		}
	}

	granted := &storage.GrantedToken{
		ID:             jti,
		AccessToken:    accessToken,
		TokenType:      "Bearer",
		IDToken:        idToken,
		Scope:          req.Scope,
		ClientID:       req.ClientID,
		Subject:        req.Subject,
		GrantType:      req.GrantType,
		CreateDateTime: now,
		ExpiresIn:      int64(lifetime.Seconds()),
	}
	if req.IssueRefreshToken {
		granted.RefreshToken = generateRandomToken()
		if !g.refreshInfinite {
			granted.RefreshExpires = now.Add(g.refreshLifetime)
		}
	}

	if err := g.store.SaveGrantedToken(ctx, granted); err != nil {
		return nil, fmt.Errorf("persisting granted token: %w", err)
	}

	g.logger.Debug("issued token",
		"client_id", req.ClientID,
		"grant_type", req.GrantType,
		"key_id", key.KeyID,
		"expires_in", granted.ExpiresIn,
		"refresh_token", req.IssueRefreshToken,
		"id_token", req.IssueIDToken,
	)
	return granted, nil
}
