// Package token issues and verifies the JWTs the authorization server
// hands out: signed access tokens, OIDC identity tokens, and UMA
// requesting-party tokens carrying a permissions claim. Refresh tokens
// are opaque and live only in the token store.
package token

import (
	"errors"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/gatekit/oauth/keys"
)

var (
	// ErrInvalidSignature is returned when a JWS fails verification.
	ErrInvalidSignature = errors.New("token: invalid signature")

	// ErrKeyNotFound is returned when the token's kid matches no known key.
	ErrKeyNotFound = errors.New("token: signing key not found")

	// ErrTokenExpired is returned when the token's validity window has closed.
	ErrTokenExpired = errors.New("token: expired")

	// ErrInvalidToken is returned for tokens that cannot be parsed or whose
	// claims fail validation for reasons other than expiry.
	ErrInvalidToken = errors.New("token: invalid")
)

// KeySource supplies signing and verification keys. *keys.Store satisfies it.
type KeySource interface {
	GetSigningKey(algorithm string) (*keys.SigningKey, error)
	GetPublicKeys() jose.JSONWebKeySet
}

// Claims is the JWT payload this server issues. The embedded jwt.Claims
// carries the registered claims; the rest are OIDC and UMA extensions.
type Claims struct {
	jwt.Claims
	Nonce           string           `json:"nonce,omitempty"`
	AuthTime        *jwt.NumericDate `json:"auth_time,omitempty"`
	AMR             []string         `json:"amr,omitempty"`
	AuthorizedParty string           `json:"azp,omitempty"`
	ClientID        string           `json:"client_id,omitempty"`
	Scope           string           `json:"scope,omitempty"`
	Permissions     []Permission     `json:"permissions,omitempty"`
}

// Permission is one granted resource/scope pair inside an RPT.
type Permission struct {
	ResourceID     string   `json:"resource_id"`
	ResourceScopes []string `json:"resource_scopes"`
}
