package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/gatekit/oauth/storage"
	"github.com/gatekit/oauth/token"
)

// Introspection is the RFC 7662 view of a token. Inactive tokens carry only
// Active=false; no detail about why leaks to the caller.
type Introspection struct {
	Active    bool
	Scope     string
	ClientID  string
	Subject   string
	TokenType string
	Expiry    int64 // unix seconds
	IssuedAt  int64 // unix seconds
	ID        string
}

// Introspect reports the state of an access or refresh token. A token is
// active only when its signature verifies, its grant is still stored, and
// its validity window is open.
func (s *Server) Introspect(ctx context.Context, rawToken string) (*Introspection, error) {
	if rawToken == "" {
		return nil, errInvalidRequest("token is required")
	}

	// Refresh tokens are opaque; try the refresh index first.
	if granted, err := s.stores.Tokens.GetByRefreshToken(ctx, rawToken); err == nil {
		return introspectionFor(granted, nil), nil
	}

	claims, err := s.parser.Verify(rawToken)
	if err != nil {
		return &Introspection{Active: false}, nil
	}
	granted, err := s.stores.Tokens.GetGrantedToken(ctx, rawToken)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
		// Verified signature but revoked or expired grant: inactive.
		return &Introspection{Active: false}, nil
	case err != nil:
		return nil, fmt.Errorf("granted token lookup: %w", err)
	}
	return introspectionFor(granted, claims), nil
}

func introspectionFor(granted *storage.GrantedToken, claims *token.Claims) *Introspection {
	intro := &Introspection{
		Active:    true,
		Scope:     granted.Scope,
		ClientID:  granted.ClientID,
		Subject:   granted.Subject,
		TokenType: granted.TokenType,
		Expiry:    granted.CreateDateTime.Unix() + granted.ExpiresIn,
		IssuedAt:  granted.CreateDateTime.Unix(),
		ID:        granted.ID,
	}
	if claims != nil && claims.Expiry != nil {
		intro.Expiry = claims.Expiry.Time().Unix()
	}
	return intro
}

// Revoke invalidates an access or refresh token presented by its client
// (RFC 7009). Unknown tokens succeed silently per the RFC.
func (s *Server) Revoke(ctx context.Context, rawToken, clientID, clientIP string) error {
	if rawToken == "" {
		return errInvalidRequest("token is required")
	}

	granted, err := s.stores.Tokens.GetByRefreshToken(ctx, rawToken)
	tokenType := "refresh_token"
	if err != nil {
		granted, err = s.stores.Tokens.GetGrantedToken(ctx, rawToken)
		tokenType = "access_token"
	}
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
		return nil
	case err != nil:
		return fmt.Errorf("token lookup: %w", err)
	}

	if granted.ClientID != clientID {
		// RFC 7009 §2.1: a client may only revoke its own tokens. Report
		// success to avoid confirming the token's existence.
		if s.Auditor != nil {
			s.Auditor.LogSuspiciousActivity(granted.Subject, clientID, clientIP,
				"revocation attempted for another client's token")
		}
		return nil
	}

	if err := s.stores.Tokens.DeleteGrantedToken(ctx, granted.AccessToken); err != nil &&
		!errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting granted token: %w", err)
	}
	if s.Metrics != nil {
		s.Metrics.RecordTokenRevoked(ctx, "client_request")
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(granted.Subject, clientID, clientIP, tokenType)
	}
	s.Logger.Info("token revoked",
		"client_id", clientID,
		"token_type", tokenType,
		"token", safeTruncate(rawToken, 8),
	)
	return nil
}

// ValidateAccessToken verifies a bearer token and returns its stored grant.
// Used by the protected admin surfaces.
func (s *Server) ValidateAccessToken(ctx context.Context, rawToken string) (*storage.GrantedToken, error) {
	if _, err := s.parser.Verify(rawToken); err != nil {
		return nil, errInvalidGrant("invalid access token")
	}
	granted, err := s.stores.Tokens.GetGrantedToken(ctx, rawToken)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, errInvalidGrant("unknown access token")
	case errors.Is(err, storage.ErrExpired):
		return nil, errInvalidGrant("access token expired")
	case err != nil:
		return nil, fmt.Errorf("granted token lookup: %w", err)
	}
	return granted, nil
}
