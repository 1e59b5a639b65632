package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gatekit/oauth/storage"
	"github.com/gatekit/oauth/token"
)

// TokenRequest carries the parsed form body of one token endpoint call.
// ClientIP is the extracted caller address, used only for audit logging.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Scope        string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token
	RefreshToken string

	// password
	Username string
	Password string

	// device_code
	DeviceCode string

	// uma-ticket
	Ticket           string
	ClaimToken       string
	ClaimTokenFormat string

	ClientIP string
}

// Token executes the grant named by the request and returns the issued token
// set. Protocol failures come back as *Error; nothing else crosses the
// handler boundary.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*storage.GrantedToken, error) {
	if req.GrantType == "" {
		return nil, s.grantFailure(ctx, req, errInvalidRequest("grant_type is required"))
	}
	// Unknown grant types are rejected before the client allow-list so the
	// error code distinguishes "this server cannot" from "this client may
	// not" (RFC 6749 Section 5.2).
	if !supportedGrantType(req.GrantType) {
		return nil, s.grantFailure(ctx, req, errUnsupportedGrantType("unsupported grant_type: "+req.GrantType))
	}

	client, err := s.authenticateClient(ctx, req)
	if err != nil {
		return nil, s.grantFailure(ctx, req, err)
	}
	if !client.AllowsGrantType(req.GrantType) {
		return nil, s.grantFailure(ctx, req, errUnauthorizedClient("client is not registered for this grant type"))
	}

	var granted *storage.GrantedToken
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		granted, err = s.handleAuthorizationCodeGrant(ctx, req, client)
	case GrantTypeClientCredentials:
		granted, err = s.handleClientCredentialsGrant(ctx, req, client)
	case GrantTypePassword:
		granted, err = s.handlePasswordGrant(ctx, req, client)
	case GrantTypeRefreshToken:
		granted, err = s.handleRefreshTokenGrant(ctx, req, client)
	case GrantTypeDeviceCode:
		granted, err = s.handleDeviceCodeGrant(ctx, req, client)
	case GrantTypeUMATicket:
		granted, err = s.handleUMATicketGrant(ctx, req, client)
	}
	if err != nil {
		return nil, s.grantFailure(ctx, req, err)
	}

	if s.Metrics != nil {
		s.Metrics.RecordTokenIssued(ctx, req.GrantType, client.ClientID)
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(granted.Subject, client.ClientID, req.ClientIP, req.GrantType, granted.Scope)
	}
	return granted, nil
}

func supportedGrantType(grantType string) bool {
	switch grantType {
	case GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypePassword,
		GrantTypeRefreshToken, GrantTypeDeviceCode, GrantTypeUMATicket:
		return true
	}
	return false
}

// grantFailure normalizes a handler error, records it, and hides internals.
func (s *Server) grantFailure(ctx context.Context, req *TokenRequest, err error) *Error {
	protoErr := AsError(err)
	if protoErr.Code == ErrorCodeServerError {
		s.Logger.Error("token endpoint failure",
			"grant_type", req.GrantType,
			"client_id", req.ClientID,
			"error", err,
		)
	}
	if s.Metrics != nil {
		s.Metrics.RecordGrantFailure(ctx, req.GrantType, protoErr.Code)
	}
	if s.Auditor != nil && s.securityEventAllowed(req.ClientID+":"+req.ClientIP) {
		s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, protoErr.Code)
	}
	return protoErr
}

// securityEventAllowed rate-limits audit logging of repeated failures so a
// single misbehaving principal cannot flood the audit log.
func (s *Server) securityEventAllowed(identifier string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(identifier)
}

// authenticateClient resolves the client and verifies its credentials.
// Confidential clients must present their secret; public clients present
// only their identifier.
func (s *Server) authenticateClient(ctx context.Context, req *TokenRequest) (*storage.Client, error) {
	if req.ClientID == "" {
		return nil, errInvalidClient("client authentication required")
	}
	client, err := s.stores.Clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, errInvalidClient("client authentication failed")
		}
		return nil, fmt.Errorf("client lookup: %w", err)
	}

	if client.ClientType == "confidential" || req.ClientSecret != "" {
		if err := s.stores.Clients.ValidateClientSecret(ctx, req.ClientID, req.ClientSecret); err != nil {
			return nil, errInvalidClient("client authentication failed")
		}
	}
	return client, nil
}

// handleAuthorizationCodeGrant redeems a single-use authorization code.
// A reused code revokes every token previously issued to its client+subject
// pair (RFC 6749 §4.1.2 recommendation, implemented unconditionally).
func (s *Server) handleAuthorizationCodeGrant(ctx context.Context, req *TokenRequest, client *storage.Client) (*storage.GrantedToken, error) {
	if req.Code == "" {
		return nil, errInvalidRequest("code is required")
	}

	code, err := s.stores.Codes.ConsumeCode(ctx, req.Code)
	switch {
	case errors.Is(err, storage.ErrCodeConsumed):
		// Reuse detection: the record comes back with the error so the
		// already-issued tokens can be withdrawn.
		revoked := 0
		if code != nil {
			if n, revErr := s.stores.Tokens.RevokeForClientSubject(ctx, code.ClientID, code.Subject); revErr != nil {
				s.Logger.Error("revocation after code reuse failed",
					"client_id", code.ClientID, "error", revErr)
			} else {
				revoked = n
			}
			if s.Auditor != nil && s.securityEventAllowed(code.Subject+":"+code.ClientID) {
				s.Auditor.LogCodeReuseDetected(code.Subject, code.ClientID, req.ClientIP, revoked)
			}
			if s.Metrics != nil {
				s.Metrics.RecordCodeReuseDetected(ctx, code.ClientID)
			}
		}
		s.Logger.Warn("authorization code reuse detected",
			"client_id", req.ClientID,
			"code", safeTruncate(req.Code, 8),
			"tokens_revoked", revoked,
		)
		return nil, errInvalidGrant("authorization code already used")
	case errors.Is(err, storage.ErrExpired):
		return nil, errInvalidGrant("authorization code expired")
	case errors.Is(err, storage.ErrNotFound):
		return nil, errInvalidGrant("invalid authorization code")
	case err != nil:
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	if code.ClientID != client.ClientID {
		return nil, errInvalidGrant("authorization code was issued to a different client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, errInvalidGrant("redirect_uri does not match the authorization request")
	}

	if err := s.validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogInvalidPKCE(client.ClientID, req.ClientIP, err.Error())
		}
		if s.Metrics != nil {
			s.Metrics.RecordPKCEValidationFailure(ctx, client.ClientID)
		}
		return nil, errInvalidGrant("PKCE validation failed")
	}

	return s.generator.Issue(ctx, token.Request{
		Subject:           code.Subject,
		ClientID:          client.ClientID,
		Scope:             code.Scope,
		GrantType:         GrantTypeAuthorizationCode,
		IssueIDToken:      scopeContains(code.Scope, "openid"),
		Nonce:             code.Nonce,
		AuthTime:          code.AuthTime,
		IssueRefreshToken: client.AllowsGrantType(GrantTypeRefreshToken),
	})
}

// handleClientCredentialsGrant issues an access token for the client itself.
// No refresh token and no identity token are issued.
func (s *Server) handleClientCredentialsGrant(ctx context.Context, req *TokenRequest, client *storage.Client) (*storage.GrantedToken, error) {
	if client.ClientType != "confidential" {
		return nil, errUnauthorizedClient("client_credentials requires a confidential client")
	}
	if err := s.validateScopes(req.Scope); err != nil {
		return nil, errInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(req.Scope, client.Scopes); err != nil {
		return nil, errInvalidScope(err.Error())
	}

	return s.generator.Issue(ctx, token.Request{
		Subject:   client.ClientID,
		ClientID:  client.ClientID,
		Scope:     req.Scope,
		GrantType: GrantTypeClientCredentials,
	})
}

// handlePasswordGrant authenticates the resource owner through the external
// collaborator and issues tokens bound to that subject.
func (s *Server) handlePasswordGrant(ctx context.Context, req *TokenRequest, client *storage.Client) (*storage.GrantedToken, error) {
	if s.authenticator == nil {
		return nil, errUnsupportedGrantType("password grant is not enabled")
	}
	if req.Username == "" || req.Password == "" {
		return nil, errInvalidRequest("username and password are required")
	}
	if err := s.validateScopes(req.Scope); err != nil {
		return nil, errInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(req.Scope, client.Scopes); err != nil {
		return nil, errInvalidScope(err.Error())
	}

	owner, err := s.authenticator.Authenticate(ctx, req.Username, req.Password)
	if err != nil || owner == nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.Username, client.ClientID, req.ClientIP, "resource owner authentication failed")
		}
		return nil, errInvalidGrant("invalid resource owner credentials")
	}

	return s.generator.Issue(ctx, token.Request{
		Subject:           owner.Subject,
		ClientID:          client.ClientID,
		Scope:             req.Scope,
		GrantType:         GrantTypePassword,
		IssueIDToken:      scopeContains(req.Scope, "openid"),
		AuthTime:          owner.AuthTime,
		AMR:               owner.AMR,
		IssueRefreshToken: client.AllowsGrantType(GrantTypeRefreshToken),
	})
}

// handleRefreshTokenGrant rotates a refresh token: the presented token is
// atomically invalidated and a fresh access+refresh pair is issued.
func (s *Server) handleRefreshTokenGrant(ctx context.Context, req *TokenRequest, client *storage.Client) (*storage.GrantedToken, error) {
	if req.RefreshToken == "" {
		return nil, errInvalidRequest("refresh_token is required")
	}

	previous, err := s.stores.Tokens.ConsumeRefreshToken(ctx, req.RefreshToken)
	switch {
	case errors.Is(err, storage.ErrExpired):
		return nil, errInvalidGrant("refresh token expired")
	case errors.Is(err, storage.ErrNotFound):
		return nil, errInvalidGrant("invalid refresh token")
	case err != nil:
		return nil, fmt.Errorf("consuming refresh token: %w", err)
	}

	if previous.ClientID != client.ClientID {
		// Presenting another client's refresh token is indistinguishable
		// from theft; withdraw the whole grant family.
		if _, revErr := s.stores.Tokens.RevokeForClientSubject(ctx, previous.ClientID, previous.Subject); revErr != nil {
			s.Logger.Error("revocation after refresh token misuse failed",
				"client_id", previous.ClientID, "error", revErr)
		}
		if s.Auditor != nil && s.securityEventAllowed(previous.Subject+":"+client.ClientID) {
			s.Auditor.LogSuspiciousActivity(previous.Subject, client.ClientID, req.ClientIP,
				"refresh token presented by a different client")
		}
		return nil, errInvalidGrant("refresh token was issued to a different client")
	}

	// A narrower scope may be requested on refresh, never a wider one.
	scope := previous.Scope
	if req.Scope != "" {
		if !scopeSubset(req.Scope, previous.Scope) {
			return nil, errInvalidScope("requested scope exceeds the originally granted scope")
		}
		scope = req.Scope
	}

	granted, err := s.generator.Issue(ctx, token.Request{
		Subject:           previous.Subject,
		ClientID:          client.ClientID,
		Scope:             scope,
		GrantType:         GrantTypeRefreshToken,
		IssueIDToken:      scopeContains(scope, "openid"),
		IssueRefreshToken: true,
	})
	if err != nil {
		return nil, err
	}

	if s.Metrics != nil {
		s.Metrics.RecordTokenRefreshed(ctx, client.ClientID)
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(previous.Subject, client.ClientID, req.ClientIP)
	}
	return granted, nil
}

// handleDeviceCodeGrant polls a device authorization. Pending devices get
// authorization_pending (or slow_down when polled too fast); approved
// devices redeem exactly once.
func (s *Server) handleDeviceCodeGrant(ctx context.Context, req *TokenRequest, client *storage.Client) (*storage.GrantedToken, error) {
	if req.DeviceCode == "" {
		return nil, errInvalidRequest("device_code is required")
	}

	now := time.Now()
	auth, err := s.stores.Devices.GetByDeviceCode(ctx, req.DeviceCode)
	if err == nil && auth.ClientID != client.ClientID {
		return nil, errInvalidGrant("device code was issued to a different client")
	}
	if err == nil && auth.Status == storage.DeviceStatusPending {
		interval := time.Duration(auth.Interval) * time.Second
		tooFast := !auth.LastPolled.IsZero() && now.Sub(auth.LastPolled) < interval
		if pollErr := s.stores.Devices.UpdateLastPolled(ctx, req.DeviceCode, now); pollErr != nil {
			s.Logger.Warn("recording device poll failed", "error", pollErr)
		}
		if tooFast {
			s.recordDevicePoll(ctx, ErrorCodeSlowDown)
			return nil, newError(ErrorCodeSlowDown, "polling too frequently", 400)
		}
	}

	auth, err = s.stores.Devices.ConsumeDeviceAuthorization(ctx, req.DeviceCode)
	switch {
	case errors.Is(err, storage.ErrDevicePending):
		s.recordDevicePoll(ctx, ErrorCodeAuthorizationPending)
		return nil, newError(ErrorCodeAuthorizationPending, "authorization request is still pending", 400)
	case errors.Is(err, storage.ErrDeviceDenied):
		s.recordDevicePoll(ctx, ErrorCodeAccessDenied)
		return nil, errAccessDenied("the resource owner denied the request")
	case errors.Is(err, storage.ErrExpired):
		s.recordDevicePoll(ctx, ErrorCodeExpiredToken)
		return nil, newError(ErrorCodeExpiredToken, "device code expired", 400)
	case errors.Is(err, storage.ErrNotFound):
		s.recordDevicePoll(ctx, ErrorCodeInvalidGrant)
		return nil, errInvalidGrant("invalid device code")
	case err != nil:
		return nil, fmt.Errorf("consuming device authorization: %w", err)
	}

	s.recordDevicePoll(ctx, "success")
	return s.generator.Issue(ctx, token.Request{
		Subject:           auth.Subject,
		ClientID:          client.ClientID,
		Scope:             auth.Scope,
		GrantType:         GrantTypeDeviceCode,
		IssueIDToken:      scopeContains(auth.Scope, "openid"),
		IssueRefreshToken: client.AllowsGrantType(GrantTypeRefreshToken),
	})
}

func (s *Server) recordDevicePoll(ctx context.Context, outcome string) {
	if s.Metrics != nil {
		s.Metrics.RecordDevicePoll(ctx, outcome)
	}
}

// scopeContains reports whether the space-separated scope string includes
// the wanted scope.
func scopeContains(scope, want string) bool {
	for _, sc := range strings.Fields(scope) {
		if sc == want {
			return true
		}
	}
	return false
}

// scopeSubset reports whether every scope in sub appears in super (both
// space-separated).
func scopeSubset(sub, super string) bool {
	for _, sc := range strings.Fields(sub) {
		if !scopeContains(super, sc) {
			return false
		}
	}
	return true
}
