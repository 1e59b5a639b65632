package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gatekit/oauth/storage"
	"github.com/gatekit/oauth/token"
)

// Sentinel results of the authorization workflow. The engine suspends here;
// the hosting layer redirects to its login or consent collaborator and
// re-enters with a fresh call once the user acted.
var (
	// ErrAuthenticationRequired indicates no authenticated principal is
	// attached to the request (or prompt=login forced re-authentication).
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrConsentRequired indicates the resource owner has not yet approved
	// the requested scopes for this client.
	ErrConsentRequired = errors.New("consent required")
)

// AuthorizationRequest carries the parsed parameters of one authorization
// endpoint call.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	Prompt              string
	CodeChallenge       string
	CodeChallengeMethod string
	ResponseMode        string // "query" or "fragment"; empty selects the flow default
}

// Session is the authenticated principal the hosting layer resumed the flow
// with. ConsentGranted is set when the user confirmed consent during this
// round trip; previously recorded consent is looked up in the consent store.
type Session struct {
	Subject        string
	AuthTime       time.Time
	AMR            []string
	ConsentGranted bool
}

// RedirectInstruction is the terminal state of the authorization workflow,
// handed to the HTTP layer to render as a 302.
type RedirectInstruction struct {
	RedirectURI string
	Params      url.Values
	UseFragment bool
}

// URL assembles the full redirect target.
func (r *RedirectInstruction) URL() string {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return r.RedirectURI
	}
	if r.UseFragment {
		u.Fragment = r.Params.Encode()
	} else {
		q := u.Query()
		for k, vs := range r.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// ErrorRedirect builds the error redirect for a validated redirect URI,
// echoing the state parameter. Only call after validateRedirectURI passed;
// an unvalidated target must never receive a redirect.
func ErrorRedirect(redirectURI string, e *Error, useFragment bool) *RedirectInstruction {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return &RedirectInstruction{RedirectURI: redirectURI, Params: params, UseFragment: useFragment}
}

// responseTypeParts normalizes a response_type value into its sorted parts.
func responseTypeParts(responseType string) map[string]bool {
	parts := map[string]bool{}
	for _, p := range strings.Fields(responseType) {
		parts[p] = true
	}
	return parts
}

// usesFragment reports the default response mode for a response type:
// fragment for anything that delivers a token in the redirect, query for the
// plain code flow.
func usesFragment(parts map[string]bool) bool {
	return parts[ResponseTypeToken] || parts[ResponseTypeIDToken]
}

// Authorize runs the authorization workflow for an authenticated (or absent)
// session: validate, check consent, then issue a code and/or tokens per the
// response type and prepare the redirect.
//
// Failures before the redirect URI is validated return a bare *Error; the
// caller must render an error page rather than redirect. Failures after
// validation return a *Error carrying the request state, suitable for
// ErrorRedirect. ErrAuthenticationRequired and ErrConsentRequired suspend
// the flow for the external collaborators.
func (s *Server) Authorize(ctx context.Context, req *AuthorizationRequest, session *Session) (*RedirectInstruction, error) {
	client, err := s.stores.Clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, errInvalidRequest("unknown client")
		}
		s.Logger.Error("client lookup failed", "client_id", req.ClientID, "error", err)
		return nil, errServerError()
	}

	// Redirect URI validation gates everything else: until it passes, no
	// error may be delivered by redirect (open redirect prevention).
	if req.RedirectURI == "" {
		return nil, errInvalidRequest("redirect_uri is required")
	}
	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogInvalidRedirect(req.ClientID, "", req.RedirectURI, err.Error())
		}
		return nil, errInvalidRequest("invalid redirect_uri")
	}

	parts := responseTypeParts(req.ResponseType)
	fragment := usesFragment(parts)
	if req.ResponseMode == "query" {
		fragment = false
	} else if req.ResponseMode == "fragment" {
		fragment = true
	}

	if failure := s.validateAuthorizationRequest(req, client, parts); failure != nil {
		s.recordAuthorizationOutcome(ctx, req.ResponseType, failure.Code)
		return nil, failure.WithState(req.State)
	}

	// Authentication is an external collaborator; the engine only decides
	// whether it is needed.
	if session == nil || session.Subject == "" || req.Prompt == "login" {
		return nil, ErrAuthenticationRequired
	}

	granted, err := s.checkConsent(ctx, req, session)
	if err != nil {
		s.Logger.Error("consent lookup failed", "client_id", req.ClientID, "error", err)
		return nil, errServerError().WithState(req.State)
	}
	if !granted {
		return nil, ErrConsentRequired
	}

	instruction := &RedirectInstruction{
		RedirectURI: req.RedirectURI,
		Params:      url.Values{},
		UseFragment: fragment,
	}

	var grantedToken *storage.GrantedToken
	if parts[ResponseTypeToken] || parts[ResponseTypeIDToken] {
		grantedToken, err = s.issueImplicitTokens(ctx, req, session, parts)
		if err != nil {
			s.recordAuthorizationOutcome(ctx, req.ResponseType, ErrorCodeServerError)
			s.Logger.Error("implicit token issuance failed", "client_id", req.ClientID, "error", err)
			return nil, errServerError().WithState(req.State)
		}
		if parts[ResponseTypeToken] {
			instruction.Params.Set("access_token", grantedToken.AccessToken)
			instruction.Params.Set("token_type", grantedToken.TokenType)
			instruction.Params.Set("expires_in", fmt.Sprintf("%d", grantedToken.ExpiresIn))
			if grantedToken.Scope != "" {
				instruction.Params.Set("scope", grantedToken.Scope)
			}
		}
		if parts[ResponseTypeIDToken] {
			instruction.Params.Set("id_token", grantedToken.IDToken)
		}
	}

	if parts[ResponseTypeCode] {
		code, err := s.issueAuthorizationCode(ctx, req, session)
		if err != nil {
			s.recordAuthorizationOutcome(ctx, req.ResponseType, ErrorCodeServerError)
			s.Logger.Error("authorization code issuance failed", "client_id", req.ClientID, "error", err)
			return nil, errServerError().WithState(req.State)
		}
		instruction.Params.Set("code", code.Code)
	}

	if req.State != "" {
		instruction.Params.Set("state", req.State)
	}

	s.recordAuthorizationOutcome(ctx, req.ResponseType, "success")
	s.Logger.Info("authorization granted",
		"client_id", req.ClientID,
		"response_type", req.ResponseType,
		"subject", session.Subject,
		"scope", req.Scope,
	)
	return instruction, nil
}

// validateAuthorizationRequest checks the request against the client's
// registration and the server policy. The redirect URI is already validated.
func (s *Server) validateAuthorizationRequest(req *AuthorizationRequest, client *storage.Client, parts map[string]bool) *Error {
	if len(parts) == 0 {
		return errInvalidRequest("response_type is required")
	}
	for part := range parts {
		if part != ResponseTypeCode && part != ResponseTypeToken && part != ResponseTypeIDToken {
			return errUnsupportedResponseType("unsupported response_type: " + part)
		}
	}
	if !client.AllowsResponseType(req.ResponseType) {
		return errUnauthorizedClient("client is not registered for this response_type")
	}

	if err := s.validateStateParameter(req.State); err != nil {
		return errInvalidRequest(err.Error())
	}
	if err := s.validateScopes(req.Scope); err != nil {
		return errInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(req.Scope, client.Scopes); err != nil {
		return errInvalidScope(err.Error())
	}

	// OIDC: an id_token cannot be bound to the client session without a nonce.
	if parts[ResponseTypeIDToken] && req.Nonce == "" {
		return errInvalidRequest("nonce is required when response_type includes id_token")
	}

	// PKCE applies to flows that issue a code.
	if parts[ResponseTypeCode] {
		pkceRequired := s.Config.RequirePKCE || client.RequirePKCE
		if pkceRequired && req.CodeChallenge == "" {
			return errInvalidRequest("code_challenge is required (PKCE)")
		}
		if req.CodeChallenge != "" {
			method := req.CodeChallengeMethod
			if method == "" {
				method = PKCEMethodPlain
			}
			if method != PKCEMethodS256 && method != PKCEMethodPlain {
				return errInvalidRequest("unsupported code_challenge_method: " + method)
			}
			if method == PKCEMethodPlain && !s.Config.AllowPKCEPlain {
				return errInvalidRequest("'plain' code_challenge_method is not allowed")
			}
		}
	}

	return nil
}

// checkConsent reports whether consent covering the requested scopes is on
// record, persisting a fresh grant when the session carries one.
func (s *Server) checkConsent(ctx context.Context, req *AuthorizationRequest, session *Session) (bool, error) {
	scopes := strings.Fields(req.Scope)

	if session.ConsentGranted {
		if s.stores.Consents != nil {
			consent := &storage.Consent{
				Subject:   session.Subject,
				ClientID:  req.ClientID,
				Scopes:    scopes,
				GrantedAt: time.Now(),
			}
			if err := s.stores.Consents.SaveConsent(ctx, consent); err != nil {
				return false, fmt.Errorf("recording consent: %w", err)
			}
		}
		return true, nil
	}

	if s.stores.Consents == nil {
		return false, nil
	}
	checker, ok := s.stores.Consents.(storage.ConsentChecker)
	if !ok {
		return false, nil
	}
	return checker.HasConsent(ctx, session.Subject, req.ClientID, scopes)
}

// issueAuthorizationCode creates and stores a single-use code bound to the
// request's redirect URI, PKCE challenge, and nonce.
func (s *Server) issueAuthorizationCode(ctx context.Context, req *AuthorizationRequest, session *Session) (*storage.AuthorizationCode, error) {
	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            req.ClientID,
		Subject:             session.Subject,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		AuthTime:            session.AuthTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if code.CodeChallenge != "" && code.CodeChallengeMethod == "" {
		code.CodeChallengeMethod = PKCEMethodPlain
	}
	if err := s.stores.Codes.SaveCode(ctx, code); err != nil {
		return nil, fmt.Errorf("persisting authorization code: %w", err)
	}
	s.Logger.Debug("authorization code issued",
		"client_id", req.ClientID,
		"code", safeTruncate(code.Code, 8),
		"expires_at", code.ExpiresAt,
	)
	return code, nil
}

// issueImplicitTokens mints the token set for implicit and hybrid responses.
// The hybrid code issued alongside carries the same nonce, so the client can
// bind both artifacts to one session.
func (s *Server) issueImplicitTokens(ctx context.Context, req *AuthorizationRequest, session *Session, parts map[string]bool) (*storage.GrantedToken, error) {
	return s.generator.Issue(ctx, token.Request{
		Subject:      session.Subject,
		ClientID:     req.ClientID,
		Scope:        req.Scope,
		GrantType:    GrantTypeImplicit,
		IssueIDToken: parts[ResponseTypeIDToken],
		Nonce:        req.Nonce,
		AuthTime:     session.AuthTime,
		AMR:          session.AMR,
	})
}

func (s *Server) recordAuthorizationOutcome(ctx context.Context, responseType, outcome string) {
	if s.Metrics != nil {
		s.Metrics.RecordAuthorizationRequest(ctx, responseType, outcome)
	}
}
