package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gatekit/oauth/security"
	"github.com/gatekit/oauth/server"
	"github.com/gatekit/oauth/storage"
)

// SessionResolver resolves the authenticated end-user session for an
// authorization request. Implementations typically read a session cookie.
// A nil session (with nil error) means no user is signed in.
type SessionResolver interface {
	Resolve(r *http.Request) (*server.Session, error)
}

// Handler is the HTTP adapter over the authorization server engine. It owns
// request parsing, client IP extraction, rate limiting, and response
// rendering; every protocol decision is delegated to server.Server.
type Handler struct {
	server   *server.Server
	config   *Config
	logger   *slog.Logger
	sessions SessionResolver

	rateLimiter         *security.RateLimiter
	registrationLimiter *security.ClientRegistrationRateLimiter
}

// NewHandler creates the HTTP adapter. Config may be nil.
func NewHandler(srv *server.Server, config *Config) *Handler {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()

	h := &Handler{
		server: srv,
		config: config,
		logger: config.Logger,
	}
	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, config.Logger)
	}
	if config.Registration.Enabled {
		if config.Registration.MaxPerWindow > 0 && config.Registration.Window > 0 {
			h.registrationLimiter = security.NewClientRegistrationRateLimiterWithConfig(
				config.Registration.MaxPerWindow, config.Registration.Window, 10000, config.Logger)
		} else {
			h.registrationLimiter = security.NewClientRegistrationRateLimiter(config.Logger)
		}
	}
	return h
}

// SetSessionResolver installs the end-user session source for the
// authorization endpoint. Without one every authorization request is
// treated as unauthenticated.
func (h *Handler) SetSessionResolver(resolver SessionResolver) {
	h.sessions = resolver
}

// Stop releases background resources (rate limiter cleanup loops).
func (h *Handler) Stop() {
	if h.registrationLimiter != nil {
		h.registrationLimiter.Stop()
	}
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes attaches every endpoint to the mux, wrapped with request-id
// propagation.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	register := func(path string, fn http.HandlerFunc) {
		mux.Handle(path, security.RequestIDMiddleware(fn))
	}

	register(PathOpenIDConfiguration, h.ServeOpenIDConfiguration)
	register(PathUMAConfiguration, h.ServeUMAConfiguration)
	register(PathAuthorize, h.ServeAuthorization)
	register(PathToken, h.ServeToken)
	register(PathJWKS, h.ServeJWKS)
	register(PathDeviceAuthorization, h.ServeDeviceAuthorization)
	register(PathDevice, h.ServeDeviceDecision)
	register(PathIntrospect, h.ServeTokenIntrospection)
	register(PathRevoke, h.ServeTokenRevocation)
	register(PathPermission, h.ServePermission)
	register(PathResourceSet, h.ServeResourceSets)
	register(PathResourceSet+"/", h.ServeResourceSets)
	register(PathPolicies, h.ServePolicies)
	register(PathPolicies+"/", h.ServePolicies)

	if h.config.Registration.Enabled {
		register(PathRegister, h.ServeClientRegistration)
	}
}

// clientIP extracts the caller's IP honoring the trusted proxy settings.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkRateLimit applies the per-IP limiter. Returns true when the request
// was rejected and a response already written.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.rateLimiter == nil {
		return false
	}
	ip := h.clientIP(r)
	if h.rateLimiter.Allow(ip) {
		return false
	}
	if h.server.Metrics != nil {
		h.server.Metrics.RecordRateLimitExceeded(r.Context(), endpoint)
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(ip, "")
	}
	w.Header().Set("Retry-After", "1")
	h.writeError(w, ErrorCodeInvalidRequest, "Rate limit exceeded", http.StatusTooManyRequests)
	return true
}

// requirePOST rejects non-POST methods. Returns true when rejected.
func (h *Handler) requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return true
	}
	return false
}

// ==================== Discovery ====================

// ServeOpenIDConfiguration serves the OIDC discovery document.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")

	metadata := AuthorizationServerMetadata{
		Issuer:                      issuer,
		AuthorizationEndpoint:       issuer + PathAuthorize,
		TokenEndpoint:               issuer + PathToken,
		JWKSURI:                     issuer + PathJWKS,
		DeviceAuthorizationEndpoint: issuer + PathDeviceAuthorization,
		IntrospectionEndpoint:       issuer + PathIntrospect,
		RevocationEndpoint:          issuer + PathRevoke,
		ScopesSupported:             h.server.Config.SupportedScopes,
		ResponseTypesSupported: []string{
			"code", "token", "id_token", "code id_token", "code token", "id_token token", "code id_token token",
		},
		GrantTypesSupported: []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeImplicit,
			server.GrantTypeClientCredentials,
			server.GrantTypePassword,
			server.GrantTypeRefreshToken,
			server.GrantTypeDeviceCode,
			server.GrantTypeUMATicket,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: h.server.Keys().Algorithms(),
		TokenEndpointAuthMethodsSupported: []string{
			server.TokenEndpointAuthMethodBasic,
			server.TokenEndpointAuthMethodPost,
			server.TokenEndpointAuthMethodNone,
		},
		CodeChallengeMethodsSupported: h.supportedChallengeMethods(),
	}
	if h.config.Registration.Enabled {
		metadata.RegistrationEndpoint = issuer + PathRegister
	}
	h.writeJSON(w, http.StatusOK, metadata)
}

// ServeUMAConfiguration serves the uma2-configuration discovery document.
func (h *Handler) ServeUMAConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")

	h.writeJSON(w, http.StatusOK, UMAConfiguration{
		Issuer:                       issuer,
		AuthorizationEndpoint:        issuer + PathAuthorize,
		TokenEndpoint:                issuer + PathToken,
		JWKSURI:                      issuer + PathJWKS,
		PermissionEndpoint:           issuer + PathPermission,
		ResourceRegistrationEndpoint: issuer + PathResourceSet,
		PolicyEndpoint:               issuer + PathPolicies,
		IntrospectionEndpoint:        issuer + PathIntrospect,
		GrantTypesSupported: []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeClientCredentials,
			server.GrantTypeUMATicket,
		},
		ResponseTypesSupported:     []string{"code", "token", "id_token"},
		ClaimTokenFormatsSupported: []string{server.ClaimTokenFormatJWT},
	})
}

func (h *Handler) supportedChallengeMethods() []string {
	methods := []string{server.PKCEMethodS256}
	if h.server.Config.AllowPKCEPlain {
		methods = append(methods, server.PKCEMethodPlain)
	}
	return methods
}

// ==================== Authorization endpoint ====================

// ServeAuthorization handles GET /authorize. The engine decides; this
// method only translates between HTTP and the workflow's suspension points.
func (h *Handler) ServeAuthorization(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodGet {
		http.Error(rw, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
	defer func() { h.recordHTTPMetrics(r, PathAuthorize, w.status, start) }()

	if h.checkRateLimit(w, r, PathAuthorize) {
		return
	}

	q := r.URL.Query()
	req := &server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		Prompt:              q.Get("prompt"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		ResponseMode:        q.Get("response_mode"),
	}

	session, err := h.resolveSession(r)
	if err != nil {
		h.logger.Error("session resolution failed", "error", err)
		h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
		return
	}

	instruction, err := h.server.Authorize(r.Context(), req, session)
	switch {
	case errors.Is(err, server.ErrAuthenticationRequired):
		h.redirectToInteraction(w, r, h.config.LoginURL, "Authentication required")
	case errors.Is(err, server.ErrConsentRequired):
		h.redirectToInteraction(w, r, h.config.ConsentURL, "Consent required")
	case err != nil:
		h.writeAuthorizationError(w, r, req, err)
	default:
		http.Redirect(w, r, instruction.URL(), http.StatusFound)
	}
}

func (h *Handler) resolveSession(r *http.Request) (*server.Session, error) {
	if h.sessions == nil {
		return nil, nil
	}
	return h.sessions.Resolve(r)
}

// redirectToInteraction sends the user agent to the login or consent page
// with the original authorization URL as return_to. Without a configured
// page the workflow cannot proceed and the response is 401.
func (h *Handler) redirectToInteraction(w http.ResponseWriter, r *http.Request, target, reason string) {
	if target == "" {
		h.writeError(w, ErrorCodeAccessDenied, reason, http.StatusUnauthorized)
		return
	}
	u, err := url.Parse(target)
	if err != nil {
		h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
		return
	}
	q := u.Query()
	q.Set("return_to", r.URL.String())
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// writeAuthorizationError renders an authorization failure. Errors carrying
// state passed redirect URI validation and go back to the client via
// redirect; everything else renders as a JSON error page to keep the server
// from becoming an open redirector.
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, req *server.AuthorizationRequest, err error) {
	protoErr := AsError(err)
	if protoErr.State == "" {
		h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
		return
	}

	useFragment := req.ResponseMode == "fragment" ||
		(req.ResponseMode == "" && req.ResponseType != server.ResponseTypeCode)
	instruction := server.ErrorRedirect(req.RedirectURI, protoErr, useFragment)
	http.Redirect(w, r, instruction.URL(), http.StatusFound)
}

// ==================== Token endpoint ====================

// ServeToken handles POST /token for every supported grant type.
func (h *Handler) ServeToken(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.requirePOST(rw, r) {
		return
	}
	w := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
	defer func() { h.recordHTTPMetrics(r, PathToken, w.status, start) }()

	h.setCORSHeaders(w, r)
	if h.checkRateLimit(w, r, PathToken) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	req := &server.TokenRequest{
		GrantType:        r.FormValue("grant_type"),
		ClientID:         clientID,
		ClientSecret:     clientSecret,
		Scope:            r.FormValue("scope"),
		Code:             r.FormValue("code"),
		RedirectURI:      r.FormValue("redirect_uri"),
		CodeVerifier:     r.FormValue("code_verifier"),
		RefreshToken:     r.FormValue("refresh_token"),
		Username:         r.FormValue("username"),
		Password:         r.FormValue("password"),
		DeviceCode:       r.FormValue("device_code"),
		Ticket:           r.FormValue("ticket"),
		ClaimToken:       r.FormValue("claim_token"),
		ClaimTokenFormat: r.FormValue("claim_token_format"),
		ClientIP:         h.clientIP(r),
	}

	granted, err := h.server.Token(r.Context(), req)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	h.writeTokenResponse(w, granted)
}

// clientCredentials extracts client authentication from Basic Auth,
// falling back to form parameters (RFC 6749 Section 2.3.1).
func (h *Handler) clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, granted *storage.GrantedToken) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	tokenType := granted.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  granted.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    granted.ExpiresIn,
		RefreshToken: granted.RefreshToken,
		IDToken:      granted.IDToken,
		Scope:        granted.Scope,
	})
}

// writeTokenError renders a token endpoint failure. UMA denials carry a
// reissued permission ticket in the WWW-Authenticate header so the client
// can retry after gathering claims or consent.
func (h *Handler) writeTokenError(w http.ResponseWriter, err error) {
	protoErr := AsError(err)
	if protoErr.Code == ErrorCodeServerError {
		h.logger.Error("token endpoint failure", "error", err)
	}
	if protoErr.Ticket != "" {
		issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf("UMA realm=%q, as_uri=%q, ticket=%q", issuer, issuer, protoErr.Ticket))
	}
	h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
}

// ==================== JWKS ====================

// ServeJWKS serves the public key set on GET and rotates the signing keys
// on POST when the caller presents the rotation access token.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if h.checkRateLimit(w, r, PathJWKS) {
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=300")
		h.writeJSON(w, http.StatusOK, h.server.Keys().GetPublicKeys())

	case http.MethodPost:
		if !h.authorizeRotation(r) {
			h.writeError(w, ErrorCodeAccessDenied, "Key rotation requires the rotation access token", http.StatusUnauthorized)
			return
		}
		if err := h.server.RotateKeys(r.Context()); err != nil {
			h.logger.Error("key rotation failed", "error", err)
			h.writeError(w, ErrorCodeServerError, "Key rotation failed", http.StatusInternalServerError)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) authorizeRotation(r *http.Request) bool {
	configured := h.server.Config.RotationAccessToken
	if configured == "" {
		return false
	}
	return h.bearerToken(r) == configured
}

func (h *Handler) bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}

// ==================== Device flow ====================

// ServeDeviceAuthorization handles POST /device_authorization (RFC 8628).
func (h *Handler) ServeDeviceAuthorization(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.requirePOST(rw, r) {
		return
	}
	w := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
	defer func() { h.recordHTTPMetrics(r, PathDeviceAuthorization, w.status, start) }()

	if h.checkRateLimit(w, r, PathDeviceAuthorization) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID, _ := h.clientCredentials(r)
	auth, err := h.server.StartDeviceAuthorization(r.Context(), clientID, r.FormValue("scope"))
	if err != nil {
		protoErr := AsError(err)
		h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
		return
	}

	verificationURI := h.config.DeviceVerificationURI
	if verificationURI == "" {
		verificationURI = strings.TrimSuffix(h.server.Config.Issuer, "/") + PathDevice
	}
	h.writeJSON(w, http.StatusOK, DeviceAuthorizationResponse{
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + url.QueryEscape(auth.UserCode),
		ExpiresIn:               int64(time.Until(auth.ExpiresAt).Seconds()),
		Interval:                auth.Interval,
	})
}

// ServeDeviceDecision records the signed-in user's approval or denial of a
// device authorization. GET looks up the user code for a verification UI;
// POST submits the decision. Both require a bearer access token.
func (h *Handler) ServeDeviceDecision(w http.ResponseWriter, r *http.Request) {
	granted, ok := h.authenticateBearer(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		auth, err := h.server.LookupUserCode(r.Context(), r.URL.Query().Get("user_code"))
		if err != nil {
			protoErr := AsError(err)
			h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]string{
			"client_id": auth.ClientID,
			"scope":     auth.Scope,
			"user_code": auth.UserCode,
		})

	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
			return
		}
		userCode := r.FormValue("user_code")
		var err error
		switch r.FormValue("decision") {
		case "approve":
			err = h.server.ApproveDevice(r.Context(), userCode, granted.Subject, h.clientIP(r))
		case "deny":
			err = h.server.DenyDevice(r.Context(), userCode, granted.Subject, h.clientIP(r))
		default:
			h.writeError(w, ErrorCodeInvalidRequest, "decision must be approve or deny", http.StatusBadRequest)
			return
		}
		if err != nil {
			protoErr := AsError(err)
			h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ==================== Client registration ====================

// ServeClientRegistration handles POST /register (RFC 7591).
func (h *Handler) ServeClientRegistration(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.requirePOST(rw, r) {
		return
	}
	w := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
	defer func() { h.recordHTTPMetrics(r, PathRegister, w.status, start) }()

	clientIP := h.clientIP(r)

	if h.registrationLimiter != nil && !h.registrationLimiter.Allow(clientIP) {
		if h.server.Auditor != nil {
			h.server.Auditor.LogRateLimitExceeded(clientIP, "")
		}
		w.Header().Set("Retry-After", "3600")
		h.writeError(w, ErrorCodeInvalidRequest, "Registration rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if token := h.config.Registration.AccessToken; token != "" && h.bearerToken(r) != token {
		h.writeError(w, ErrorCodeAccessDenied, "Registration requires an access token", http.StatusUnauthorized)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	client, secret, err := h.server.RegisterClient(r.Context(), &server.ClientRegistration{
		ClientName:              req.ClientName,
		ClientType:              req.ClientType,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scopes:                  strings.Fields(req.Scope),
		RequirePKCE:             req.RequirePKCE,
	}, clientIP)
	if err != nil {
		protoErr := AsError(err)
		h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
		return
	}

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientName:              client.ClientName,
		ClientType:              client.ClientType,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
	})
}

// ==================== Introspection and revocation ====================

// ServeTokenIntrospection handles POST /introspect (RFC 7662). The caller
// must authenticate as a registered client.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	if h.requirePOST(w, r) {
		return
	}
	if h.checkRateLimit(w, r, PathIntrospect) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}
	if _, err := h.authenticateClient(r); err != nil {
		protoErr := AsError(err)
		h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
		return
	}

	intro, err := h.server.Introspect(r.Context(), r.FormValue("token"))
	if err != nil {
		protoErr := AsError(err)
		h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
		return
	}
	if !intro.Active {
		h.writeJSON(w, http.StatusOK, IntrospectionResponse{Active: false})
		return
	}
	h.writeJSON(w, http.StatusOK, IntrospectionResponse{
		Active:    true,
		Scope:     intro.Scope,
		ClientID:  intro.ClientID,
		Subject:   intro.Subject,
		TokenType: intro.TokenType,
		Expiry:    intro.Expiry,
		IssuedAt:  intro.IssuedAt,
		JTI:       intro.ID,
	})
}

// ServeTokenRevocation handles POST /revoke (RFC 7009).
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if h.requirePOST(w, r) {
		return
	}
	if h.checkRateLimit(w, r, PathRevoke) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}
	client, err := h.authenticateClient(r)
	if err != nil {
		protoErr := AsError(err)
		h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
		return
	}

	if err := h.server.Revoke(r.Context(), r.FormValue("token"), client.ClientID, h.clientIP(r)); err != nil {
		protoErr := AsError(err)
		h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// authenticateClient validates the caller's client credentials from Basic
// Auth or form parameters. Confidential clients must present their secret.
func (h *Handler) authenticateClient(r *http.Request) (*storage.Client, error) {
	clientID, clientSecret := h.clientCredentials(r)
	if clientID == "" {
		return nil, &Error{Code: ErrorCodeInvalidClient, Description: "client authentication required", Status: http.StatusUnauthorized}
	}
	client, err := h.server.GetClient(r.Context(), clientID)
	if err != nil {
		return nil, err
	}
	if client.ClientType == server.ClientTypeConfidential || clientSecret != "" {
		if err := h.server.ValidateClientCredentials(r.Context(), clientID, clientSecret); err != nil {
			if h.server.Auditor != nil {
				h.server.Auditor.LogAuthFailure("", clientID, h.clientIP(r), "client authentication failed")
			}
			return nil, &Error{Code: ErrorCodeInvalidClient, Description: "client authentication failed", Status: http.StatusUnauthorized}
		}
	}
	return client, nil
}

// ==================== UMA endpoints ====================

// ServePermission handles POST /perm: a resource server registers the
// permissions a client attempted, receiving a ticket to hand back to it.
// The body is one permission object or an array of them.
func (h *Handler) ServePermission(w http.ResponseWriter, r *http.Request) {
	if h.requirePOST(w, r) {
		return
	}
	granted, ok := h.authenticateBearer(w, r)
	if !ok {
		return
	}

	body, err := decodePermissionRequests(r)
	if err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid permission request body", http.StatusBadRequest)
		return
	}

	ticket, err := h.server.AddPermission(r.Context(), granted.ClientID, body)
	if err != nil {
		protoErr := AsError(err)
		h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
		return
	}
	h.writeJSON(w, http.StatusCreated, TicketResponse{Ticket: ticket.ID})
}

// decodePermissionRequests accepts both body shapes the UMA spec allows:
// a single permission object or an array of them.
func decodePermissionRequests(r *http.Request) ([]server.PermissionRequest, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var many []server.PermissionRequest
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one server.PermissionRequest
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []server.PermissionRequest{one}, nil
}

// ServeResourceSets handles the UMA resource registration API:
// POST /rs/resource_set, GET /rs/resource_set (list owned),
// GET/PUT/DELETE /rs/resource_set/{id}.
func (h *Handler) ServeResourceSets(w http.ResponseWriter, r *http.Request) {
	granted, ok := h.authenticateBearer(w, r)
	if !ok {
		return
	}
	owner := resourceOwnerOf(granted)
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, PathResourceSet), "/")

	switch {
	case r.Method == http.MethodPost && id == "":
		h.createOrUpdateResourceSet(w, r, owner, "")
	case r.Method == http.MethodGet && id == "":
		sets, err := h.server.ListResourceSets(r.Context(), owner)
		if err != nil {
			h.writeServerFailure(w, err)
			return
		}
		ids := make([]string, 0, len(sets))
		for _, rs := range sets {
			ids = append(ids, rs.ID)
		}
		h.writeJSON(w, http.StatusOK, ids)
	case r.Method == http.MethodGet:
		rs, err := h.server.GetResourceSet(r.Context(), id)
		if err != nil {
			protoErr := AsError(err)
			h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
			return
		}
		h.writeJSON(w, http.StatusOK, resourceSetResponse(rs))
	case r.Method == http.MethodPut:
		h.createOrUpdateResourceSet(w, r, owner, id)
	case r.Method == http.MethodDelete:
		if err := h.server.DeleteResourceSet(r.Context(), owner, id); err != nil {
			protoErr := AsError(err)
			h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) createOrUpdateResourceSet(w http.ResponseWriter, r *http.Request, owner, id string) {
	var req ResourceSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	rs, err := h.server.RegisterResourceSet(r.Context(), owner, &storage.ResourceSet{
		ID:      id,
		Name:    req.Name,
		Type:    req.Type,
		Scopes:  req.Scopes,
		IconURI: req.IconURI,
		URI:     req.URI,
	})
	if err != nil {
		protoErr := AsError(err)
		h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
		return
	}
	status := http.StatusCreated
	if id != "" {
		status = http.StatusOK
	}
	h.writeJSON(w, status, resourceSetResponse(rs))
}

func resourceSetResponse(rs *storage.ResourceSet) ResourceSetResponse {
	return ResourceSetResponse{
		ID:      rs.ID,
		Name:    rs.Name,
		Type:    rs.Type,
		Scopes:  rs.Scopes,
		IconURI: rs.IconURI,
		URI:     rs.URI,
	}
}

// ServePolicies handles the policy management API:
// POST /policies, GET /policies, GET/PUT/DELETE /policies/{id}.
func (h *Handler) ServePolicies(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticateBearer(w, r); !ok {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, PathPolicies), "/")

	switch {
	case r.Method == http.MethodPost && id == "":
		h.savePolicy(w, r, "")
	case r.Method == http.MethodGet && id == "":
		policies, err := h.server.ListPolicies(r.Context())
		if err != nil {
			h.writeServerFailure(w, err)
			return
		}
		docs := make([]PolicyDocument, 0, len(policies))
		for _, p := range policies {
			docs = append(docs, policyDocument(p))
		}
		h.writeJSON(w, http.StatusOK, docs)
	case r.Method == http.MethodGet:
		policy, err := h.server.GetPolicy(r.Context(), id)
		if err != nil {
			protoErr := AsError(err)
			h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
			return
		}
		h.writeJSON(w, http.StatusOK, policyDocument(policy))
	case r.Method == http.MethodPut:
		h.savePolicy(w, r, id)
	case r.Method == http.MethodDelete:
		if err := h.server.DeletePolicy(r.Context(), id); err != nil {
			protoErr := AsError(err)
			h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) savePolicy(w http.ResponseWriter, r *http.Request, id string) {
	var doc PolicyDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	policy := &storage.Policy{
		ID:          id,
		ResourceIDs: doc.ResourceIDs,
	}
	for _, rule := range doc.Rules {
		claims := make([]storage.ClaimRule, 0, len(rule.Claims))
		for _, c := range rule.Claims {
			claims = append(claims, storage.ClaimRule{Type: c.Type, Value: c.Value, Comparison: c.Comparison})
		}
		policy.Rules = append(policy.Rules, storage.PolicyRule{
			ID:                           rule.ID,
			ClientIDsAllowed:             rule.ClientIDsAllowed,
			Scopes:                       rule.Scopes,
			Claims:                       claims,
			IsResourceOwnerConsentNeeded: rule.IsResourceOwnerConsentNeeded,
			OpenIDProvider:               rule.OpenIDProvider,
		})
	}

	saved, err := h.server.SavePolicy(r.Context(), policy)
	if err != nil {
		protoErr := AsError(err)
		h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
		return
	}
	status := http.StatusCreated
	if id != "" {
		status = http.StatusOK
	}
	h.writeJSON(w, status, policyDocument(saved))
}

func policyDocument(p *storage.Policy) PolicyDocument {
	doc := PolicyDocument{ID: p.ID, ResourceIDs: p.ResourceIDs}
	for _, rule := range p.Rules {
		claims := make([]PolicyClaimRule, 0, len(rule.Claims))
		for _, c := range rule.Claims {
			claims = append(claims, PolicyClaimRule{Type: c.Type, Value: c.Value, Comparison: c.Comparison})
		}
		doc.Rules = append(doc.Rules, PolicyRuleDocument{
			ID:                           rule.ID,
			ClientIDsAllowed:             rule.ClientIDsAllowed,
			Scopes:                       rule.Scopes,
			Claims:                       claims,
			IsResourceOwnerConsentNeeded: rule.IsResourceOwnerConsentNeeded,
			OpenIDProvider:               rule.OpenIDProvider,
		})
	}
	return doc
}

// resourceOwnerOf maps an authenticated grant to the UMA owner identity:
// the subject for user-bound tokens, the client for client-credentials
// tokens (where subject equals client ID).
func resourceOwnerOf(granted *storage.GrantedToken) string {
	if granted.Subject != "" {
		return granted.Subject
	}
	return granted.ClientID
}

// authenticateBearer validates the request's bearer access token. On
// failure a 401 with WWW-Authenticate is already written.
func (h *Handler) authenticateBearer(w http.ResponseWriter, r *http.Request) (*storage.GrantedToken, bool) {
	raw := h.bearerToken(r)
	if raw == "" {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
		h.writeError(w, ErrorCodeInvalidRequest, "Missing bearer token", http.StatusUnauthorized)
		return nil, false
	}
	granted, err := h.server.ValidateAccessToken(r.Context(), raw)
	if err != nil {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer+` error="invalid_token"`)
		h.writeError(w, ErrorCodeInvalidGrant, "Invalid access token", http.StatusUnauthorized)
		return nil, false
	}
	if h.checkUserRateLimit(w, r, granted.Subject) {
		return nil, false
	}
	return granted, true
}

// checkUserRateLimit applies the per-user limiter to authenticated requests.
// Returns true when the request was rejected and a response already written.
func (h *Handler) checkUserRateLimit(w http.ResponseWriter, r *http.Request, subject string) bool {
	if subject == "" || h.server.UserRateLimiter == nil || h.server.UserRateLimiter.Allow(subject) {
		return false
	}
	ip := h.clientIP(r)
	h.logger.Warn("user rate limit exceeded", "subject", subject, "ip", ip)
	if h.server.Metrics != nil {
		h.server.Metrics.RecordRateLimitExceeded(r.Context(), r.URL.Path)
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(ip, subject)
	}
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeInvalidRequest, "Rate limit exceeded for user", http.StatusTooManyRequests)
	return true
}

// ==================== Response helpers ====================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encoding response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeServerFailure logs a backend failure and renders the generic
// server_error body; internal detail never reaches the client.
func (h *Handler) writeServerFailure(w http.ResponseWriter, err error) {
	h.logger.Error("request failed", "error", err)
	h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range h.config.CORSAllowedOrigins {
		if allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			return
		}
	}
}

func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, start time.Time) {
	if h.server.Metrics == nil {
		return
	}
	h.server.Metrics.RecordHTTPRequest(r.Context(), endpoint, r.Method, status,
		float64(time.Since(start).Milliseconds()))
}

// statusRecorder captures the status code written to the wrapped
// ResponseWriter so metrics reflect the real outcome.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
