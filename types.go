package oauth

// TokenResponse is the JSON body of a successful token endpoint response
// (RFC 6749 Section 5.1, plus the OIDC id_token member).
type TokenResponse struct {
	// AccessToken is the issued access token (JWT)
	AccessToken string `json:"access_token"`

	// TokenType is the token type, always "Bearer"
	TokenType string `json:"token_type"`

	// ExpiresIn is the access token lifetime in seconds
	ExpiresIn int64 `json:"expires_in"`

	// RefreshToken is the opaque refresh token, when the grant issues one
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the OIDC identity token, when the openid scope was granted
	IDToken string `json:"id_token,omitempty"`

	// Scope is the granted scope (may differ from the requested scope)
	Scope string `json:"scope,omitempty"`
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// DeviceAuthorizationResponse is the JSON body returned by the device
// authorization endpoint (RFC 8628 Section 3.2).
type DeviceAuthorizationResponse struct {
	// DeviceCode is the device verification code polled at the token endpoint
	DeviceCode string `json:"device_code"`

	// UserCode is the short code the end user types at the verification URI
	UserCode string `json:"user_code"`

	// VerificationURI is where the end user approves or denies the request
	VerificationURI string `json:"verification_uri"`

	// VerificationURIComplete embeds the user code for QR/deep-link use
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`

	// ExpiresIn is the device code lifetime in seconds
	ExpiresIn int64 `json:"expires_in"`

	// Interval is the minimum seconds between token endpoint polls
	Interval int `json:"interval"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata (RFC 8414), doubling as the OIDC discovery document.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// JWKSURI is the URL of the JSON Web Key Set document
	JWKSURI string `json:"jwks_uri"`

	// RegistrationEndpoint is the URL of the dynamic client registration endpoint (RFC 7591)
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// DeviceAuthorizationEndpoint is the URL of the device authorization endpoint (RFC 8628)
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the token introspection endpoint (RFC 7662)
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// RevocationEndpoint is the URL of the token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// SubjectTypesSupported lists the OIDC subject identifier types
	SubjectTypesSupported []string `json:"subject_types_supported,omitempty"`

	// IDTokenSigningAlgValuesSupported lists the id_token signing algorithms
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE methods supported (RFC 7636)
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// UMAConfiguration is the uma2-configuration discovery document
// (UMA 2.0 Grant for OAuth 2.0 Authorization, Section 2).
type UMAConfiguration struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint (RPT issuance)
	TokenEndpoint string `json:"token_endpoint"`

	// JWKSURI is the URL of the JSON Web Key Set document
	JWKSURI string `json:"jwks_uri"`

	// PermissionEndpoint is where resource servers register permission tickets
	PermissionEndpoint string `json:"permission_endpoint"`

	// ResourceRegistrationEndpoint is where resource servers register resource sets
	ResourceRegistrationEndpoint string `json:"resource_registration_endpoint"`

	// PolicyEndpoint is where resource owners manage authorization policies
	PolicyEndpoint string `json:"policy_endpoint"`

	// IntrospectionEndpoint is the URL of the token introspection endpoint
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// ClaimTokenFormatsSupported lists the accepted claim_token_format values
	ClaimTokenFormatsSupported []string `json:"uma_profiles_supported,omitempty"`
}

// ClientRegistrationRequest is the JSON body of a dynamic client
// registration request (RFC 7591).
type ClientRegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	ClientType              string   `json:"client_type,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	RequirePKCE             bool     `json:"require_pkce,omitempty"`
}

// ClientRegistrationResponse is the JSON body returned on successful
// registration. The client secret appears only here, never again.
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientType              string   `json:"client_type"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
}

// IntrospectionResponse is the JSON body of a token introspection response
// (RFC 7662 Section 2.2). For inactive tokens only Active is populated.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Expiry    int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	JTI       string `json:"jti,omitempty"`
}

// TicketResponse is the JSON body returned by the permission endpoint
// (UMA 2.0 Federated Authorization, Section 4.1).
type TicketResponse struct {
	Ticket string `json:"ticket"`
}

// ResourceSetRequest is the JSON body for resource set registration
// (UMA 2.0 Federated Authorization, Section 3).
type ResourceSetRequest struct {
	Name    string   `json:"name"`
	Type    string   `json:"type,omitempty"`
	Scopes  []string `json:"resource_scopes"`
	IconURI string   `json:"icon_uri,omitempty"`
	URI     string   `json:"uri,omitempty"`
}

// ResourceSetResponse is the JSON representation of a registered resource set.
type ResourceSetResponse struct {
	ID      string   `json:"_id"`
	Name    string   `json:"name"`
	Type    string   `json:"type,omitempty"`
	Scopes  []string `json:"resource_scopes"`
	IconURI string   `json:"icon_uri,omitempty"`
	URI     string   `json:"uri,omitempty"`
}

// PolicyClaimRule is one required claim inside a policy rule document.
type PolicyClaimRule struct {
	Type       string `json:"type"`
	Value      string `json:"value"`
	Comparison string `json:"comparison,omitempty"`
}

// PolicyRuleDocument is one rule of a policy document.
type PolicyRuleDocument struct {
	ID                           string            `json:"id,omitempty"`
	ClientIDsAllowed             []string          `json:"clients_allowed,omitempty"`
	Scopes                       []string          `json:"scopes,omitempty"`
	Claims                       []PolicyClaimRule `json:"claims_required,omitempty"`
	IsResourceOwnerConsentNeeded bool              `json:"is_resource_owner_consent_needed,omitempty"`
	OpenIDProvider               string            `json:"openid_provider,omitempty"`
}

// PolicyDocument is the JSON representation of an authorization policy.
type PolicyDocument struct {
	ID          string               `json:"id,omitempty"`
	ResourceIDs []string             `json:"resource_ids"`
	Rules       []PolicyRuleDocument `json:"rules"`
}
