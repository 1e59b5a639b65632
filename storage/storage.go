// Package storage defines the store contracts for the authorization server's
// persisted artifacts: clients, granted tokens, authorization codes, device
// authorizations, confirmation codes, and the UMA resource/policy/ticket
// aggregates. It supports various backend implementations including in-memory
// and Redis.
package storage

import (
	"context"
	"time"
)

// Client represents a registered OAuth client. The token engine treats
// clients as read-only; registration and mutation happen through the admin
// surface.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	ClientName              string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	RequirePKCE             bool
	CreatedAt               time.Time
}

// AllowsGrantType reports whether the client is registered for the grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// AllowsResponseType reports whether the client is registered for the
// response type (exact match on the space-separated combination). An empty
// registration means ["code"], the RFC 7591 Section 2 default.
func (c *Client) AllowsResponseType(responseType string) bool {
	if len(c.ResponseTypes) == 0 {
		return responseType == "code"
	}
	for _, rt := range c.ResponseTypes {
		if rt == responseType {
			return true
		}
	}
	return false
}

// ResourceOwner is the authenticated end user a token is issued for.
// Authentication itself is an external collaborator; this record carries the
// claims the token generator needs.
type ResourceOwner struct {
	Subject  string
	Claims   map[string]string
	AuthTime time.Time
	AMR      []string // authentication method references
}

// AuthorizationCode is an issued, single-use authorization code.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	Subject             string
	RedirectURI         string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	AuthTime            time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// GrantedToken is the persisted record of an issued token set. AccessToken
// and IDToken are compact JWTs; RefreshToken is an opaque string.
type GrantedToken struct {
	ID             string // jti of the access token
	AccessToken    string
	TokenType      string
	IDToken        string
	RefreshToken   string
	Scope          string
	ClientID       string
	Subject        string
	GrantType      string
	CreateDateTime time.Time
	ExpiresIn      int64 // seconds
	RefreshExpires time.Time
}

// Expired reports whether the token's validity window has closed. The bound
// is strict: a token checked at exactly CreateDateTime+ExpiresIn is expired.
func (t *GrantedToken) Expired(now time.Time) bool {
	return !now.Before(t.CreateDateTime.Add(time.Duration(t.ExpiresIn) * time.Second))
}

// DeviceAuthorization is the state of one RFC 8628 device flow.
type DeviceAuthorization struct {
	DeviceCode string
	UserCode   string
	ClientID   string
	Scope      string
	Status     string // "pending", "approved", "denied"
	Subject    string // set when approved
	Interval   int    // seconds between polls
	LastPolled time.Time
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Device authorization status values.
const (
	DeviceStatusPending  = "pending"
	DeviceStatusApproved = "approved"
	DeviceStatusDenied   = "denied"
)

// ConfirmationCode is a short-lived one-time code bound to a single subject
// (SMS/email confirmation). Delivery is an external collaborator.
type ConfirmationCode struct {
	Code      string
	Subject   string
	CreatedAt time.Time
	ExpiresIn int64 // seconds
}

// TicketLine is one (resource, scopes) request inside a permission ticket.
type TicketLine struct {
	ResourceID string   `json:"resource_id"`
	Scopes     []string `json:"scopes"`
}

// Ticket is a UMA permission ticket. Tickets may be re-evaluated until
// expiry; IsAuthorizedByRo records resource-owner pre-approval.
type Ticket struct {
	ID               string
	ClientID         string
	Lines            []TicketLine
	IsAuthorizedByRo bool
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// ResourceSet is a UMA-registered protected resource.
type ResourceSet struct {
	ID        string
	Name      string
	Type      string
	Owner     string // owning client/subject
	Scopes    []string
	IconURI   string
	URI       string
	PolicyIDs []string
	CreatedAt time.Time
}

// Claim comparison operators used by policy rules, mirroring the account
// filter operators.
const (
	ComparisonEqual    = "eq"
	ComparisonNotEqual = "neq"
	ComparisonRegex    = "regex"
)

// ClaimRule is one required claim inside a policy rule.
type ClaimRule struct {
	Type       string `json:"type"`
	Value      string `json:"value"`
	Comparison string `json:"comparison,omitempty"` // defaults to ComparisonEqual
}

// PolicyRule is one rule of an authorization policy. A rule matches when the
// requesting client is allow-listed (empty list = any client), every claim
// rule is satisfied, and any required owner consent is on record.
type PolicyRule struct {
	ID                           string
	ClientIDsAllowed             []string
	Scopes                       []string
	Claims                       []ClaimRule
	IsResourceOwnerConsentNeeded bool
	OpenIDProvider               string
}

// Policy governs which scopes of which resources a requester may access.
// Invariant: at least one rule.
type Policy struct {
	ID          string
	ResourceIDs []string
	Rules       []PolicyRule
	CreatedAt   time.Time
}

// Consent records a resource owner's approval of (client, scopes), used both
// for skipping the consent step in the authorization workflow and for UMA
// rules that require explicit consent.
type Consent struct {
	Subject   string
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
}

// Covers reports whether the consent covers every requested scope.
func (c *Consent) Covers(scopes []string) bool {
	for _, want := range scopes {
		found := false
		for _, got := range c.Scopes {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ClientStore manages OAuth client registrations. The token engine only
// reads; Save/List exist for the registration/admin surface.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
	ListClients(ctx context.Context) ([]*Client, error)

	// ValidateClientSecret validates a client's secret in constant time.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// CheckIPLimit returns ErrIPLimitReached when the IP already holds
	// maxClientsPerIP registrations. A non-positive limit disables the check.
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error

	// TrackClientIP counts a successful registration against the IP.
	TrackClientIP(ctx context.Context, ip string) error
}

// TokenStore persists granted tokens keyed by access token and, when
// present, refresh token.
type TokenStore interface {
	SaveGrantedToken(ctx context.Context, token *GrantedToken) error
	GetGrantedToken(ctx context.Context, accessToken string) (*GrantedToken, error)
	DeleteGrantedToken(ctx context.Context, accessToken string) error

	// GetByRefreshToken retrieves the granted token a refresh token belongs to.
	GetByRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error)

	// ConsumeRefreshToken atomically retrieves and invalidates a refresh
	// token. Exactly one of N concurrent calls for the same token succeeds.
	ConsumeRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error)

	// RevokeForClientSubject deletes every token issued to a subject+client
	// pair, returning the number removed. Called on code-reuse detection.
	RevokeForClientSubject(ctx context.Context, clientID, subject string) (int, error)
}

// CodeStore persists single-use authorization codes.
type CodeStore interface {
	SaveCode(ctx context.Context, code *AuthorizationCode) error
	GetCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeCode atomically marks a code as consumed. Exactly one of N
	// concurrent calls for the same code succeeds; later calls get
	// ErrCodeConsumed together with the stored record so the caller can
	// revoke tokens already issued from it.
	ConsumeCode(ctx context.Context, code string) (*AuthorizationCode, error)

	DeleteCode(ctx context.Context, code string) error
}

// DeviceStore persists RFC 8628 device authorizations, addressable by both
// device code (polling) and user code (approval UI).
type DeviceStore interface {
	SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error
	GetByDeviceCode(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)
	GetByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// UpdateLastPolled records a poll without other side effects.
	UpdateLastPolled(ctx context.Context, deviceCode string, at time.Time) error

	// Approve/Deny transition a pending authorization. Approve binds the
	// approving subject.
	Approve(ctx context.Context, userCode, subject string) error
	Deny(ctx context.Context, userCode string) error

	// ConsumeDeviceAuthorization atomically removes an approved record so a
	// device code is redeemed at most once.
	ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)
}

// ConfirmationCodeStore persists one-time confirmation codes.
type ConfirmationCodeStore interface {
	SaveConfirmationCode(ctx context.Context, code *ConfirmationCode) error

	// ConsumeConfirmationCode atomically retrieves and removes a code,
	// verifying the subject binding.
	ConsumeConfirmationCode(ctx context.Context, code, subject string) (*ConfirmationCode, error)
}

// TicketStore persists UMA permission tickets.
type TicketStore interface {
	SaveTicket(ctx context.Context, ticket *Ticket) error
	GetTicket(ctx context.Context, ticketID string) (*Ticket, error)
	RemoveTicket(ctx context.Context, ticketID string) error
}

// ResourceSetStore persists UMA resource registrations.
type ResourceSetStore interface {
	SaveResourceSet(ctx context.Context, rs *ResourceSet) error
	GetResourceSet(ctx context.Context, id string) (*ResourceSet, error)
	ListResourceSets(ctx context.Context, owner string) ([]*ResourceSet, error)
	DeleteResourceSet(ctx context.Context, id string) error
}

// PolicyStore persists authorization policies.
type PolicyStore interface {
	SavePolicy(ctx context.Context, policy *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context) ([]*Policy, error)
	DeletePolicy(ctx context.Context, id string) error

	// GetPoliciesForResource returns every policy referencing the resource.
	GetPoliciesForResource(ctx context.Context, resourceID string) ([]*Policy, error)
}

// ConsentChecker answers whether consent covering a scope set is on record.
// The policy engine depends on this narrow view rather than the full store.
type ConsentChecker interface {
	HasConsent(ctx context.Context, subject, clientID string, scopes []string) (bool, error)
}

// ConsentStore records resource-owner consent grants.
type ConsentStore interface {
	SaveConsent(ctx context.Context, consent *Consent) error

	// GetConsent returns the consent record for a subject+client pair, or
	// ErrConsentNotFound.
	GetConsent(ctx context.Context, subject, clientID string) (*Consent, error)

	DeleteConsent(ctx context.Context, subject, clientID string) error
}
