package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatekit/oauth/storage"
)

// Client type constants.
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591).
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// ClientRegistration carries the admin surface's registration request. The
// token engine itself never mutates clients.
type ClientRegistration struct {
	ClientName              string
	ClientType              string
	TokenEndpointAuthMethod string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	RequirePKCE             bool
}

// RegisterClient registers a new OAuth client and returns it with the
// generated plaintext secret (confidential clients only). The plaintext
// secret exists only in the return value; the store keeps a bcrypt hash.
func (s *Server) RegisterClient(ctx context.Context, reg *ClientRegistration, clientIP string) (*storage.Client, string, error) {
	if err := s.stores.Clients.CheckIPLimit(ctx, clientIP, s.Config.MaxClientsPerIP); err != nil {
		if errors.Is(err, storage.ErrIPLimitReached) {
			if s.Auditor != nil {
				s.Auditor.LogRateLimitExceeded(clientIP, "")
			}
			return nil, "", errRegistrationLimited()
		}
		return nil, "", fmt.Errorf("checking registration limit: %w", err)
	}
	if err := s.validateRedirectURIsWithAudit(reg.RedirectURIs, clientIP); err != nil {
		return nil, "", err
	}
	for _, gt := range reg.GrantTypes {
		switch gt {
		case GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypePassword,
			GrantTypeRefreshToken, GrantTypeDeviceCode, GrantTypeUMATicket, GrantTypeImplicit:
		default:
			return nil, "", errInvalidRequest("unsupported grant type: " + gt)
		}
	}

	clientID := generateRandomToken()
	clientType, authMethod := resolveClientTypeAndAuthMethod(reg.ClientType, reg.TokenEndpointAuthMethod)
	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", err
	}

	grantTypes := reg.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	responseTypes := reg.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}

	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		ClientName:              reg.ClientName,
		RedirectURIs:            reg.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scopes:                  reg.Scopes,
		RequirePKCE:             reg.RequirePKCE,
		CreatedAt:               time.Now(),
	}

	if err := s.stores.Clients.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}
	if err := s.stores.Clients.TrackClientIP(ctx, clientIP); err != nil {
		s.Logger.Warn("tracking registration IP failed", "ip", clientIP, "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	}
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)
	return client, clientSecret, nil
}

// validateRedirectURIsWithAudit validates redirect URIs and logs failures
// for auditing.
func (s *Server) validateRedirectURIsWithAudit(redirectURIs []string, clientIP string) error {
	for _, uri := range redirectURIs {
		if err := validateRedirectURISecurityEnhanced(uri, s.Config.Issuer, s.Config.AllowedCustomSchemes); err != nil {
			if s.Auditor != nil {
				s.Auditor.LogInvalidRedirect("", clientIP, uri, err.Error())
			}
			s.Logger.Warn("Client registration rejected: redirect URI validation failed",
				"error", err.Error(),
				"client_ip", clientIP)
			return errInvalidRequest("invalid redirect_uri")
		}
	}
	return nil
}

// resolveClientTypeAndAuthMethod determines the client type and auth method.
// Per RFC 7591 Section 2: token_endpoint_auth_method determines client type.
func resolveClientTypeAndAuthMethod(clientType, tokenEndpointAuthMethod string) (string, string) {
	if tokenEndpointAuthMethod == TokenEndpointAuthMethodNone {
		clientType = ClientTypePublic
	} else if clientType == "" {
		clientType = ClientTypeConfidential
	}

	if tokenEndpointAuthMethod == "" {
		if clientType == ClientTypePublic {
			tokenEndpointAuthMethod = TokenEndpointAuthMethodNone
		} else {
			tokenEndpointAuthMethod = TokenEndpointAuthMethodBasic
		}
	}

	return clientType, tokenEndpointAuthMethod
}

// generateClientSecret generates a secret for confidential clients.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// ValidateClientCredentials validates client credentials for the token endpoint.
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.stores.Clients.ValidateClientSecret(ctx, clientID, clientSecret)
}

// GetClient retrieves a client by ID (for use by the handler).
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.stores.Clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, errInvalidClient("unknown client")
		}
		return nil, fmt.Errorf("client lookup: %w", err)
	}
	return client, nil
}

// ListClients lists registered clients for the admin surface.
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return s.stores.Clients.ListClients(ctx)
}
