package redis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/gatekit/oauth/storage"
)

// ============================================================
// TicketStore
// ============================================================

// ticketJSON is the stored representation of a UMA permission ticket.
type ticketJSON struct {
	ID               string               `json:"id"`
	ClientID         string               `json:"client_id"`
	Lines            []storage.TicketLine `json:"lines"`
	IsAuthorizedByRo bool                 `json:"is_authorized_by_ro,omitempty"`
	CreatedAt        int64                `json:"created_at"`
	ExpiresAt        int64                `json:"expires_at"`
}

func toTicketJSON(ticket *storage.Ticket) *ticketJSON {
	return &ticketJSON{
		ID:               ticket.ID,
		ClientID:         ticket.ClientID,
		Lines:            ticket.Lines,
		IsAuthorizedByRo: ticket.IsAuthorizedByRo,
		CreatedAt:        ticket.CreatedAt.Unix(),
		ExpiresAt:        ticket.ExpiresAt.Unix(),
	}
}

func fromTicketJSON(j *ticketJSON) *storage.Ticket {
	if j == nil {
		return nil
	}
	return &storage.Ticket{
		ID:               j.ID,
		ClientID:         j.ClientID,
		Lines:            j.Lines,
		IsAuthorizedByRo: j.IsAuthorizedByRo,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
		ExpiresAt:        time.Unix(j.ExpiresAt, 0),
	}
}

// SaveTicket stores a permission ticket with a TTL covering its validity.
func (s *Store) SaveTicket(ctx context.Context, ticket *storage.Ticket) error {
	if ticket == nil || ticket.ID == "" {
		return fmt.Errorf("ticket ID is required")
	}
	return s.setJSON(ctx, s.ticketKey(ticket.ID), toTicketJSON(ticket), calculateTTL(ticket.ExpiresAt))
}

// GetTicket retrieves a permission ticket by ID.
func (s *Store) GetTicket(ctx context.Context, ticketID string) (*storage.Ticket, error) {
	ticket, err := getAndUnmarshal(ctx, s, s.ticketKey(ticketID), storage.ErrNotFound, fromTicketJSON)
	if err != nil {
		return nil, err
	}
	if !time.Now().Before(ticket.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	return ticket, nil
}

// RemoveTicket deletes a permission ticket.
func (s *Store) RemoveTicket(ctx context.Context, ticketID string) error {
	if err := s.client.Del(ctx, s.ticketKey(ticketID)).Err(); err != nil {
		return fmt.Errorf("failed to remove ticket: %w", err)
	}
	return nil
}

// ============================================================
// ResourceSetStore
// ============================================================

// resourceSetJSON is the stored representation of a UMA resource set.
type resourceSetJSON struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type,omitempty"`
	Owner     string   `json:"owner,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	IconURI   string   `json:"icon_uri,omitempty"`
	URI       string   `json:"uri,omitempty"`
	PolicyIDs []string `json:"policy_ids,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

func toResourceSetJSON(rs *storage.ResourceSet) *resourceSetJSON {
	return &resourceSetJSON{
		ID:        rs.ID,
		Name:      rs.Name,
		Type:      rs.Type,
		Owner:     rs.Owner,
		Scopes:    rs.Scopes,
		IconURI:   rs.IconURI,
		URI:       rs.URI,
		PolicyIDs: rs.PolicyIDs,
		CreatedAt: rs.CreatedAt.Unix(),
	}
}

func fromResourceSetJSON(j *resourceSetJSON) *storage.ResourceSet {
	if j == nil {
		return nil
	}
	return &storage.ResourceSet{
		ID:        j.ID,
		Name:      j.Name,
		Type:      j.Type,
		Owner:     j.Owner,
		Scopes:    j.Scopes,
		IconURI:   j.IconURI,
		URI:       j.URI,
		PolicyIDs: j.PolicyIDs,
		CreatedAt: time.Unix(j.CreatedAt, 0),
	}
}

// SaveResourceSet stores a resource registration.
func (s *Store) SaveResourceSet(ctx context.Context, rs *storage.ResourceSet) error {
	if rs == nil || rs.ID == "" {
		return fmt.Errorf("resource set ID is required")
	}
	return s.setJSON(ctx, s.resourceSetKey(rs.ID), toResourceSetJSON(rs), 0)
}

// GetResourceSet retrieves a resource set by ID.
func (s *Store) GetResourceSet(ctx context.Context, id string) (*storage.ResourceSet, error) {
	return getAndUnmarshal(ctx, s, s.resourceSetKey(id), storage.ErrNotFound, fromResourceSetJSON)
}

// ListResourceSets returns resource sets, filtered by owner when non-empty.
func (s *Store) ListResourceSets(ctx context.Context, owner string) ([]*storage.ResourceSet, error) {
	var out []*storage.ResourceSet
	err := s.scanKeys(ctx, s.prefix+"resourceset:*", func(key string) error {
		rs, err := getAndUnmarshal(ctx, s, key, storage.ErrNotFound, fromResourceSetJSON)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if owner != "" && rs.Owner != owner {
			return nil
		}
		out = append(out, rs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteResourceSet removes a resource registration.
func (s *Store) DeleteResourceSet(ctx context.Context, id string) error {
	deleted, err := s.client.Del(ctx, s.resourceSetKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete resource set: %w", err)
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ============================================================
// PolicyStore
// ============================================================

// policyJSON is the stored representation of an authorization policy.
type policyJSON struct {
	ID          string               `json:"id"`
	ResourceIDs []string             `json:"resource_ids,omitempty"`
	Rules       []storage.PolicyRule `json:"rules"`
	CreatedAt   int64                `json:"created_at"`
}

func toPolicyJSON(policy *storage.Policy) *policyJSON {
	return &policyJSON{
		ID:          policy.ID,
		ResourceIDs: policy.ResourceIDs,
		Rules:       policy.Rules,
		CreatedAt:   policy.CreatedAt.Unix(),
	}
}

func fromPolicyJSON(j *policyJSON) *storage.Policy {
	if j == nil {
		return nil
	}
	return &storage.Policy{
		ID:          j.ID,
		ResourceIDs: j.ResourceIDs,
		Rules:       j.Rules,
		CreatedAt:   time.Unix(j.CreatedAt, 0),
	}
}

// SavePolicy stores a policy after validating that it has at least one rule
// and that every regex claim rule compiles.
func (s *Store) SavePolicy(ctx context.Context, policy *storage.Policy) error {
	if policy == nil {
		return fmt.Errorf("policy cannot be nil")
	}
	if policy.ID == "" {
		return fmt.Errorf("policy ID cannot be empty")
	}
	if len(policy.Rules) == 0 {
		return fmt.Errorf("policy must have at least one rule")
	}
	for _, rule := range policy.Rules {
		for _, claim := range rule.Claims {
			if claim.Comparison == storage.ComparisonRegex {
				if _, err := regexp.Compile(claim.Value); err != nil {
					return fmt.Errorf("invalid claim rule pattern %q: %w", claim.Value, err)
				}
			}
		}
	}
	return s.setJSON(ctx, s.policyKey(policy.ID), toPolicyJSON(policy), 0)
}

// GetPolicy retrieves a policy by ID.
func (s *Store) GetPolicy(ctx context.Context, id string) (*storage.Policy, error) {
	return getAndUnmarshal(ctx, s, s.policyKey(id), storage.ErrNotFound, fromPolicyJSON)
}

// ListPolicies returns all stored policies.
func (s *Store) ListPolicies(ctx context.Context) ([]*storage.Policy, error) {
	var out []*storage.Policy
	err := s.scanKeys(ctx, s.prefix+"policy:*", func(key string) error {
		policy, err := getAndUnmarshal(ctx, s, key, storage.ErrNotFound, fromPolicyJSON)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		out = append(out, policy)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeletePolicy removes a policy.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	deleted, err := s.client.Del(ctx, s.policyKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetPoliciesForResource returns every policy referencing the resource.
func (s *Store) GetPoliciesForResource(ctx context.Context, resourceID string) ([]*storage.Policy, error) {
	policies, err := s.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	var out []*storage.Policy
	for _, policy := range policies {
		for _, rid := range policy.ResourceIDs {
			if rid == resourceID {
				out = append(out, policy)
				break
			}
		}
	}
	return out, nil
}

// ============================================================
// ConsentStore
// ============================================================

// consentJSON is the stored representation of a consent record.
type consentJSON struct {
	Subject   string   `json:"subject"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes,omitempty"`
	GrantedAt int64    `json:"granted_at"`
}

func toConsentJSON(consent *storage.Consent) *consentJSON {
	return &consentJSON{
		Subject:   consent.Subject,
		ClientID:  consent.ClientID,
		Scopes:    consent.Scopes,
		GrantedAt: consent.GrantedAt.Unix(),
	}
}

func fromConsentJSON(j *consentJSON) *storage.Consent {
	if j == nil {
		return nil
	}
	return &storage.Consent{
		Subject:   j.Subject,
		ClientID:  j.ClientID,
		Scopes:    j.Scopes,
		GrantedAt: time.Unix(j.GrantedAt, 0),
	}
}

// SaveConsent records a consent grant. An existing record for the same
// subject+client pair is merged: scopes only ever widen.
func (s *Store) SaveConsent(ctx context.Context, consent *storage.Consent) error {
	if consent == nil {
		return fmt.Errorf("consent cannot be nil")
	}
	if consent.Subject == "" || consent.ClientID == "" {
		return fmt.Errorf("consent subject and client ID cannot be empty")
	}

	c := *consent
	c.Scopes = append([]string(nil), consent.Scopes...)

	existing, err := s.GetConsent(ctx, consent.Subject, consent.ClientID)
	if err != nil && !errors.Is(err, storage.ErrConsentNotFound) {
		return err
	}
	if existing != nil {
		for _, scope := range existing.Scopes {
			if !c.Covers([]string{scope}) {
				c.Scopes = append(c.Scopes, scope)
			}
		}
	}

	return s.setJSON(ctx, s.consentKey(c.Subject, c.ClientID), toConsentJSON(&c), 0)
}

// GetConsent returns the consent record for a subject+client pair.
func (s *Store) GetConsent(ctx context.Context, subject, clientID string) (*storage.Consent, error) {
	return getAndUnmarshal(ctx, s, s.consentKey(subject, clientID), storage.ErrConsentNotFound, fromConsentJSON)
}

// DeleteConsent removes a consent record.
func (s *Store) DeleteConsent(ctx context.Context, subject, clientID string) error {
	if err := s.client.Del(ctx, s.consentKey(subject, clientID)).Err(); err != nil {
		return fmt.Errorf("failed to delete consent: %w", err)
	}
	return nil
}

// HasConsent reports whether a consent record covering every requested
// scope is on record.
func (s *Store) HasConsent(ctx context.Context, subject, clientID string, scopes []string) (bool, error) {
	consent, err := s.GetConsent(ctx, subject, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrConsentNotFound) {
			return false, nil
		}
		return false, err
	}
	return consent.Covers(scopes), nil
}
