package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatekit/oauth/storage"
)

// PermissionRequest is one requested (resource, scopes) pair registered by a
// resource server on behalf of a requesting client.
type PermissionRequest struct {
	ResourceID string   `json:"resource_id"`
	Scopes     []string `json:"resource_scopes"`
}

// AddPermission registers a permission ticket for the requested resources
// and scopes. Every resource must exist and the requested scopes must be a
// subset of the scopes the resource declared at registration.
func (s *Server) AddPermission(ctx context.Context, clientID string, requests []PermissionRequest) (*storage.Ticket, error) {
	if len(requests) == 0 {
		return nil, errInvalidRequest("at least one permission request is required")
	}

	lines := make([]storage.TicketLine, 0, len(requests))
	for _, req := range requests {
		if req.ResourceID == "" {
			return nil, errInvalidRequest("resource_id is required")
		}
		if len(req.Scopes) == 0 {
			return nil, errInvalidRequest("resource_scopes is required")
		}
		rs, err := s.stores.ResourceSets.GetResourceSet(ctx, req.ResourceID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, newError(ErrorCodeInvalidResourceID,
					"resource set does not exist: "+req.ResourceID, 400)
			}
			return nil, fmt.Errorf("resource set lookup: %w", err)
		}
		for _, scope := range req.Scopes {
			if !stringInSlice(scope, rs.Scopes) {
				return nil, newError(ErrorCodeInvalidResourceScope,
					"scope not declared by the resource set: "+scope, 400)
			}
		}
		lines = append(lines, storage.TicketLine{ResourceID: req.ResourceID, Scopes: req.Scopes})
	}

	now := time.Now()
	ticket := &storage.Ticket{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Lines:     lines,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(s.Config.TicketLifetime) * time.Second),
	}
	if err := s.stores.Tickets.SaveTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("persisting ticket: %w", err)
	}

	if s.Metrics != nil {
		s.Metrics.RecordTicketRegistered(ctx, clientID)
	}
	s.Logger.Debug("permission ticket registered",
		"ticket_id", ticket.ID,
		"client_id", clientID,
		"lines", len(lines),
	)
	return ticket, nil
}

// RegisterResourceSet stores a UMA resource registration for the owner.
// A missing ID means a new registration.
func (s *Server) RegisterResourceSet(ctx context.Context, owner string, rs *storage.ResourceSet) (*storage.ResourceSet, error) {
	if rs.Name == "" {
		return nil, errInvalidRequest("resource set name is required")
	}
	if len(rs.Scopes) == 0 {
		return nil, errInvalidRequest("resource set must declare at least one scope")
	}
	if rs.ID == "" {
		rs.ID = uuid.NewString()
		rs.CreatedAt = time.Now()
	} else {
		existing, err := s.stores.ResourceSets.GetResourceSet(ctx, rs.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, newError(ErrorCodeInvalidResourceID, "resource set does not exist", 404)
			}
			return nil, fmt.Errorf("resource set lookup: %w", err)
		}
		if existing.Owner != owner {
			return nil, errAccessDenied("resource set belongs to another owner")
		}
		rs.CreatedAt = existing.CreatedAt
	}
	rs.Owner = owner

	if err := s.stores.ResourceSets.SaveResourceSet(ctx, rs); err != nil {
		return nil, fmt.Errorf("persisting resource set: %w", err)
	}
	s.Logger.Debug("resource set registered", "resource_id", rs.ID, "owner", owner)
	return rs, nil
}

// GetResourceSet fetches one registered resource.
func (s *Server) GetResourceSet(ctx context.Context, id string) (*storage.ResourceSet, error) {
	rs, err := s.stores.ResourceSets.GetResourceSet(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newError(ErrorCodeInvalidResourceID, "resource set does not exist", 404)
		}
		return nil, fmt.Errorf("resource set lookup: %w", err)
	}
	return rs, nil
}

// ListResourceSets lists registrations, optionally filtered by owner.
func (s *Server) ListResourceSets(ctx context.Context, owner string) ([]*storage.ResourceSet, error) {
	sets, err := s.stores.ResourceSets.ListResourceSets(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("listing resource sets: %w", err)
	}
	return sets, nil
}

// DeleteResourceSet removes a registration owned by the caller.
func (s *Server) DeleteResourceSet(ctx context.Context, owner, id string) error {
	rs, err := s.stores.ResourceSets.GetResourceSet(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newError(ErrorCodeInvalidResourceID, "resource set does not exist", 404)
		}
		return fmt.Errorf("resource set lookup: %w", err)
	}
	if rs.Owner != owner {
		return errAccessDenied("resource set belongs to another owner")
	}
	if err := s.stores.ResourceSets.DeleteResourceSet(ctx, id); err != nil {
		return fmt.Errorf("deleting resource set: %w", err)
	}
	s.Logger.Debug("resource set deleted", "resource_id", id, "owner", owner)
	return nil
}

// SavePolicy stores an authorization policy after checking that every
// referenced resource exists and the policy carries at least one rule.
func (s *Server) SavePolicy(ctx context.Context, policy *storage.Policy) (*storage.Policy, error) {
	if len(policy.Rules) == 0 {
		return nil, errInvalidRequest("policy must carry at least one rule")
	}
	if len(policy.ResourceIDs) == 0 {
		return nil, errInvalidRequest("policy must reference at least one resource")
	}
	for _, rid := range policy.ResourceIDs {
		if _, err := s.stores.ResourceSets.GetResourceSet(ctx, rid); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, newError(ErrorCodeInvalidResourceID,
					"policy references an unknown resource: "+rid, 400)
			}
			return nil, fmt.Errorf("resource set lookup: %w", err)
		}
	}
	if policy.ID == "" {
		policy.ID = uuid.NewString()
		policy.CreatedAt = time.Now()
	}
	for i := range policy.Rules {
		if policy.Rules[i].ID == "" {
			policy.Rules[i].ID = uuid.NewString()
		}
	}

	if err := s.stores.Policies.SavePolicy(ctx, policy); err != nil {
		// Store-level validation (a malformed claim regex) is a caller
		// mistake, not a backend fault.
		return nil, errInvalidRequest(err.Error())
	}
	s.Logger.Debug("policy saved", "policy_id", policy.ID, "rules", len(policy.Rules))
	return policy, nil
}

// GetPolicy fetches one policy.
func (s *Server) GetPolicy(ctx context.Context, id string) (*storage.Policy, error) {
	policy, err := s.stores.Policies.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errInvalidRequest("policy does not exist")
		}
		return nil, fmt.Errorf("policy lookup: %w", err)
	}
	return policy, nil
}

// ListPolicies lists every stored policy.
func (s *Server) ListPolicies(ctx context.Context) ([]*storage.Policy, error) {
	policies, err := s.stores.Policies.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	return policies, nil
}

// DeletePolicy removes a policy.
func (s *Server) DeletePolicy(ctx context.Context, id string) error {
	if err := s.stores.Policies.DeletePolicy(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errInvalidRequest("policy does not exist")
		}
		return fmt.Errorf("deleting policy: %w", err)
	}
	return nil
}

func stringInSlice(s string, list []string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
