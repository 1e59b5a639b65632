package server

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/gatekit/oauth/storage"
	"github.com/gatekit/oauth/token"
)

// Policy evaluation outcomes.
const (
	OutcomeAuthorized       = "authorized"
	OutcomeNotAuthorized    = "not_authorized"
	OutcomeNeedInfo         = "need_info"
	OutcomeRequestSubmitted = "request_submitted"
)

// ClaimTokenFormatJWT is the claim_token_format for a JWT claim token.
const ClaimTokenFormatJWT = "urn:ietf:params:oauth:token-type:jwt"

// ruleStatus is the per-rule evaluation result, ordered by how close the
// rule came to matching.
type ruleStatus int

const (
	ruleUnsatisfied    ruleStatus = iota
	ruleMissingClaims             // claim requirements unmet with no claim token presented
	ruleMissingConsent            // only resource owner consent outstanding
	ruleSatisfied
)

// IsAuthorized evaluates a permission ticket against the stored policies.
// The evaluator denies by default: a ticket line whose resource has no
// matching policy rule is never authorized. A line is satisfied when any
// rule of any policy attached to its resource matches; the ticket is
// authorized only when every line is satisfied.
//
// When the closest rule failed only on missing claims and no claim token
// was presented, the outcome is need_info; when it failed only on missing
// resource owner consent, the outcome is request_submitted.
func (s *Server) IsAuthorized(ctx context.Context, ticket *storage.Ticket, clientID string, claims map[string]any) (string, error) {
	outcome, err := s.evaluateTicket(ctx, ticket, clientID, claims)
	if err != nil {
		return "", err
	}
	if s.Metrics != nil {
		s.Metrics.RecordPolicyEvaluation(ctx, outcome)
	}
	return outcome, nil
}

func (s *Server) evaluateTicket(ctx context.Context, ticket *storage.Ticket, clientID string, claims map[string]any) (string, error) {
	hasClaimToken := len(claims) > 0
	needInfo := false
	requestSubmitted := false

	for _, line := range ticket.Lines {
		rs, err := s.stores.ResourceSets.GetResourceSet(ctx, line.ResourceID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// The resource vanished after the ticket was issued.
				return OutcomeNotAuthorized, nil
			}
			return "", fmt.Errorf("resource set lookup: %w", err)
		}

		policies, err := s.stores.Policies.GetPoliciesForResource(ctx, line.ResourceID)
		if err != nil {
			return "", fmt.Errorf("policy lookup: %w", err)
		}

		best := ruleUnsatisfied
		for _, policy := range policies {
			for i := range policy.Rules {
				status, err := s.evaluateRule(ctx, &policy.Rules[i], ticket, &line, rs, clientID, claims)
				if err != nil {
					return "", err
				}
				if status > best {
					best = status
				}
				if best == ruleSatisfied {
					break
				}
			}
			if best == ruleSatisfied {
				break
			}
		}

		switch best {
		case ruleSatisfied:
			// line satisfied, continue
		case ruleMissingConsent:
			requestSubmitted = true
		case ruleMissingClaims:
			if !hasClaimToken {
				needInfo = true
			} else {
				return OutcomeNotAuthorized, nil
			}
		default:
			return OutcomeNotAuthorized, nil
		}
	}

	switch {
	case needInfo:
		return OutcomeNeedInfo, nil
	case requestSubmitted:
		return OutcomeRequestSubmitted, nil
	default:
		return OutcomeAuthorized, nil
	}
}

// evaluateRule checks one policy rule against the requesting client, the
// presented claims, and the consent record.
func (s *Server) evaluateRule(ctx context.Context, rule *storage.PolicyRule, ticket *storage.Ticket, line *storage.TicketLine, rs *storage.ResourceSet, clientID string, claims map[string]any) (ruleStatus, error) {
	// Client allow-list: empty means any client.
	if len(rule.ClientIDsAllowed) > 0 && !stringInSlice(clientID, rule.ClientIDsAllowed) {
		return ruleUnsatisfied, nil
	}

	// Rule scopes bound what the rule grants: empty covers every scope of
	// the resource.
	if len(rule.Scopes) > 0 {
		for _, scope := range line.Scopes {
			if !stringInSlice(scope, rule.Scopes) {
				return ruleUnsatisfied, nil
			}
		}
	}

	for _, cr := range rule.Claims {
		ok, err := claimSatisfied(&cr, claims)
		if err != nil {
			return ruleUnsatisfied, err
		}
		if !ok {
			return ruleMissingClaims, nil
		}
	}

	if rule.OpenIDProvider != "" {
		iss, _ := claims["iss"].(string)
		if iss != rule.OpenIDProvider {
			return ruleMissingClaims, nil
		}
	}

	if rule.IsResourceOwnerConsentNeeded && !ticket.IsAuthorizedByRo {
		granted, err := s.hasOwnerConsent(ctx, rs.Owner, clientID, line.Scopes)
		if err != nil {
			return ruleUnsatisfied, err
		}
		if !granted {
			return ruleMissingConsent, nil
		}
	}

	return ruleSatisfied, nil
}

func (s *Server) hasOwnerConsent(ctx context.Context, owner, clientID string, scopes []string) (bool, error) {
	if s.stores.Consents == nil {
		return false, nil
	}
	checker, ok := s.stores.Consents.(storage.ConsentChecker)
	if !ok {
		return false, nil
	}
	granted, err := checker.HasConsent(ctx, owner, clientID, scopes)
	if err != nil {
		return false, fmt.Errorf("consent lookup: %w", err)
	}
	return granted, nil
}

// claimSatisfied applies one claim rule to the presented claims.
func claimSatisfied(rule *storage.ClaimRule, claims map[string]any) (bool, error) {
	raw, present := claims[rule.Type]
	value, _ := raw.(string)

	switch rule.Comparison {
	case storage.ComparisonNotEqual:
		return !present || value != rule.Value, nil
	case storage.ComparisonRegex:
		if !present {
			return false, nil
		}
		matched, err := regexp.MatchString(rule.Value, value)
		if err != nil {
			return false, fmt.Errorf("claim rule regex: %w", err)
		}
		return matched, nil
	default: // ComparisonEqual
		return present && value == rule.Value, nil
	}
}

// handleUMATicketGrant exchanges a permission ticket for an RPT via the
// policy engine. Denials reissue a fresh ticket so the client can retry
// after gathering claims or consent.
func (s *Server) handleUMATicketGrant(ctx context.Context, req *TokenRequest, client *storage.Client) (*storage.GrantedToken, error) {
	if req.Ticket == "" {
		return nil, errInvalidRequest("ticket is required")
	}

	ticket, err := s.stores.Tickets.GetTicket(ctx, req.Ticket)
	switch {
	case errors.Is(err, storage.ErrExpired):
		return nil, errInvalidGrant("ticket expired")
	case errors.Is(err, storage.ErrNotFound):
		return nil, errInvalidGrant("invalid ticket")
	case err != nil:
		return nil, fmt.Errorf("ticket lookup: %w", err)
	}

	claims, subject, err := s.parseClaimToken(req.ClaimToken, req.ClaimTokenFormat)
	if err != nil {
		return nil, err
	}

	outcome, err := s.IsAuthorized(ctx, ticket, client.ClientID, claims)
	if err != nil {
		return nil, err
	}
	if s.Auditor != nil {
		resourceIDs := make([]string, 0, len(ticket.Lines))
		for _, line := range ticket.Lines {
			resourceIDs = append(resourceIDs, line.ResourceID)
		}
		s.Auditor.LogPermissionDecision(subject, client.ClientID, req.ClientIP, outcome, resourceIDs)
	}

	if outcome != OutcomeAuthorized {
		return nil, s.denyWithFreshTicket(ctx, ticket, client.ClientID, outcome)
	}

	granted, err := s.generator.Issue(ctx, token.Request{
		Subject:     subject,
		ClientID:    client.ClientID,
		GrantType:   GrantTypeUMATicket,
		Lifetime:    time.Duration(s.Config.RptLifetime) * time.Second,
		Permissions: ticket.Lines,
	})
	if err != nil {
		return nil, err
	}

	if err := s.stores.Tickets.RemoveTicket(ctx, ticket.ID); err != nil {
		s.Logger.Warn("removing redeemed ticket failed", "ticket_id", ticket.ID, "error", err)
	}
	return granted, nil
}

// parseClaimToken verifies an optional claim token and flattens its claims.
// Only JWT claim tokens signed by this server's keys are accepted.
func (s *Server) parseClaimToken(claimToken, format string) (map[string]any, string, error) {
	if claimToken == "" {
		return nil, "", nil
	}
	if format != "" && format != ClaimTokenFormatJWT {
		return nil, "", errInvalidRequest("unsupported claim_token_format: " + format)
	}
	claims, err := s.parser.VerifyRaw(claimToken)
	if err != nil {
		return nil, "", errInvalidRequest("invalid claim_token")
	}
	subject, _ := claims["sub"].(string)
	return claims, subject, nil
}

// denyWithFreshTicket reissues the denied ticket's lines as a new ticket and
// maps the evaluation outcome onto the UMA error contract.
func (s *Server) denyWithFreshTicket(ctx context.Context, old *storage.Ticket, clientID, outcome string) *Error {
	now := time.Now()
	fresh := &storage.Ticket{
		ID:               generateRandomToken(),
		ClientID:         clientID,
		Lines:            old.Lines,
		IsAuthorizedByRo: old.IsAuthorizedByRo,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Duration(s.Config.TicketLifetime) * time.Second),
	}
	ticketID := ""
	if err := s.stores.Tickets.SaveTicket(ctx, fresh); err != nil {
		s.Logger.Error("reissuing ticket failed", "error", err)
	} else {
		ticketID = fresh.ID
	}

	var protoErr *Error
	switch outcome {
	case OutcomeNeedInfo:
		protoErr = newError(ErrorCodeNeedInfo, "additional claims are required", 403)
	case OutcomeRequestSubmitted:
		protoErr = newError(ErrorCodeRequestSubmitted, "the request has been submitted to the resource owner", 403)
	default:
		protoErr = newError(ErrorCodeRequestDenied, "the client is not authorized for the requested permissions", 403)
	}
	protoErr.Ticket = ticketID
	return protoErr
}
