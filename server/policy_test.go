package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gatekit/oauth/storage"
	"github.com/gatekit/oauth/storage/memory"
)

func testRequesterClient() *storage.Client {
	return &storage.Client{
		ClientID:   "requester",
		ClientType: ClientTypeConfidential,
		GrantTypes: []string{GrantTypeUMATicket, GrantTypePassword},
	}
}

// umaFixture stands up a resource set plus a ticket asking for the given
// scopes on it.
func umaFixture(t *testing.T, srv *Server, store *memory.Store, scopes []string) (*storage.ResourceSet, *storage.Ticket) {
	t.Helper()
	rs := registerResourceSet(t, srv, testResourceSet())
	ticket := &storage.Ticket{
		ID:       "ticket-1",
		ClientID: "requester",
		Lines:    []storage.TicketLine{{ResourceID: rs.ID, Scopes: scopes}},
	}
	mustSaveTicket(t, store, ticket)
	return rs, ticket
}

func savePolicyForResource(t *testing.T, srv *Server, resourceID string, rules ...storage.PolicyRule) {
	t.Helper()
	if _, err := srv.SavePolicy(context.Background(), &storage.Policy{
		ResourceIDs: []string{resourceID},
		Rules:       rules,
	}); err != nil {
		t.Fatalf("SavePolicy() error = %v", err)
	}
}

func TestIsAuthorized_DenyByDefault(t *testing.T) {
	srv, store := newTestServer(t, nil)
	_, ticket := umaFixture(t, srv, store, []string{"view"})

	// No policy exists for the resource at all.
	outcome, err := srv.IsAuthorized(context.Background(), ticket, "requester", nil)
	if err != nil {
		t.Fatalf("IsAuthorized() error = %v", err)
	}
	if outcome != OutcomeNotAuthorized {
		t.Errorf("outcome = %q, want not_authorized", outcome)
	}
}

func TestIsAuthorized_ClientAllowList(t *testing.T) {
	srv, store := newTestServer(t, nil)
	rs, ticket := umaFixture(t, srv, store, []string{"view"})
	savePolicyForResource(t, srv, rs.ID, storage.PolicyRule{
		ClientIDsAllowed: []string{"requester"},
	})
	ctx := context.Background()

	outcome, err := srv.IsAuthorized(ctx, ticket, "requester", nil)
	if err != nil {
		t.Fatalf("IsAuthorized() error = %v", err)
	}
	if outcome != OutcomeAuthorized {
		t.Errorf("allow-listed client outcome = %q, want authorized", outcome)
	}

	outcome, err = srv.IsAuthorized(ctx, ticket, "mallory-app", nil)
	if err != nil {
		t.Fatalf("IsAuthorized() error = %v", err)
	}
	if outcome != OutcomeNotAuthorized {
		t.Errorf("unlisted client outcome = %q, want not_authorized", outcome)
	}
}

func TestIsAuthorized_RuleScopesBoundGrant(t *testing.T) {
	srv, store := newTestServer(t, nil)
	rs, _ := umaFixture(t, srv, store, []string{"view"})
	savePolicyForResource(t, srv, rs.ID, storage.PolicyRule{
		Scopes: []string{"view", "edit"},
	})
	ctx := context.Background()

	within := &storage.Ticket{
		ID:    "t-within",
		Lines: []storage.TicketLine{{ResourceID: rs.ID, Scopes: []string{"view", "edit"}}},
	}
	mustSaveTicket(t, store, within)
	outcome, _ := srv.IsAuthorized(ctx, within, "anyone", nil)
	if outcome != OutcomeAuthorized {
		t.Errorf("in-bounds outcome = %q, want authorized", outcome)
	}

	beyond := &storage.Ticket{
		ID:    "t-beyond",
		Lines: []storage.TicketLine{{ResourceID: rs.ID, Scopes: []string{"view", "delete"}}},
	}
	mustSaveTicket(t, store, beyond)
	outcome, _ = srv.IsAuthorized(ctx, beyond, "anyone", nil)
	if outcome != OutcomeNotAuthorized {
		t.Errorf("out-of-bounds outcome = %q, want not_authorized", outcome)
	}
}

func TestIsAuthorized_ClaimRules(t *testing.T) {
	srv, store := newTestServer(t, nil)
	rs, ticket := umaFixture(t, srv, store, []string{"view"})
	ctx := context.Background()

	for _, tc := range []struct {
		name    string
		rule    storage.ClaimRule
		claims  map[string]any
		outcome string
	}{
		{
			name:    "eq match",
			rule:    storage.ClaimRule{Type: "department", Value: "engineering"},
			claims:  map[string]any{"department": "engineering"},
			outcome: OutcomeAuthorized,
		},
		{
			name:    "eq mismatch with claims presented",
			rule:    storage.ClaimRule{Type: "department", Value: "engineering"},
			claims:  map[string]any{"department": "sales"},
			outcome: OutcomeNotAuthorized,
		},
		{
			name:    "eq with no claims presented",
			rule:    storage.ClaimRule{Type: "department", Value: "engineering"},
			claims:  nil,
			outcome: OutcomeNeedInfo,
		},
		{
			name:    "neq tolerates absent claim",
			rule:    storage.ClaimRule{Type: "blocked", Value: "true", Comparison: storage.ComparisonNotEqual},
			claims:  map[string]any{"department": "engineering"},
			outcome: OutcomeAuthorized,
		},
		{
			name:    "neq rejects matching claim",
			rule:    storage.ClaimRule{Type: "blocked", Value: "true", Comparison: storage.ComparisonNotEqual},
			claims:  map[string]any{"blocked": "true"},
			outcome: OutcomeNotAuthorized,
		},
		{
			name:    "regex match",
			rule:    storage.ClaimRule{Type: "email", Value: `@example\.com$`, Comparison: storage.ComparisonRegex},
			claims:  map[string]any{"email": "alice@example.com"},
			outcome: OutcomeAuthorized,
		},
		{
			name:    "regex requires the claim",
			rule:    storage.ClaimRule{Type: "email", Value: `@example\.com$`, Comparison: storage.ComparisonRegex},
			claims:  map[string]any{"department": "engineering"},
			outcome: OutcomeNotAuthorized,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			savePolicyForResource(t, srv, rs.ID, storage.PolicyRule{Claims: []storage.ClaimRule{tc.rule}})
			t.Cleanup(func() { clearPolicies(t, srv) })

			outcome, err := srv.IsAuthorized(ctx, ticket, "requester", tc.claims)
			if err != nil {
				t.Fatalf("IsAuthorized() error = %v", err)
			}
			if outcome != tc.outcome {
				t.Errorf("outcome = %q, want %q", outcome, tc.outcome)
			}
		})
	}
}

func clearPolicies(t *testing.T, srv *Server) {
	t.Helper()
	ctx := context.Background()
	policies, err := srv.ListPolicies(ctx)
	if err != nil {
		t.Fatalf("ListPolicies() error = %v", err)
	}
	for _, p := range policies {
		if err := srv.DeletePolicy(ctx, p.ID); err != nil {
			t.Fatalf("DeletePolicy() error = %v", err)
		}
	}
}

func TestIsAuthorized_ConsentRequired(t *testing.T) {
	srv, store := newTestServer(t, nil)
	rs, ticket := umaFixture(t, srv, store, []string{"view"})
	savePolicyForResource(t, srv, rs.ID, storage.PolicyRule{
		IsResourceOwnerConsentNeeded: true,
	})
	ctx := context.Background()

	outcome, err := srv.IsAuthorized(ctx, ticket, "requester", nil)
	if err != nil {
		t.Fatalf("IsAuthorized() error = %v", err)
	}
	if outcome != OutcomeRequestSubmitted {
		t.Fatalf("outcome without consent = %q, want request_submitted", outcome)
	}

	// Owner consent on record satisfies the rule.
	if err := store.SaveConsent(ctx, &storage.Consent{
		Subject:   rs.Owner,
		ClientID:  "requester",
		Scopes:    []string{"view"},
		GrantedAt: time.Now(),
	}); err != nil {
		t.Fatalf("SaveConsent() error = %v", err)
	}
	outcome, _ = srv.IsAuthorized(ctx, ticket, "requester", nil)
	if outcome != OutcomeAuthorized {
		t.Errorf("outcome with consent = %q, want authorized", outcome)
	}

	// Pre-approval on the ticket bypasses the consent lookup entirely.
	preApproved := &storage.Ticket{
		ID:               "t-preapproved",
		Lines:            ticket.Lines,
		IsAuthorizedByRo: true,
	}
	mustSaveTicket(t, store, preApproved)
	outcome, _ = srv.IsAuthorized(ctx, preApproved, "stranger-app", nil)
	if outcome != OutcomeAuthorized {
		t.Errorf("pre-approved outcome = %q, want authorized", outcome)
	}
}

func TestIsAuthorized_NeedInfoOutranksRequestSubmitted(t *testing.T) {
	srv, store := newTestServer(t, nil)
	rsA := registerResourceSet(t, srv, testResourceSet())
	rsB := registerResourceSet(t, srv, &storage.ResourceSet{
		Name:   "calendar",
		Owner:  "alice",
		Scopes: []string{"read"},
	})
	savePolicyForResource(t, srv, rsA.ID, storage.PolicyRule{
		Claims: []storage.ClaimRule{{Type: "department", Value: "engineering"}},
	})
	savePolicyForResource(t, srv, rsB.ID, storage.PolicyRule{
		IsResourceOwnerConsentNeeded: true,
	})

	ticket := &storage.Ticket{
		ID: "t-mixed",
		Lines: []storage.TicketLine{
			{ResourceID: rsA.ID, Scopes: []string{"view"}},
			{ResourceID: rsB.ID, Scopes: []string{"read"}},
		},
	}
	mustSaveTicket(t, store, ticket)

	outcome, err := srv.IsAuthorized(context.Background(), ticket, "requester", nil)
	if err != nil {
		t.Fatalf("IsAuthorized() error = %v", err)
	}
	if outcome != OutcomeNeedInfo {
		t.Errorf("outcome = %q, want need_info", outcome)
	}
}

func TestUMATicketGrant(t *testing.T) {
	srv, store := newTestServer(t, nil)
	mustRegisterClient(t, store, testRequesterClient())
	rs, ticket := umaFixture(t, srv, store, []string{"view", "edit"})
	savePolicyForResource(t, srv, rs.ID, storage.PolicyRule{
		ClientIDsAllowed: []string{"requester"},
	})
	ctx := context.Background()

	granted, err := srv.Token(ctx, &TokenRequest{
		GrantType:    GrantTypeUMATicket,
		ClientID:     "requester",
		ClientSecret: "test-secret",
		Ticket:       ticket.ID,
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	claims, err := srv.TokenParser().Verify(granted.AccessToken)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(claims.Permissions) != 1 {
		t.Fatalf("permissions = %d, want 1", len(claims.Permissions))
	}
	if claims.Permissions[0].ResourceID != rs.ID {
		t.Errorf("permission resource = %q, want %q", claims.Permissions[0].ResourceID, rs.ID)
	}

	// The ticket is consumed by a successful exchange.
	_, err = srv.Token(ctx, &TokenRequest{
		GrantType:    GrantTypeUMATicket,
		ClientID:     "requester",
		ClientSecret: "test-secret",
		Ticket:       ticket.ID,
	})
	var protoErr *Error
	if !errors.As(err, &protoErr) || protoErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("redeemed ticket error = %v, want invalid_grant", err)
	}
}

func TestUMATicketGrant_DenialReissuesTicket(t *testing.T) {
	srv, store := newTestServer(t, nil)
	mustRegisterClient(t, store, testRequesterClient())
	rs, ticket := umaFixture(t, srv, store, []string{"view"})
	savePolicyForResource(t, srv, rs.ID, storage.PolicyRule{
		ClientIDsAllowed: []string{"someone-else"},
	})
	ctx := context.Background()

	_, err := srv.Token(ctx, &TokenRequest{
		GrantType:    GrantTypeUMATicket,
		ClientID:     "requester",
		ClientSecret: "test-secret",
		Ticket:       ticket.ID,
	})
	var protoErr *Error
	if !errors.As(err, &protoErr) {
		t.Fatalf("Token() error = %v, want *Error", err)
	}
	if protoErr.Code != ErrorCodeRequestDenied {
		t.Errorf("code = %q, want request_denied", protoErr.Code)
	}
	if protoErr.Status != 403 {
		t.Errorf("status = %d, want 403", protoErr.Status)
	}
	if protoErr.Ticket == "" || protoErr.Ticket == ticket.ID {
		t.Fatalf("denial did not carry a fresh ticket, got %q", protoErr.Ticket)
	}

	// The reissued ticket preserves the requested permissions.
	fresh, err := store.GetTicket(ctx, protoErr.Ticket)
	if err != nil {
		t.Fatalf("GetTicket() error = %v", err)
	}
	if len(fresh.Lines) != 1 || fresh.Lines[0].ResourceID != rs.ID {
		t.Errorf("reissued lines = %+v", fresh.Lines)
	}
}

func TestUMATicketGrant_ClaimToken(t *testing.T) {
	srv, store := newTestServer(t, nil)
	mustRegisterClient(t, store, testRequesterClient())
	srv.SetResourceOwnerAuthenticator(&staticAuthenticator{
		username: "alice", password: "s3cret", subject: "alice",
	})
	rs, ticket := umaFixture(t, srv, store, []string{"view"})
	savePolicyForResource(t, srv, rs.ID, storage.PolicyRule{
		Claims: []storage.ClaimRule{{Type: "sub", Value: "alice"}},
	})
	ctx := context.Background()

	// Without claims the evaluator asks for more information and reissues.
	_, err := srv.Token(ctx, &TokenRequest{
		GrantType:    GrantTypeUMATicket,
		ClientID:     "requester",
		ClientSecret: "test-secret",
		Ticket:       ticket.ID,
	})
	var protoErr *Error
	if !errors.As(err, &protoErr) || protoErr.Code != ErrorCodeNeedInfo {
		t.Fatalf("claimless exchange error = %v, want need_info", err)
	}
	reissued := protoErr.Ticket
	if reissued == "" {
		t.Fatal("need_info response carried no ticket")
	}

	// A token this server issued for alice doubles as the claim token.
	aliceGrant, err := srv.Token(ctx, &TokenRequest{
		GrantType:    GrantTypePassword,
		ClientID:     "requester",
		ClientSecret: "test-secret",
		Username:     "alice",
		Password:     "s3cret",
	})
	if err != nil {
		t.Fatalf("password grant error = %v", err)
	}

	granted, err := srv.Token(ctx, &TokenRequest{
		GrantType:        GrantTypeUMATicket,
		ClientID:         "requester",
		ClientSecret:     "test-secret",
		Ticket:           reissued,
		ClaimToken:       aliceGrant.AccessToken,
		ClaimTokenFormat: ClaimTokenFormatJWT,
	})
	if err != nil {
		t.Fatalf("exchange with claim token error = %v", err)
	}
	if granted.Subject != "alice" {
		t.Errorf("RPT subject = %q, want alice", granted.Subject)
	}

	t.Run("unsupported format", func(t *testing.T) {
		_, _, err := srv.parseClaimToken(aliceGrant.AccessToken, "urn:example:cbor")
		var protoErr *Error
		if !errors.As(err, &protoErr) || protoErr.Code != ErrorCodeInvalidRequest {
			t.Errorf("parseClaimToken() error = %v, want invalid_request", err)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		_, _, err := srv.parseClaimToken("not-a-jwt", ClaimTokenFormatJWT)
		var protoErr *Error
		if !errors.As(err, &protoErr) || protoErr.Code != ErrorCodeInvalidRequest {
			t.Errorf("parseClaimToken() error = %v, want invalid_request", err)
		}
	})
}
