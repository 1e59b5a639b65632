package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatekit/oauth/security"
	"github.com/gatekit/oauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewWithInterval(time.Hour) // keep cleanup out of the way
	t.Cleanup(s.Stop)
	return s
}

func testClient(id string) *storage.Client {
	return &storage.Client{
		ClientID:      id,
		ClientType:    "confidential",
		RedirectURIs:  []string{"https://example.com/callback"},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		Scopes:        []string{"openid", "profile"},
		CreatedAt:     time.Now(),
	}
}

func testToken(accessToken, refreshToken, clientID, subject string) *storage.GrantedToken {
	return &storage.GrantedToken{
		ID:             "jti-" + accessToken,
		AccessToken:    accessToken,
		TokenType:      "Bearer",
		RefreshToken:   refreshToken,
		Scope:          "openid",
		ClientID:       clientID,
		Subject:        subject,
		GrantType:      "authorization_code",
		CreateDateTime: time.Now(),
		ExpiresIn:      3600,
	}
}

// ============================================================
// ClientStore
// ============================================================

func TestClientStore_SaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := testClient("client-1")
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientID != "client-1" {
		t.Errorf("ClientID = %q, want %q", got.ClientID, "client-1")
	}

	// Returned record is a copy; mutating it must not affect the store
	got.ClientType = "public"
	again, _ := s.GetClient(ctx, "client-1")
	if again.ClientType != "confidential" {
		t.Error("GetClient() returned a shared pointer, want a copy")
	}
}

func TestClientStore_GetUnknown(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetClient(context.Background(), "nope")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}

func TestClientStore_SaveValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveClient(ctx, nil); err == nil {
		t.Error("SaveClient(nil) should fail")
	}
	if err := s.SaveClient(ctx, &storage.Client{}); err == nil {
		t.Error("SaveClient with empty ID should fail")
	}
}

func TestClientStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.SaveClient(ctx, testClient(fmt.Sprintf("client-%d", i))); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 3 {
		t.Errorf("ListClients() returned %d clients, want 3", len(clients))
	}
}

func TestValidateClientSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}

	confidential := testClient("confidential-client")
	confidential.ClientSecretHash = string(hash)
	if err := s.SaveClient(ctx, confidential); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	public := testClient("public-client")
	public.ClientType = "public"
	if err := s.SaveClient(ctx, public); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"correct secret", "confidential-client", "correct-secret", false},
		{"wrong secret", "confidential-client", "wrong-secret", true},
		{"empty secret", "confidential-client", "", true},
		{"public client no secret", "public-client", "", false},
		{"unknown client", "ghost", "anything", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateClientSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ============================================================
// TokenStore
// ============================================================

func TestTokenStore_SaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := testToken("at-1", "rt-1", "client-1", "user-1")
	if err := s.SaveGrantedToken(ctx, token); err != nil {
		t.Fatalf("SaveGrantedToken() error = %v", err)
	}

	got, err := s.GetGrantedToken(ctx, "at-1")
	if err != nil {
		t.Fatalf("GetGrantedToken() error = %v", err)
	}
	if got.Subject != "user-1" || got.RefreshToken != "rt-1" {
		t.Errorf("got subject=%q refresh=%q, want user-1/rt-1", got.Subject, got.RefreshToken)
	}
}

func TestTokenStore_StrictExpiryBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := testToken("at-exp", "", "client-1", "user-1")
	token.CreateDateTime = time.Now().Add(-3600 * time.Second)
	token.ExpiresIn = 3600
	if err := s.SaveGrantedToken(ctx, token); err != nil {
		t.Fatalf("SaveGrantedToken() error = %v", err)
	}

	// Exactly at (or just past) the boundary the token is expired
	if _, err := s.GetGrantedToken(ctx, "at-exp"); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("GetGrantedToken() error = %v, want ErrExpired", err)
	}
}

func TestGrantedToken_ExpiredBoundary(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	token := &storage.GrantedToken{CreateDateTime: created, ExpiresIn: 60}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"one second before expiry", created.Add(59 * time.Second), false},
		{"exactly at expiry", created.Add(60 * time.Second), true},
		{"after expiry", created.Add(61 * time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := token.Expired(tt.now); got != tt.want {
				t.Errorf("Expired(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestTokenStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveGrantedToken(ctx, testToken("at-del", "rt-del", "c", "u")); err != nil {
		t.Fatalf("SaveGrantedToken() error = %v", err)
	}
	if err := s.DeleteGrantedToken(ctx, "at-del"); err != nil {
		t.Fatalf("DeleteGrantedToken() error = %v", err)
	}

	if _, err := s.GetGrantedToken(ctx, "at-del"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetGrantedToken() after delete error = %v, want ErrNotFound", err)
	}
	// The refresh index entry goes with it
	if _, err := s.GetByRefreshToken(ctx, "rt-del"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetByRefreshToken() after delete error = %v, want ErrNotFound", err)
	}
}

func TestTokenStore_GetByRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveGrantedToken(ctx, testToken("at-2", "rt-2", "c", "u")); err != nil {
		t.Fatalf("SaveGrantedToken() error = %v", err)
	}

	got, err := s.GetByRefreshToken(ctx, "rt-2")
	if err != nil {
		t.Fatalf("GetByRefreshToken() error = %v", err)
	}
	if got.AccessToken != "at-2" {
		t.Errorf("AccessToken = %q, want at-2", got.AccessToken)
	}
}

func TestTokenStore_ConsumeRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveGrantedToken(ctx, testToken("at-3", "rt-3", "c", "u")); err != nil {
		t.Fatalf("SaveGrantedToken() error = %v", err)
	}

	got, err := s.ConsumeRefreshToken(ctx, "rt-3")
	if err != nil {
		t.Fatalf("ConsumeRefreshToken() error = %v", err)
	}
	if got.AccessToken != "at-3" {
		t.Errorf("AccessToken = %q, want at-3", got.AccessToken)
	}

	// Second consume fails and the old grant is gone
	if _, err := s.ConsumeRefreshToken(ctx, "rt-3"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second ConsumeRefreshToken() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetGrantedToken(ctx, "at-3"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetGrantedToken() after consume error = %v, want ErrNotFound", err)
	}
}

func TestTokenStore_ConsumeRefreshToken_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := testToken("at-4", "rt-4", "c", "u")
	token.RefreshExpires = time.Now().Add(-time.Minute)
	if err := s.SaveGrantedToken(ctx, token); err != nil {
		t.Fatalf("SaveGrantedToken() error = %v", err)
	}

	if _, err := s.ConsumeRefreshToken(ctx, "rt-4"); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("ConsumeRefreshToken() error = %v, want ErrExpired", err)
	}
}

func TestTokenStore_ConsumeRefreshToken_ConcurrentExactlyOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveGrantedToken(ctx, testToken("at-5", "rt-5", "c", "u")); err != nil {
		t.Fatalf("SaveGrantedToken() error = %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	var successes atomic.Int64

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeRefreshToken(ctx, "rt-5"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("%d concurrent consumes succeeded, want exactly 1", got)
	}
}

func TestTokenStore_RevokeForClientSubject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tokens := []*storage.GrantedToken{
		testToken("at-a", "rt-a", "client-x", "alice"),
		testToken("at-b", "rt-b", "client-x", "alice"),
		testToken("at-c", "rt-c", "client-x", "bob"),
		testToken("at-d", "rt-d", "client-y", "alice"),
	}
	for _, token := range tokens {
		if err := s.SaveGrantedToken(ctx, token); err != nil {
			t.Fatalf("SaveGrantedToken() error = %v", err)
		}
	}

	count, err := s.RevokeForClientSubject(ctx, "client-x", "alice")
	if err != nil {
		t.Fatalf("RevokeForClientSubject() error = %v", err)
	}
	if count != 2 {
		t.Errorf("revoked %d tokens, want 2", count)
	}

	// Unrelated tokens survive
	if _, err := s.GetGrantedToken(ctx, "at-c"); err != nil {
		t.Errorf("bob's token should survive, got error %v", err)
	}
	if _, err := s.GetGrantedToken(ctx, "at-d"); err != nil {
		t.Errorf("client-y token should survive, got error %v", err)
	}
	if _, err := s.GetGrantedToken(ctx, "at-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("alice's client-x token should be gone, got error %v", err)
	}
}

func TestTokenStore_EncryptionAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	s.SetEncryptor(enc)

	token := testToken("at-enc", "rt-enc", "c", "u")
	token.IDToken = "header.payload.sig"
	if err := s.SaveGrantedToken(ctx, token); err != nil {
		t.Fatalf("SaveGrantedToken() error = %v", err)
	}

	// Stored record is ciphertext
	s.mu.RLock()
	stored := s.tokens["at-enc"]
	s.mu.RUnlock()
	if stored.AccessToken == "at-enc" {
		t.Error("stored access token is plaintext, want ciphertext")
	}
	if stored.IDToken == "header.payload.sig" {
		t.Error("stored id token is plaintext, want ciphertext")
	}

	// Reads round-trip transparently, by access token and refresh token alike
	got, err := s.GetGrantedToken(ctx, "at-enc")
	if err != nil {
		t.Fatalf("GetGrantedToken() error = %v", err)
	}
	if got.AccessToken != "at-enc" || got.IDToken != "header.payload.sig" || got.RefreshToken != "rt-enc" {
		t.Errorf("decrypted token mismatch: %+v", got)
	}

	viaRefresh, err := s.GetByRefreshToken(ctx, "rt-enc")
	if err != nil {
		t.Fatalf("GetByRefreshToken() error = %v", err)
	}
	if viaRefresh.AccessToken != "at-enc" {
		t.Errorf("AccessToken via refresh = %q, want at-enc", viaRefresh.AccessToken)
	}
}

// ============================================================
// CodeStore
// ============================================================

func testCode(code string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        code,
		ClientID:    "client-1",
		Subject:     "user-1",
		RedirectURI: "https://example.com/callback",
		Scope:       "openid",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Minute),
	}
}

func TestCodeStore_ConsumeOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCode(ctx, testCode("code-1")); err != nil {
		t.Fatalf("SaveCode() error = %v", err)
	}

	got, err := s.ConsumeCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("ConsumeCode() error = %v", err)
	}
	if !got.Consumed {
		t.Error("consumed code should be marked Consumed")
	}

	// Reuse returns the stored record with ErrCodeConsumed
	reused, err := s.ConsumeCode(ctx, "code-1")
	if !errors.Is(err, storage.ErrCodeConsumed) {
		t.Fatalf("second ConsumeCode() error = %v, want ErrCodeConsumed", err)
	}
	if reused == nil || reused.ClientID != "client-1" || reused.Subject != "user-1" {
		t.Errorf("reuse should return the stored record, got %+v", reused)
	}
}

func TestCodeStore_ConsumeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testCode("code-exp")
	code.ExpiresAt = time.Now().Add(-time.Second)
	if err := s.SaveCode(ctx, code); err != nil {
		t.Fatalf("SaveCode() error = %v", err)
	}

	if _, err := s.ConsumeCode(ctx, "code-exp"); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("ConsumeCode() error = %v, want ErrExpired", err)
	}
}

func TestCodeStore_ConsumeUnknown(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.ConsumeCode(context.Background(), "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeCode() error = %v, want ErrNotFound", err)
	}
}

func TestCodeStore_ConcurrentConsumeExactlyOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCode(ctx, testCode("code-race")); err != nil {
		t.Fatalf("SaveCode() error = %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	var successes, reuses atomic.Int64

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeCode(ctx, "code-race")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrCodeConsumed):
				reuses.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("%d concurrent consumes succeeded, want exactly 1", got)
	}
	if got := reuses.Load(); got != n-1 {
		t.Errorf("%d consumes saw ErrCodeConsumed, want %d", got, n-1)
	}
}

// ============================================================
// DeviceStore
// ============================================================

func testDevice(deviceCode, userCode string) *storage.DeviceAuthorization {
	return &storage.DeviceAuthorization{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ClientID:   "tv-client",
		Scope:      "openid",
		Status:     storage.DeviceStatusPending,
		Interval:   5,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(10 * time.Minute),
	}
}

func TestDeviceStore_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveDeviceAuthorization(ctx, testDevice("dc-1", "ABCD-1234")); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}

	// Pending: consume fails with ErrDevicePending
	if _, err := s.ConsumeDeviceAuthorization(ctx, "dc-1"); !errors.Is(err, storage.ErrDevicePending) {
		t.Fatalf("ConsumeDeviceAuthorization() while pending error = %v, want ErrDevicePending", err)
	}

	// Lookup by user code for the approval UI
	byUser, err := s.GetByUserCode(ctx, "ABCD-1234")
	if err != nil {
		t.Fatalf("GetByUserCode() error = %v", err)
	}
	if byUser.DeviceCode != "dc-1" {
		t.Errorf("DeviceCode = %q, want dc-1", byUser.DeviceCode)
	}

	// Approve binds the subject
	if err := s.Approve(ctx, "ABCD-1234", "alice"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	got, err := s.ConsumeDeviceAuthorization(ctx, "dc-1")
	if err != nil {
		t.Fatalf("ConsumeDeviceAuthorization() after approval error = %v", err)
	}
	if got.Subject != "alice" || got.Status != storage.DeviceStatusApproved {
		t.Errorf("consumed record = %+v, want approved by alice", got)
	}

	// Single redemption: the record is gone
	if _, err := s.ConsumeDeviceAuthorization(ctx, "dc-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second ConsumeDeviceAuthorization() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetByUserCode(ctx, "ABCD-1234"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetByUserCode() after consume error = %v, want ErrNotFound", err)
	}
}

func TestDeviceStore_Deny(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveDeviceAuthorization(ctx, testDevice("dc-2", "WXYZ-5678")); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}
	if err := s.Deny(ctx, "WXYZ-5678"); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}

	if _, err := s.ConsumeDeviceAuthorization(ctx, "dc-2"); !errors.Is(err, storage.ErrDeviceDenied) {
		t.Errorf("ConsumeDeviceAuthorization() error = %v, want ErrDeviceDenied", err)
	}

	// Denial consumes the record too
	if _, err := s.GetByDeviceCode(ctx, "dc-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetByDeviceCode() after denied consume error = %v, want ErrNotFound", err)
	}
}

func TestDeviceStore_ApproveAfterDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveDeviceAuthorization(ctx, testDevice("dc-3", "CODE-0001")); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}
	if err := s.Approve(ctx, "CODE-0001", "alice"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if err := s.Approve(ctx, "CODE-0001", "bob"); err == nil {
		t.Error("second Approve() should fail")
	}
}

func TestDeviceStore_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	auth := testDevice("dc-4", "CODE-0002")
	auth.ExpiresAt = time.Now().Add(-time.Second)
	if err := s.SaveDeviceAuthorization(ctx, auth); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}

	if _, err := s.GetByDeviceCode(ctx, "dc-4"); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("GetByDeviceCode() error = %v, want ErrExpired", err)
	}
	if _, err := s.ConsumeDeviceAuthorization(ctx, "dc-4"); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("ConsumeDeviceAuthorization() error = %v, want ErrExpired", err)
	}
}

func TestDeviceStore_UpdateLastPolled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveDeviceAuthorization(ctx, testDevice("dc-5", "CODE-0003")); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}

	at := time.Now()
	if err := s.UpdateLastPolled(ctx, "dc-5", at); err != nil {
		t.Fatalf("UpdateLastPolled() error = %v", err)
	}

	got, err := s.GetByDeviceCode(ctx, "dc-5")
	if err != nil {
		t.Fatalf("GetByDeviceCode() error = %v", err)
	}
	if !got.LastPolled.Equal(at) {
		t.Errorf("LastPolled = %v, want %v", got.LastPolled, at)
	}
}

// ============================================================
// ConfirmationCodeStore
// ============================================================

func TestConfirmationCodeStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.ConfirmationCode{
		Code:      "123456",
		Subject:   "alice",
		CreatedAt: time.Now(),
		ExpiresIn: 300,
	}
	if err := s.SaveConfirmationCode(ctx, code); err != nil {
		t.Fatalf("SaveConfirmationCode() error = %v", err)
	}

	// Wrong subject does not consume
	if _, err := s.ConsumeConfirmationCode(ctx, "123456", "mallory"); !errors.Is(err, storage.ErrSubjectMismatch) {
		t.Fatalf("ConsumeConfirmationCode() wrong subject error = %v, want ErrSubjectMismatch", err)
	}

	got, err := s.ConsumeConfirmationCode(ctx, "123456", "alice")
	if err != nil {
		t.Fatalf("ConsumeConfirmationCode() error = %v", err)
	}
	if got.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", got.Subject)
	}

	// Single use
	if _, err := s.ConsumeConfirmationCode(ctx, "123456", "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second ConsumeConfirmationCode() error = %v, want ErrNotFound", err)
	}
}

func TestConfirmationCodeStore_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.ConfirmationCode{
		Code:      "999999",
		Subject:   "alice",
		CreatedAt: time.Now().Add(-10 * time.Minute),
		ExpiresIn: 300,
	}
	if err := s.SaveConfirmationCode(ctx, code); err != nil {
		t.Fatalf("SaveConfirmationCode() error = %v", err)
	}

	if _, err := s.ConsumeConfirmationCode(ctx, "999999", "alice"); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("ConsumeConfirmationCode() error = %v, want ErrExpired", err)
	}
}

// ============================================================
// TicketStore
// ============================================================

func TestTicketStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ticket := &storage.Ticket{
		ID:       "ticket-1",
		ClientID: "rs-client",
		Lines: []storage.TicketLine{
			{ResourceID: "rs-1", Scopes: []string{"read", "write"}},
		},
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	}
	if err := s.SaveTicket(ctx, ticket); err != nil {
		t.Fatalf("SaveTicket() error = %v", err)
	}

	got, err := s.GetTicket(ctx, "ticket-1")
	if err != nil {
		t.Fatalf("GetTicket() error = %v", err)
	}
	if len(got.Lines) != 1 || got.Lines[0].ResourceID != "rs-1" {
		t.Errorf("ticket lines = %+v, want rs-1", got.Lines)
	}

	if err := s.RemoveTicket(ctx, "ticket-1"); err != nil {
		t.Fatalf("RemoveTicket() error = %v", err)
	}
	if _, err := s.GetTicket(ctx, "ticket-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetTicket() after remove error = %v, want ErrNotFound", err)
	}
}

func TestTicketStore_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ticket := &storage.Ticket{
		ID:        "ticket-old",
		ClientID:  "rs-client",
		Lines:     []storage.TicketLine{{ResourceID: "rs-1", Scopes: []string{"read"}}},
		CreatedAt: time.Now().Add(-2 * time.Minute),
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.SaveTicket(ctx, ticket); err != nil {
		t.Fatalf("SaveTicket() error = %v", err)
	}

	if _, err := s.GetTicket(ctx, "ticket-old"); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("GetTicket() error = %v, want ErrExpired", err)
	}
}

// ============================================================
// ResourceSetStore and PolicyStore
// ============================================================

func TestResourceSetStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rs := &storage.ResourceSet{
		ID:     "rs-1",
		Name:   "Photo Album",
		Owner:  "alice",
		Scopes: []string{"view", "delete"},
	}
	if err := s.SaveResourceSet(ctx, rs); err != nil {
		t.Fatalf("SaveResourceSet() error = %v", err)
	}

	got, err := s.GetResourceSet(ctx, "rs-1")
	if err != nil {
		t.Fatalf("GetResourceSet() error = %v", err)
	}
	if got.Name != "Photo Album" {
		t.Errorf("Name = %q, want Photo Album", got.Name)
	}

	if err := s.SaveResourceSet(ctx, &storage.ResourceSet{ID: "rs-2", Name: "Calendar", Owner: "bob"}); err != nil {
		t.Fatalf("SaveResourceSet() error = %v", err)
	}

	mine, err := s.ListResourceSets(ctx, "alice")
	if err != nil {
		t.Fatalf("ListResourceSets() error = %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "rs-1" {
		t.Errorf("ListResourceSets(alice) = %+v, want only rs-1", mine)
	}

	all, err := s.ListResourceSets(ctx, "")
	if err != nil {
		t.Fatalf("ListResourceSets() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListResourceSets(\"\") returned %d, want 2", len(all))
	}

	if err := s.DeleteResourceSet(ctx, "rs-1"); err != nil {
		t.Fatalf("DeleteResourceSet() error = %v", err)
	}
	if err := s.DeleteResourceSet(ctx, "rs-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second DeleteResourceSet() error = %v, want ErrNotFound", err)
	}
}

func TestPolicyStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	policy := &storage.Policy{
		ID:          "policy-1",
		ResourceIDs: []string{"rs-1", "rs-2"},
		Rules: []storage.PolicyRule{
			{ID: "rule-1", ClientIDsAllowed: []string{"client-1"}, Scopes: []string{"read"}},
		},
		CreatedAt: time.Now(),
	}
	if err := s.SavePolicy(ctx, policy); err != nil {
		t.Fatalf("SavePolicy() error = %v", err)
	}

	forRs1, err := s.GetPoliciesForResource(ctx, "rs-1")
	if err != nil {
		t.Fatalf("GetPoliciesForResource() error = %v", err)
	}
	if len(forRs1) != 1 || forRs1[0].ID != "policy-1" {
		t.Errorf("GetPoliciesForResource(rs-1) = %+v, want policy-1", forRs1)
	}

	forOther, err := s.GetPoliciesForResource(ctx, "rs-99")
	if err != nil {
		t.Fatalf("GetPoliciesForResource() error = %v", err)
	}
	if len(forOther) != 0 {
		t.Errorf("GetPoliciesForResource(rs-99) = %+v, want none", forOther)
	}
}

func TestPolicyStore_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// No rules
	err := s.SavePolicy(ctx, &storage.Policy{ID: "empty", ResourceIDs: []string{"rs-1"}})
	if err == nil {
		t.Error("SavePolicy() with no rules should fail")
	}

	// Malformed regex claim rule
	err = s.SavePolicy(ctx, &storage.Policy{
		ID:          "bad-regex",
		ResourceIDs: []string{"rs-1"},
		Rules: []storage.PolicyRule{
			{ID: "r", Claims: []storage.ClaimRule{{Type: "email", Value: "([", Comparison: storage.ComparisonRegex}}},
		},
	})
	if err == nil {
		t.Error("SavePolicy() with malformed regex should fail")
	}
}

// ============================================================
// ConsentStore
// ============================================================

func TestConsentStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	consent := &storage.Consent{
		Subject:   "alice",
		ClientID:  "client-1",
		Scopes:    []string{"openid", "profile"},
		GrantedAt: time.Now(),
	}
	if err := s.SaveConsent(ctx, consent); err != nil {
		t.Fatalf("SaveConsent() error = %v", err)
	}

	got, err := s.GetConsent(ctx, "alice", "client-1")
	if err != nil {
		t.Fatalf("GetConsent() error = %v", err)
	}
	if !got.Covers([]string{"openid"}) {
		t.Error("consent should cover openid")
	}
	if got.Covers([]string{"openid", "email"}) {
		t.Error("consent should not cover email")
	}

	// Repeat saves merge scopes
	if err := s.SaveConsent(ctx, &storage.Consent{
		Subject:  "alice",
		ClientID: "client-1",
		Scopes:   []string{"email"},
	}); err != nil {
		t.Fatalf("SaveConsent() merge error = %v", err)
	}

	ok, err := s.HasConsent(ctx, "alice", "client-1", []string{"openid", "email"})
	if err != nil {
		t.Fatalf("HasConsent() error = %v", err)
	}
	if !ok {
		t.Error("merged consent should cover openid and email")
	}

	ok, err = s.HasConsent(ctx, "alice", "other-client", []string{"openid"})
	if err != nil {
		t.Fatalf("HasConsent() error = %v", err)
	}
	if ok {
		t.Error("no consent on record for other-client")
	}

	if err := s.DeleteConsent(ctx, "alice", "client-1"); err != nil {
		t.Fatalf("DeleteConsent() error = %v", err)
	}
	if _, err := s.GetConsent(ctx, "alice", "client-1"); !errors.Is(err, storage.ErrConsentNotFound) {
		t.Errorf("GetConsent() after delete error = %v, want ErrConsentNotFound", err)
	}
}

// ============================================================
// Cleanup
// ============================================================

func TestCleanupRemovesExpiredRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Comfortably past the clock skew grace period
	past := time.Now().Add(-24 * time.Hour)

	expiredToken := testToken("at-old", "", "c", "u")
	expiredToken.CreateDateTime = past
	expiredToken.ExpiresIn = 60
	if err := s.SaveGrantedToken(ctx, expiredToken); err != nil {
		t.Fatalf("SaveGrantedToken() error = %v", err)
	}

	liveToken := testToken("at-live", "", "c", "u")
	if err := s.SaveGrantedToken(ctx, liveToken); err != nil {
		t.Fatalf("SaveGrantedToken() error = %v", err)
	}

	expiredCode := testCode("code-old")
	expiredCode.ExpiresAt = past
	if err := s.SaveCode(ctx, expiredCode); err != nil {
		t.Fatalf("SaveCode() error = %v", err)
	}

	expiredDevice := testDevice("dc-old", "OLD-0000")
	expiredDevice.ExpiresAt = past
	if err := s.SaveDeviceAuthorization(ctx, expiredDevice); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}

	expiredTicket := &storage.Ticket{
		ID:        "ticket-old",
		ClientID:  "c",
		Lines:     []storage.TicketLine{{ResourceID: "rs-1", Scopes: []string{"read"}}},
		CreatedAt: past,
		ExpiresAt: past,
	}
	if err := s.SaveTicket(ctx, expiredTicket); err != nil {
		t.Fatalf("SaveTicket() error = %v", err)
	}

	s.cleanup()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tokens["at-old"]; ok {
		t.Error("expired token survived cleanup")
	}
	if _, ok := s.tokens["at-live"]; !ok {
		t.Error("live token removed by cleanup")
	}
	if _, ok := s.codes["code-old"]; ok {
		t.Error("expired code survived cleanup")
	}
	if _, ok := s.devices["dc-old"]; ok {
		t.Error("expired device authorization survived cleanup")
	}
	if _, ok := s.tickets["ticket-old"]; ok {
		t.Error("expired ticket survived cleanup")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewWithInterval(time.Hour)
	s.Stop()
	s.Stop() // must not panic
}


func TestClientStore_IPLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.CheckIPLimit(ctx, "198.51.100.4", 3); err != nil {
			t.Fatalf("registration %d blocked: %v", i, err)
		}
		if err := s.TrackClientIP(ctx, "198.51.100.4"); err != nil {
			t.Fatalf("TrackClientIP() error = %v", err)
		}
	}

	if err := s.CheckIPLimit(ctx, "198.51.100.4", 3); !errors.Is(err, storage.ErrIPLimitReached) {
		t.Errorf("CheckIPLimit() error = %v, want ErrIPLimitReached", err)
	}
	if err := s.CheckIPLimit(ctx, "198.51.100.5", 3); err != nil {
		t.Errorf("fresh IP blocked: %v", err)
	}
	if err := s.CheckIPLimit(ctx, "198.51.100.4", 0); err != nil {
		t.Errorf("disabled limit blocked: %v", err)
	}
}

func TestCleanup_GraceDelaysDeletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:      "expired-code",
		ClientID:  "client-1",
		Subject:   "alice",
		ExpiresAt: time.Now().Add(-time.Second),
	}
	if err := s.SaveCode(ctx, code); err != nil {
		t.Fatalf("SaveCode() error = %v", err)
	}

	// Inside the grace window the sweep keeps the record, so callers see
	// ErrExpired rather than ErrNotFound.
	s.SetCleanupGrace(time.Minute)
	s.cleanup()
	if _, err := s.GetCode(ctx, "expired-code"); !errors.Is(err, storage.ErrExpired) {
		t.Fatalf("GetCode() after graceful sweep error = %v, want ErrExpired", err)
	}

	s.SetCleanupGrace(0)
	s.cleanup()
	if _, err := s.GetCode(ctx, "expired-code"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetCode() after strict sweep error = %v, want ErrNotFound", err)
	}
}
