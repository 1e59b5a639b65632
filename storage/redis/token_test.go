package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gatekit/oauth/security"
	"github.com/gatekit/oauth/storage"
)

func testToken(accessToken, refreshToken string) *storage.GrantedToken {
	return &storage.GrantedToken{
		ID:             "jti-" + accessToken,
		AccessToken:    accessToken,
		TokenType:      "Bearer",
		RefreshToken:   refreshToken,
		Scope:          "openid",
		ClientID:       "web-app",
		Subject:        "alice",
		GrantType:      "authorization_code",
		CreateDateTime: time.Now(),
		ExpiresIn:      3600,
		RefreshExpires: time.Now().Add(24 * time.Hour),
	}
}

func TestTokenStore_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	token := testToken("at-1", "rt-1")
	if err := s.SaveGrantedToken(ctx, token); err != nil {
		t.Fatalf("SaveGrantedToken failed: %v", err)
	}

	got, err := s.GetGrantedToken(ctx, "at-1")
	if err != nil {
		t.Fatalf("GetGrantedToken failed: %v", err)
	}
	if got.Subject != "alice" || got.Scope != "openid" {
		t.Errorf("round trip lost fields: %+v", got)
	}

	byRefresh, err := s.GetByRefreshToken(ctx, "rt-1")
	if err != nil {
		t.Fatalf("GetByRefreshToken failed: %v", err)
	}
	if byRefresh.AccessToken != "at-1" {
		t.Errorf("refresh lookup returned %q", byRefresh.AccessToken)
	}

	if _, err := s.GetGrantedToken(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTokenStore_StrictExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	token := testToken("at-old", "")
	token.CreateDateTime = time.Now().Add(-2 * time.Hour)
	if err := s.SaveGrantedToken(ctx, token); err != nil {
		t.Fatalf("SaveGrantedToken failed: %v", err)
	}
	if _, err := s.GetGrantedToken(ctx, "at-old"); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestDeleteGrantedToken(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveGrantedToken(ctx, testToken("at-1", "rt-1")); err != nil {
		t.Fatalf("SaveGrantedToken failed: %v", err)
	}
	if err := s.DeleteGrantedToken(ctx, "at-1"); err != nil {
		t.Fatalf("DeleteGrantedToken failed: %v", err)
	}
	if _, err := s.GetGrantedToken(ctx, "at-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("token survived deletion: %v", err)
	}
	if _, err := s.GetByRefreshToken(ctx, "rt-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("refresh index survived deletion: %v", err)
	}

	// Deleting an absent token is not an error.
	if err := s.DeleteGrantedToken(ctx, "at-1"); err != nil {
		t.Errorf("second delete failed: %v", err)
	}
}

func TestConsumeRefreshToken_ExactlyOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveGrantedToken(ctx, testToken("at-1", "rt-1")); err != nil {
		t.Fatalf("SaveGrantedToken failed: %v", err)
	}

	const n = 20
	var successes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeRefreshToken(ctx, "rt-1"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("%d of %d concurrent consumes succeeded, want exactly 1", got, n)
	}
	if _, err := s.GetGrantedToken(ctx, "at-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("grant survived refresh consumption: %v", err)
	}
}

func TestConsumeRefreshToken_Expired(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	token := testToken("at-1", "rt-1")
	token.RefreshExpires = time.Now().Add(-time.Minute)
	if err := s.SaveGrantedToken(ctx, token); err != nil {
		t.Fatalf("SaveGrantedToken failed: %v", err)
	}
	if _, err := s.ConsumeRefreshToken(ctx, "rt-1"); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
	// The spent index entry is gone; a retry reports not found.
	if _, err := s.ConsumeRefreshToken(ctx, "rt-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on retry, got %v", err)
	}
}

func TestRevokeForClientSubject(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, tok := range []*storage.GrantedToken{
		testToken("at-1", "rt-1"),
		testToken("at-2", "rt-2"),
	} {
		if err := s.SaveGrantedToken(ctx, tok); err != nil {
			t.Fatalf("SaveGrantedToken failed: %v", err)
		}
	}
	other := testToken("at-3", "rt-3")
	other.Subject = "bob"
	if err := s.SaveGrantedToken(ctx, other); err != nil {
		t.Fatalf("SaveGrantedToken failed: %v", err)
	}

	revoked, err := s.RevokeForClientSubject(ctx, "web-app", "alice")
	if err != nil {
		t.Fatalf("RevokeForClientSubject failed: %v", err)
	}
	if revoked != 2 {
		t.Errorf("revoked %d tokens, want 2", revoked)
	}

	if _, err := s.GetGrantedToken(ctx, "at-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("alice token survived revocation: %v", err)
	}
	if _, err := s.GetByRefreshToken(ctx, "rt-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("alice refresh index survived revocation: %v", err)
	}
	if _, err := s.GetGrantedToken(ctx, "at-3"); err != nil {
		t.Errorf("bob's token was collateral damage: %v", err)
	}
}

func TestEncryptionAtRest(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("creating encryptor: %v", err)
	}
	s.SetEncryptor(enc)

	token := testToken("at-secret", "rt-secret")
	token.IDToken = "idt-secret"
	if err := s.SaveGrantedToken(ctx, token); err != nil {
		t.Fatalf("SaveGrantedToken failed: %v", err)
	}

	// The stored record must not contain the plaintext token values.
	raw, err := mr.Get("oauth:token:at-secret")
	if err != nil {
		t.Fatalf("reading raw record: %v", err)
	}
	for _, plaintext := range []string{`"at-secret"`, `"rt-secret"`, `"idt-secret"`} {
		if strings.Contains(raw, plaintext) {
			t.Errorf("plaintext %s stored at rest", plaintext)
		}
	}

	// Both lookup paths decrypt transparently.
	got, err := s.GetGrantedToken(ctx, "at-secret")
	if err != nil {
		t.Fatalf("GetGrantedToken failed: %v", err)
	}
	if got.AccessToken != "at-secret" || got.RefreshToken != "rt-secret" || got.IDToken != "idt-secret" {
		t.Errorf("decryption round trip lost fields: %+v", got)
	}

	consumed, err := s.ConsumeRefreshToken(ctx, "rt-secret")
	if err != nil {
		t.Fatalf("ConsumeRefreshToken failed: %v", err)
	}
	if consumed.AccessToken != "at-secret" {
		t.Errorf("consumed token access = %q", consumed.AccessToken)
	}
}
