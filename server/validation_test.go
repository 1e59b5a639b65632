package server

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/gatekit/oauth/storage"
	"golang.org/x/oauth2"
)

func TestValidatePKCE(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	srv, _ := newTestServer(t, &Config{AllowPKCEPlain: true})

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{"S256 round trip", challenge, PKCEMethodS256, verifier, false},
		{"S256 wrong verifier", challenge, PKCEMethodS256, oauth2.GenerateVerifier(), true},
		{"S256 empty verifier", challenge, PKCEMethodS256, "", true},
		{"plain match", strings.Repeat("p", 43), PKCEMethodPlain, strings.Repeat("p", 43), false},
		{"plain mismatch", strings.Repeat("p", 43), PKCEMethodPlain, strings.Repeat("q", 43), true},
		{"verifier too short", challenge, PKCEMethodS256, "short", true},
		{"verifier too long", challenge, PKCEMethodS256, strings.Repeat("a", MaxCodeVerifierLength+1), true},
		{"unknown method", challenge, "S512", verifier, true},
		{"no challenge means no pkce", "", "", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := srv.validatePKCE(tc.challenge, tc.method, tc.verifier)
			if (err != nil) != tc.wantErr {
				t.Errorf("validatePKCE() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidatePKCE_SingleByteMutation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	verifier := oauth2.GenerateVerifier()
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	// Every single-character corruption of the verifier must be rejected.
	for i := 0; i < len(verifier); i++ {
		mutated := []byte(verifier)
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		if err := srv.validatePKCE(challenge, PKCEMethodS256, string(mutated)); err == nil {
			t.Fatalf("mutation at index %d passed validation", i)
		}
	}
}

func TestValidateRedirectURI(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := &storage.Client{
		ClientID:     "web-app",
		RedirectURIs: []string{"https://app.example.com/callback"},
	}

	if err := srv.validateRedirectURI(client, "https://app.example.com/callback"); err != nil {
		t.Errorf("registered URI rejected: %v", err)
	}
	if err := srv.validateRedirectURI(client, "https://evil.example.com/callback"); err == nil {
		t.Error("unregistered URI accepted")
	}
	// Exact match only; path suffixes do not count.
	if err := srv.validateRedirectURI(client, "https://app.example.com/callback/extra"); err == nil {
		t.Error("path-extended URI accepted")
	}
}

func TestValidateRedirectURISecurityEnhanced(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		schemes []string
		wantErr bool
	}{
		{"https", "https://app.example.com/cb", nil, false},
		{"http loopback", "http://127.0.0.1:8910/cb", nil, false},
		{"http localhost", "http://localhost:3000/cb", nil, false},
		{"http public host", "http://app.example.com/cb", nil, true},
		{"fragment forbidden", "https://app.example.com/cb#frag", nil, true},
		{"javascript scheme", "javascript:alert(1)", nil, true},
		{"data scheme", "data:text/html,x", nil, true},
		{"custom scheme allowed", "com.example.app:/oauth", []string{"com.example.app"}, false},
		{"custom scheme default pattern", "com.example.app:/oauth", nil, false},
		{"custom scheme outside allow list", "com.example.app:/oauth", []string{"^net\\.other\\.app$"}, true},
		{"empty", "", nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateRedirectURISecurityEnhanced(tc.uri, testIssuer, tc.schemes)
			if (err != nil) != tc.wantErr {
				t.Errorf("validateRedirectURISecurityEnhanced(%q) error = %v, wantErr %v", tc.uri, err, tc.wantErr)
			}
		})
	}
}

func TestValidateScopes(t *testing.T) {
	srv, _ := newTestServer(t, &Config{
		SupportedScopes: []string{"openid", "profile", "api"},
	})

	if err := srv.validateScopes("openid api"); err != nil {
		t.Errorf("supported scopes rejected: %v", err)
	}
	if err := srv.validateScopes(""); err != nil {
		t.Errorf("empty scope rejected: %v", err)
	}
	if err := srv.validateScopes("openid admin"); err == nil {
		t.Error("unsupported scope accepted")
	}

	open, _ := newTestServer(t, nil)
	if err := open.validateScopes("anything goes"); err != nil {
		t.Errorf("unrestricted server rejected scopes: %v", err)
	}
}

func TestValidateClientScopes(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	if err := srv.validateClientScopes("api", []string{"api", "read"}); err != nil {
		t.Errorf("allowed scope rejected: %v", err)
	}
	if err := srv.validateClientScopes("api admin", []string{"api"}); err == nil {
		t.Error("scope escalation accepted")
	}
	if err := srv.validateClientScopes("anything", nil); err != nil {
		t.Errorf("unrestricted client rejected: %v", err)
	}
	if err := srv.validateClientScopes("", []string{"api"}); err != nil {
		t.Errorf("empty request rejected: %v", err)
	}
}

func TestValidateStateParameter(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	if err := srv.validateStateParameter("0123456789abcdef"); err != nil {
		t.Errorf("adequate state rejected: %v", err)
	}
	if err := srv.validateStateParameter(""); err != nil {
		t.Errorf("absent state rejected, but state is optional: %v", err)
	}
	if err := srv.validateStateParameter("short"); err == nil {
		t.Error("short state accepted")
	}
}

func TestIsLocalhostHostname(t *testing.T) {
	for host, want := range map[string]bool{
		"localhost":          true,
		"127.0.0.1":          true,
		"127.8.8.8":          true,
		"::1":                true,
		"0.0.0.0":            true,
		"app.local":          false,
		"192.168.1.10":       false,
		"example.com":        false,
		"localhost.evil.com": false,
	} {
		if got := isLocalhostHostname(host); got != want {
			t.Errorf("isLocalhostHostname(%q) = %v, want %v", host, got, want)
		}
	}
}
