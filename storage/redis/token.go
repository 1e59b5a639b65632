package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatekit/oauth/security"
	"github.com/gatekit/oauth/storage"
)

// grantedTokenJSON is the stored representation of a granted token.
type grantedTokenJSON struct {
	ID             string `json:"id"`
	AccessToken    string `json:"access_token"`
	TokenType      string `json:"token_type"`
	IDToken        string `json:"id_token,omitempty"`
	RefreshToken   string `json:"refresh_token,omitempty"`
	Scope          string `json:"scope,omitempty"`
	ClientID       string `json:"client_id"`
	Subject        string `json:"subject,omitempty"`
	GrantType      string `json:"grant_type,omitempty"`
	CreateDateTime int64  `json:"create_date_time"`
	ExpiresIn      int64  `json:"expires_in"`
	RefreshExpires int64  `json:"refresh_expires,omitempty"`
}

func toGrantedTokenJSON(token *storage.GrantedToken) *grantedTokenJSON {
	j := &grantedTokenJSON{
		ID:             token.ID,
		AccessToken:    token.AccessToken,
		TokenType:      token.TokenType,
		IDToken:        token.IDToken,
		RefreshToken:   token.RefreshToken,
		Scope:          token.Scope,
		ClientID:       token.ClientID,
		Subject:        token.Subject,
		GrantType:      token.GrantType,
		CreateDateTime: token.CreateDateTime.Unix(),
		ExpiresIn:      token.ExpiresIn,
	}
	if !token.RefreshExpires.IsZero() {
		j.RefreshExpires = token.RefreshExpires.Unix()
	}
	return j
}

func fromGrantedTokenJSON(j *grantedTokenJSON) *storage.GrantedToken {
	if j == nil {
		return nil
	}
	token := &storage.GrantedToken{
		ID:             j.ID,
		AccessToken:    j.AccessToken,
		TokenType:      j.TokenType,
		IDToken:        j.IDToken,
		RefreshToken:   j.RefreshToken,
		Scope:          j.Scope,
		ClientID:       j.ClientID,
		Subject:        j.Subject,
		GrantType:      j.GrantType,
		CreateDateTime: time.Unix(j.CreateDateTime, 0),
		ExpiresIn:      j.ExpiresIn,
	}
	if j.RefreshExpires > 0 {
		token.RefreshExpires = time.Unix(j.RefreshExpires, 0)
	}
	return token
}

// encryptGrantedToken returns a copy with the token fields encrypted.
// Lookup keys (access token, refresh index) stay plaintext.
func (s *Store) encryptGrantedToken(token *storage.GrantedToken, enc *security.Encryptor) (*storage.GrantedToken, error) {
	c := *token
	var err error
	if c.AccessToken != "" {
		if c.AccessToken, err = enc.Encrypt(token.AccessToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
	}
	if c.IDToken != "" {
		if c.IDToken, err = enc.Encrypt(token.IDToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt identity token: %w", err)
		}
	}
	if c.RefreshToken != "" {
		if c.RefreshToken, err = enc.Encrypt(token.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	return &c, nil
}

// decryptGrantedToken reverses encryptGrantedToken.
func (s *Store) decryptGrantedToken(token *storage.GrantedToken, enc *security.Encryptor) (*storage.GrantedToken, error) {
	c := *token
	var err error
	if c.AccessToken != "" {
		if c.AccessToken, err = enc.Decrypt(token.AccessToken); err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
	}
	if c.IDToken != "" {
		if c.IDToken, err = enc.Decrypt(token.IDToken); err != nil {
			return nil, fmt.Errorf("failed to decrypt identity token: %w", err)
		}
	}
	if c.RefreshToken != "" {
		if c.RefreshToken, err = enc.Decrypt(token.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}
	return &c, nil
}

// tokenTTL returns the record TTL: the refresh window when a refresh token
// is attached (no TTL when refresh tokens are infinite), otherwise the
// access token window.
func tokenTTL(token *storage.GrantedToken) time.Duration {
	accessExpiry := token.CreateDateTime.Add(time.Duration(token.ExpiresIn) * time.Second)
	if token.RefreshToken == "" {
		return calculateTTL(accessExpiry)
	}
	if token.RefreshExpires.IsZero() {
		return 0
	}
	if token.RefreshExpires.After(accessExpiry) {
		return calculateTTL(token.RefreshExpires)
	}
	return calculateTTL(accessExpiry)
}

// SaveGrantedToken stores a granted token, its refresh index entry, and its
// membership in the client+subject revocation set.
func (s *Store) SaveGrantedToken(ctx context.Context, token *storage.GrantedToken) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}
	if token.AccessToken == "" {
		return fmt.Errorf("access token cannot be empty")
	}

	stored := token
	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		var err error
		stored, err = s.encryptGrantedToken(token, enc)
		if err != nil {
			return err
		}
	}

	ttl := tokenTTL(token)
	data, err := json.Marshal(toGrantedTokenJSON(stored))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.tokenKey(token.AccessToken), data, ttl)
	if token.RefreshToken != "" {
		pipe.Set(ctx, s.refreshKey(token.RefreshToken), token.AccessToken, ttl)
	}
	grants := s.grantsKey(token.ClientID, token.Subject)
	pipe.SAdd(ctx, grants, token.AccessToken)
	if ttl > 0 {
		// The set lives at least as long as its longest-lived member.
		pipe.Expire(ctx, grants, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// GetGrantedToken retrieves a granted token by access token. The expiry
// bound is strict: a token fetched at exactly its expiry instant is expired.
func (s *Store) GetGrantedToken(ctx context.Context, accessToken string) (*storage.GrantedToken, error) {
	token, err := getAndUnmarshal(ctx, s, s.tokenKey(accessToken), storage.ErrNotFound, fromGrantedTokenJSON)
	if err != nil {
		return nil, err
	}
	if token.Expired(time.Now()) {
		return nil, storage.ErrExpired
	}
	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		return s.decryptGrantedToken(token, enc)
	}
	return token, nil
}

// DeleteGrantedToken removes a token, its refresh index entry, and its
// revocation-set membership. Deleting an absent token is not an error.
func (s *Store) DeleteGrantedToken(ctx context.Context, accessToken string) error {
	data, err := s.client.GetDel(ctx, s.tokenKey(accessToken)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to delete token: %w", err)
	}

	var j grantedTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return fmt.Errorf("failed to unmarshal token: %w", err)
	}
	token := fromGrantedTokenJSON(&j)
	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		if token, err = s.decryptGrantedToken(token, enc); err != nil {
			return err
		}
	}

	pipe := s.client.TxPipeline()
	if token.RefreshToken != "" {
		pipe.Del(ctx, s.refreshKey(token.RefreshToken))
	}
	pipe.SRem(ctx, s.grantsKey(token.ClientID, token.Subject), accessToken)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete token indexes: %w", err)
	}
	return nil
}

// GetByRefreshToken retrieves the granted token a refresh token belongs to.
func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (*storage.GrantedToken, error) {
	accessToken, err := s.client.Get(ctx, s.refreshKey(refreshToken)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get refresh index: %w", err)
	}

	token, err := getAndUnmarshal(ctx, s, s.tokenKey(accessToken), storage.ErrNotFound, fromGrantedTokenJSON)
	if err != nil {
		return nil, err
	}
	if !token.RefreshExpires.IsZero() && !time.Now().Before(token.RefreshExpires) {
		return nil, storage.ErrExpired
	}
	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		return s.decryptGrantedToken(token, enc)
	}
	return token, nil
}

// luaConsumeRefreshToken atomically resolves a refresh token, checks the
// refresh window, and deletes the grant with both of its indexes. Exactly
// one of N concurrent redemptions of the same token succeeds.
//
// KEYS[1] = refresh index key
// ARGV[1] = token key prefix
// ARGV[2] = current Unix timestamp in seconds
// ARGV[3] = grants key prefix
//
// Returns the stored token JSON, "NOT_FOUND", or "EXPIRED".
var luaConsumeRefreshToken = redis.NewScript(`
local access = redis.call('GET', KEYS[1])
if not access then
    return 'NOT_FOUND'
end

local tokenKey = ARGV[1] .. access
local data = redis.call('GET', tokenKey)
if not data then
    redis.call('DEL', KEYS[1])
    return 'NOT_FOUND'
end

local tok = cjson.decode(data)
local refreshExpires = tonumber(tok.refresh_expires)
local now = tonumber(ARGV[2])
if refreshExpires and refreshExpires > 0 and now >= refreshExpires then
    redis.call('DEL', KEYS[1])
    return 'EXPIRED'
end

redis.call('DEL', KEYS[1])
redis.call('DEL', tokenKey)
redis.call('SREM', ARGV[3] .. tok.client_id .. ':' .. tok.subject, access)

return data
`)

// ConsumeRefreshToken atomically retrieves and invalidates a refresh token.
func (s *Store) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*storage.GrantedToken, error) {
	result, err := luaConsumeRefreshToken.Run(ctx, s.client,
		[]string{s.refreshKey(refreshToken)},
		s.prefix+"token:",
		time.Now().Unix(),
		s.prefix+"grants:",
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrNotFound
	case "EXPIRED":
		return nil, storage.ErrExpired
	}

	var j grantedTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	token := fromGrantedTokenJSON(&j)
	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		return s.decryptGrantedToken(token, enc)
	}
	return token, nil
}

// RevokeForClientSubject deletes every token issued to a subject+client
// pair, returning the number removed.
func (s *Store) RevokeForClientSubject(ctx context.Context, clientID, subject string) (int, error) {
	grants := s.grantsKey(clientID, subject)
	members, err := s.client.SMembers(ctx, grants).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list grants: %w", err)
	}

	revoked := 0
	for _, accessToken := range members {
		data, err := s.client.GetDel(ctx, s.tokenKey(accessToken)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // already expired
			}
			return revoked, fmt.Errorf("failed to revoke token: %w", err)
		}
		revoked++

		var j grantedTokenJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			continue
		}
		refreshToken := j.RefreshToken
		if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() && refreshToken != "" {
			if refreshToken, err = enc.Decrypt(j.RefreshToken); err != nil {
				continue
			}
		}
		if refreshToken != "" {
			_ = s.client.Del(ctx, s.refreshKey(refreshToken)).Err()
		}
	}

	if err := s.client.Del(ctx, grants).Err(); err != nil {
		return revoked, fmt.Errorf("failed to clear grants set: %w", err)
	}

	if revoked > 0 {
		s.logger.Warn("Revoked tokens for client and subject",
			"client_id", clientID,
			"count", revoked)
	}
	return revoked, nil
}
