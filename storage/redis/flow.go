package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatekit/oauth/storage"
)

// ============================================================
// CodeStore
// ============================================================

// authorizationCodeJSON is the stored representation of an authorization code.
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	Subject             string `json:"subject,omitempty"`
	RedirectURI         string `json:"redirect_uri,omitempty"`
	Scope               string `json:"scope,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	AuthTime            int64  `json:"auth_time,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Consumed            bool   `json:"consumed,omitempty"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	j := &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		Subject:             code.Subject,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		Nonce:               code.Nonce,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Consumed:            code.Consumed,
	}
	if !code.AuthTime.IsZero() {
		j.AuthTime = code.AuthTime.Unix()
	}
	return j
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	code := &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		Subject:             j.Subject,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		Nonce:               j.Nonce,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Consumed:            j.Consumed,
	}
	if j.AuthTime > 0 {
		code.AuthTime = time.Unix(j.AuthTime, 0)
	}
	return code
}

// SaveCode stores an authorization code with a TTL covering its validity
// window plus the clock-skew grace, so consumed codes remain visible for
// reuse detection until they expire.
func (s *Store) SaveCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}
	return s.setJSON(ctx, s.codeKey(code.Code), toAuthorizationCodeJSON(code), calculateTTL(code.ExpiresAt))
}

// GetCode retrieves an authorization code without consuming it.
func (s *Store) GetCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	authCode, err := getAndUnmarshal(ctx, s, s.codeKey(code), storage.ErrNotFound, fromAuthorizationCodeJSON)
	if err != nil {
		return nil, err
	}
	if !time.Now().Before(authCode.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	return authCode, nil
}

// luaConsumeCode atomically checks and marks an authorization code as
// consumed. Exactly one of N concurrent redemptions succeeds; later calls
// receive the stored record so the caller can revoke tokens issued from it.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns the original JSON, "NOT_FOUND", "EXPIRED", or "CONSUMED:<json>".
var luaConsumeCode = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now >= expiresAt then
    return 'EXPIRED'
end

if code.consumed then
    return 'CONSUMED:' .. data
end

code.consumed = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`)

// ConsumeCode atomically marks a code as consumed. A second consumption of
// the same code returns ErrCodeConsumed together with the stored record.
func (s *Store) ConsumeCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	result, err := luaConsumeCode.Run(ctx, s.client, []string{s.codeKey(code)}, time.Now().Unix()).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to consume code: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrNotFound
	case result == "EXPIRED":
		return nil, storage.ErrExpired
	case strings.HasPrefix(result, "CONSUMED:"):
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, "CONSUMED:")), &j); err != nil {
			return nil, fmt.Errorf("failed to unmarshal consumed code: %w", err)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrCodeConsumed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal code: %w", err)
	}
	consumed := fromAuthorizationCodeJSON(&j)
	consumed.Consumed = true
	return consumed, nil
}

// DeleteCode removes an authorization code.
func (s *Store) DeleteCode(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, s.codeKey(code)).Err(); err != nil {
		return fmt.Errorf("failed to delete code: %w", err)
	}
	return nil
}

// ============================================================
// DeviceStore
// ============================================================

// deviceAuthorizationJSON is the stored representation of a device flow.
type deviceAuthorizationJSON struct {
	DeviceCode string `json:"device_code"`
	UserCode   string `json:"user_code"`
	ClientID   string `json:"client_id"`
	Scope      string `json:"scope,omitempty"`
	Status     string `json:"status"`
	Subject    string `json:"subject,omitempty"`
	Interval   int    `json:"interval,omitempty"`
	LastPolled int64  `json:"last_polled,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

func toDeviceAuthorizationJSON(auth *storage.DeviceAuthorization) *deviceAuthorizationJSON {
	j := &deviceAuthorizationJSON{
		DeviceCode: auth.DeviceCode,
		UserCode:   auth.UserCode,
		ClientID:   auth.ClientID,
		Scope:      auth.Scope,
		Status:     auth.Status,
		Subject:    auth.Subject,
		Interval:   auth.Interval,
		CreatedAt:  auth.CreatedAt.Unix(),
		ExpiresAt:  auth.ExpiresAt.Unix(),
	}
	if !auth.LastPolled.IsZero() {
		j.LastPolled = auth.LastPolled.Unix()
	}
	return j
}

func fromDeviceAuthorizationJSON(j *deviceAuthorizationJSON) *storage.DeviceAuthorization {
	if j == nil {
		return nil
	}
	auth := &storage.DeviceAuthorization{
		DeviceCode: j.DeviceCode,
		UserCode:   j.UserCode,
		ClientID:   j.ClientID,
		Scope:      j.Scope,
		Status:     j.Status,
		Subject:    j.Subject,
		Interval:   j.Interval,
		CreatedAt:  time.Unix(j.CreatedAt, 0),
		ExpiresAt:  time.Unix(j.ExpiresAt, 0),
	}
	if j.LastPolled > 0 {
		auth.LastPolled = time.Unix(j.LastPolled, 0)
	}
	return auth
}

// SaveDeviceAuthorization stores a device authorization addressable by both
// device code and user code.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("device code and user code are required")
	}

	data, err := json.Marshal(toDeviceAuthorizationJSON(auth))
	if err != nil {
		return fmt.Errorf("failed to marshal device authorization: %w", err)
	}

	ttl := calculateTTL(auth.ExpiresAt)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.deviceKey(auth.DeviceCode), data, ttl)
	pipe.Set(ctx, s.userCodeKey(auth.UserCode), auth.DeviceCode, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store device authorization: %w", err)
	}
	return nil
}

// GetByDeviceCode retrieves a device authorization by device code.
func (s *Store) GetByDeviceCode(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	return getAndUnmarshal(ctx, s, s.deviceKey(deviceCode), storage.ErrNotFound, fromDeviceAuthorizationJSON)
}

// GetByUserCode retrieves a device authorization by user code.
func (s *Store) GetByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	deviceCode, err := s.client.Get(ctx, s.userCodeKey(userCode)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve user code: %w", err)
	}
	return s.GetByDeviceCode(ctx, deviceCode)
}

// UpdateLastPolled records a poll without other side effects.
func (s *Store) UpdateLastPolled(ctx context.Context, deviceCode string, at time.Time) error {
	auth, err := s.GetByDeviceCode(ctx, deviceCode)
	if err != nil {
		return err
	}
	auth.LastPolled = at

	data, err := json.Marshal(toDeviceAuthorizationJSON(auth))
	if err != nil {
		return fmt.Errorf("failed to marshal device authorization: %w", err)
	}
	if err := s.client.Set(ctx, s.deviceKey(deviceCode), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update device authorization: %w", err)
	}
	return nil
}

// luaTransitionDevice atomically decides a pending device authorization.
// Only pending records transition; a denied record reports denial and an
// already-approved record reports a conflict.
//
// KEYS[1] = user code index key
// ARGV[1] = device key prefix
// ARGV[2] = current Unix timestamp in seconds
// ARGV[3] = target status ("approved" or "denied")
// ARGV[4] = approving subject (empty for deny)
//
// Returns "OK", "NOT_FOUND", "EXPIRED", "DENIED", or "DECIDED".
var luaTransitionDevice = redis.NewScript(`
local deviceCode = redis.call('GET', KEYS[1])
if not deviceCode then
    return 'NOT_FOUND'
end

local deviceKey = ARGV[1] .. deviceCode
local data = redis.call('GET', deviceKey)
if not data then
    return 'NOT_FOUND'
end

local auth = cjson.decode(data)

local now = tonumber(ARGV[2])
local expiresAt = tonumber(auth.expires_at)
if expiresAt and now >= expiresAt then
    return 'EXPIRED'
end

if auth.status == 'denied' then
    return 'DENIED'
end
if auth.status ~= 'pending' then
    return 'DECIDED'
end

auth.status = ARGV[3]
if ARGV[4] ~= '' then
    auth.subject = ARGV[4]
end
redis.call('SET', deviceKey, cjson.encode(auth), 'KEEPTTL')

return 'OK'
`)

func (s *Store) transitionDevice(ctx context.Context, userCode, status, subject string) error {
	result, err := luaTransitionDevice.Run(ctx, s.client,
		[]string{s.userCodeKey(userCode)},
		s.prefix+"device:",
		time.Now().Unix(),
		status,
		subject,
	).Text()
	if err != nil {
		return fmt.Errorf("failed to transition device authorization: %w", err)
	}

	switch result {
	case "OK":
		return nil
	case "NOT_FOUND":
		return storage.ErrNotFound
	case "EXPIRED":
		return storage.ErrExpired
	case "DENIED":
		return storage.ErrDeviceDenied
	default:
		return fmt.Errorf("device authorization already decided")
	}
}

// Approve transitions a pending authorization, binding the approving subject.
func (s *Store) Approve(ctx context.Context, userCode, subject string) error {
	return s.transitionDevice(ctx, userCode, storage.DeviceStatusApproved, subject)
}

// Deny transitions a pending authorization to denied.
func (s *Store) Deny(ctx context.Context, userCode string) error {
	return s.transitionDevice(ctx, userCode, storage.DeviceStatusDenied, "")
}

// luaConsumeDevice atomically redeems an approved device authorization,
// removing both the record and its user-code index so a device code is
// redeemed at most once. Denied and expired records are removed on contact.
//
// KEYS[1] = device key
// ARGV[1] = user code key prefix
// ARGV[2] = current Unix timestamp in seconds
//
// Returns the stored JSON, "NOT_FOUND", "EXPIRED", "PENDING", or "DENIED".
var luaConsumeDevice = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local auth = cjson.decode(data)
local userCodeKey = ARGV[1] .. auth.user_code

local now = tonumber(ARGV[2])
local expiresAt = tonumber(auth.expires_at)
if expiresAt and now >= expiresAt then
    redis.call('DEL', KEYS[1])
    redis.call('DEL', userCodeKey)
    return 'EXPIRED'
end

if auth.status == 'pending' then
    return 'PENDING'
end
if auth.status == 'denied' then
    redis.call('DEL', KEYS[1])
    redis.call('DEL', userCodeKey)
    return 'DENIED'
end

redis.call('DEL', KEYS[1])
redis.call('DEL', userCodeKey)

return data
`)

// ConsumeDeviceAuthorization atomically removes an approved record.
func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	result, err := luaConsumeDevice.Run(ctx, s.client,
		[]string{s.deviceKey(deviceCode)},
		s.prefix+"usercode:",
		time.Now().Unix(),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to consume device authorization: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrNotFound
	case "EXPIRED":
		return nil, storage.ErrExpired
	case "PENDING":
		return nil, storage.ErrDevicePending
	case "DENIED":
		return nil, storage.ErrDeviceDenied
	}

	var j deviceAuthorizationJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device authorization: %w", err)
	}
	return fromDeviceAuthorizationJSON(&j), nil
}

// ============================================================
// ConfirmationCodeStore
// ============================================================

// confirmationCodeJSON is the stored representation of a confirmation code.
type confirmationCodeJSON struct {
	Code      string `json:"code"`
	Subject   string `json:"subject"`
	CreatedAt int64  `json:"created_at"`
	ExpiresIn int64  `json:"expires_in"`
}

// SaveConfirmationCode stores a one-time confirmation code.
func (s *Store) SaveConfirmationCode(ctx context.Context, code *storage.ConfirmationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("confirmation code is required")
	}
	j := &confirmationCodeJSON{
		Code:      code.Code,
		Subject:   code.Subject,
		CreatedAt: code.CreatedAt.Unix(),
		ExpiresIn: code.ExpiresIn,
	}
	ttl := calculateTTL(code.CreatedAt.Add(time.Duration(code.ExpiresIn) * time.Second))
	return s.setJSON(ctx, s.confirmKey(code.Code), j, ttl)
}

// luaConsumeConfirmation atomically retrieves and removes a confirmation
// code after verifying the subject binding. A subject mismatch does not
// consume the code.
//
// KEYS[1] = confirmation code key
// ARGV[1] = expected subject
// ARGV[2] = current Unix timestamp in seconds
//
// Returns the stored JSON, "NOT_FOUND", "SUBJECT_MISMATCH", or "EXPIRED".
var luaConsumeConfirmation = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

if code.subject ~= ARGV[1] then
    return 'SUBJECT_MISMATCH'
end

local now = tonumber(ARGV[2])
local expiresAt = tonumber(code.created_at) + tonumber(code.expires_in)
if now >= expiresAt then
    redis.call('DEL', KEYS[1])
    return 'EXPIRED'
end

redis.call('DEL', KEYS[1])
return data
`)

// ConsumeConfirmationCode atomically retrieves and removes a code,
// verifying the subject binding.
func (s *Store) ConsumeConfirmationCode(ctx context.Context, code, subject string) (*storage.ConfirmationCode, error) {
	result, err := luaConsumeConfirmation.Run(ctx, s.client,
		[]string{s.confirmKey(code)},
		subject,
		time.Now().Unix(),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to consume confirmation code: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrNotFound
	case "SUBJECT_MISMATCH":
		return nil, storage.ErrSubjectMismatch
	case "EXPIRED":
		return nil, storage.ErrExpired
	}

	var j confirmationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal confirmation code: %w", err)
	}
	return &storage.ConfirmationCode{
		Code:      j.Code,
		Subject:   j.Subject,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresIn: j.ExpiresIn,
	}, nil
}
