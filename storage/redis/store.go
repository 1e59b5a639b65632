// Package redis provides a Redis-backed implementation of all storage
// interfaces. Records are stored as JSON with native TTLs; operations that
// must be atomic under concurrency (code redemption, refresh rotation,
// device transitions) run as Lua scripts server-side.
package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatekit/oauth/security"
	"github.com/gatekit/oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys.
	DefaultKeyPrefix = "oauth:"

	// scanBatchSize is the number of keys fetched per SCAN iteration.
	scanBatchSize = 100

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second
)

// dummyHash keeps ValidateClientSecret constant-time for unknown clients.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

var errInvalidCredentials = fmt.Errorf("invalid client credentials")

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Address is the Redis server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for Redis authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of all storage interfaces.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	// encryptor provides optional token encryption at rest.
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks.
var (
	_ storage.ClientStore           = (*Store)(nil)
	_ storage.TokenStore            = (*Store)(nil)
	_ storage.CodeStore             = (*Store)(nil)
	_ storage.DeviceStore           = (*Store)(nil)
	_ storage.ConfirmationCodeStore = (*Store)(nil)
	_ storage.TicketStore           = (*Store)(nil)
	_ storage.ResourceSetStore      = (*Store)(nil)
	_ storage.PolicyStore           = (*Store)(nil)
	_ storage.ConsentStore          = (*Store)(nil)
	_ storage.ConsentChecker        = (*Store)(nil)
)

// New creates a Redis-backed storage instance and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Address,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Connected to Redis storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Redis client connection.
func (s *Store) Close() {
	_ = s.client.Close()
	s.logger.Info("Redis storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor enables token encryption at rest. Granted token fields are
// encrypted before storing and decrypted on retrieval; lookup keys stay
// plaintext.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for Redis storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Key helpers
// ============================================================

// clientKey: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// tokenKey: {prefix}token:{accessToken}
func (s *Store) tokenKey(accessToken string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, accessToken)
}

// refreshKey: {prefix}refresh:{refreshToken} -> access token
func (s *Store) refreshKey(refreshToken string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, refreshToken)
}

// grantsKey: {prefix}grants:{clientID}:{subject} -> set of access tokens
func (s *Store) grantsKey(clientID, subject string) string {
	return fmt.Sprintf("%sgrants:%s:%s", s.prefix, clientID, subject)
}

// codeKey: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// deviceKey: {prefix}device:{deviceCode}
func (s *Store) deviceKey(deviceCode string) string {
	return fmt.Sprintf("%sdevice:%s", s.prefix, deviceCode)
}

// userCodeKey: {prefix}usercode:{userCode} -> device code
func (s *Store) userCodeKey(userCode string) string {
	return fmt.Sprintf("%susercode:%s", s.prefix, userCode)
}

// confirmKey: {prefix}confirm:{code}
func (s *Store) confirmKey(code string) string {
	return fmt.Sprintf("%sconfirm:%s", s.prefix, code)
}

// ticketKey: {prefix}ticket:{ticketID}
func (s *Store) ticketKey(ticketID string) string {
	return fmt.Sprintf("%sticket:%s", s.prefix, ticketID)
}

// resourceSetKey: {prefix}resourceset:{id}
func (s *Store) resourceSetKey(id string) string {
	return fmt.Sprintf("%sresourceset:%s", s.prefix, id)
}

// policyKey: {prefix}policy:{id}
func (s *Store) policyKey(id string) string {
	return fmt.Sprintf("%spolicy:%s", s.prefix, id)
}

// consentKey: {prefix}consent:{subject}:{clientID}
func (s *Store) consentKey(subject, clientID string) string {
	return fmt.Sprintf("%sconsent:%s:%s", s.prefix, subject, clientID)
}

// clientIPKey: {prefix}client_ip:{ip} -> registration count
func (s *Store) clientIPKey(ip string) string {
	return fmt.Sprintf("%sclient_ip:%s", s.prefix, ip)
}

// ============================================================
// Helpers
// ============================================================

// getAndUnmarshal fetches a key, unmarshals the JSON record, and converts
// it to the domain type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return fromJSON(&j), nil
}

// setJSON marshals and stores a record, with an optional TTL.
func (s *Store) setJSON(ctx context.Context, key string, record any, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store data: %w", err)
	}
	return nil
}

// calculateTTL returns how long a key should live given its expiry. The
// clock-skew grace keeps a record readable slightly past its strict
// validity bound so callers report expiry instead of absence.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt) + security.DefaultClockSkewGracePeriod
	if ttl <= 0 {
		return time.Millisecond
	}
	return ttl
}

// scanKeys iterates keys matching the pattern in batches.
func (s *Store) scanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// ============================================================
// ClientStore
// ============================================================

// clientJSON is the stored representation of an OAuth client.
type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	RequirePKCE             bool     `json:"require_pkce,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                client.ClientID,
		ClientSecretHash:        client.ClientSecretHash,
		ClientType:              client.ClientType,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		Scopes:                  client.Scopes,
		RequirePKCE:             client.RequirePKCE,
		CreatedAt:               client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		ClientName:              j.ClientName,
		RedirectURIs:            j.RedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		Scopes:                  j.Scopes,
		RequirePKCE:             j.RequirePKCE,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
	}
}

// SaveClient stores a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	return s.setJSON(ctx, s.clientKey(client.ClientID), toClientJSON(client), 0)
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID), storage.ErrClientNotFound, fromClientJSON)
}

// ListClients returns all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	var clients []*storage.Client
	err := s.scanKeys(ctx, s.prefix+"client:*", func(key string) error {
		client, err := getAndUnmarshal(ctx, s, key, storage.ErrClientNotFound, fromClientJSON)
		if err != nil {
			if errors.Is(err, storage.ErrClientNotFound) {
				return nil // expired between SCAN and GET
			}
			return err
		}
		clients = append(clients, client)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clients, nil
}

// ValidateClientSecret validates a client's secret. The comparison runs in
// constant time whether or not the client exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	hash := dummyHash
	if err == nil && client.ClientSecretHash != "" {
		hash = client.ClientSecretHash
	}

	compareErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret))
	if err != nil || client.ClientSecretHash == "" || compareErr != nil {
		return errInvalidCredentials
	}
	return nil
}

// CheckIPLimit reports whether the IP may register another client.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}
	count, err := s.client.Get(ctx, s.clientIPKey(ip)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("checking IP registration count: %w", err)
	}
	if count >= maxClientsPerIP {
		s.logger.Warn("Client registration limit reached",
			"ip", ip, "count", count, "max", maxClientsPerIP)
		return storage.ErrIPLimitReached
	}
	return nil
}

// TrackClientIP counts a successful registration against the IP.
func (s *Store) TrackClientIP(ctx context.Context, ip string) error {
	if ip == "" {
		return nil
	}
	if err := s.client.Incr(ctx, s.clientIPKey(ip)).Err(); err != nil {
		return fmt.Errorf("tracking client registration IP: %w", err)
	}
	return nil
}
