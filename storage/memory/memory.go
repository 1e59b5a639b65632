// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatekit/oauth/instrumentation"
	"github.com/gatekit/oauth/security"
	"github.com/gatekit/oauth/storage"
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	// Client storage
	clients      map[string]*storage.Client
	clientsPerIP map[string]int // registration count per IP

	// Token storage keyed by access token, with a refresh token index
	// (encrypted at rest if encryptor is set)
	tokens       map[string]*storage.GrantedToken
	refreshIndex map[string]string // refresh token -> access token

	// Grant artifacts
	codes             map[string]*storage.AuthorizationCode
	devices           map[string]*storage.DeviceAuthorization
	userCodeIndex     map[string]string // user code -> device code
	confirmationCodes map[string]*storage.ConfirmationCode

	// Permission subsystem
	tickets      map[string]*storage.Ticket
	resourceSets map[string]*storage.ResourceSet
	policies     map[string]*storage.Policy
	consents     map[string]*storage.Consent // subject + "\n" + client ID

	// Security
	encryptor *security.Encryptor // token encryption at rest (optional)

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	tokensCountAtomic  atomic.Int64
	clientsCountAtomic atomic.Int64
	codesCountAtomic   atomic.Int64
	ticketsCountAtomic atomic.Int64
	devicesCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	cleanupGrace    time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
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

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:           make(map[string]*storage.Client),
		clientsPerIP:      make(map[string]int),
		tokens:            make(map[string]*storage.GrantedToken),
		refreshIndex:      make(map[string]string),
		codes:             make(map[string]*storage.AuthorizationCode),
		devices:           make(map[string]*storage.DeviceAuthorization),
		userCodeIndex:     make(map[string]string),
		confirmationCodes: make(map[string]*storage.ConfirmationCode),
		tickets:           make(map[string]*storage.Ticket),
		resourceSets:      make(map[string]*storage.ResourceSet),
		policies:          make(map[string]*storage.Policy),
		consents:          make(map[string]*storage.Consent),
		cleanupInterval:   cleanupInterval,
		cleanupGrace:      security.DefaultClockSkewGracePeriod,
		stopCleanup:       make(chan struct{}),
		logger:            slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the token encryptor for encryption at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for storage")
	}
}

// SetCleanupGrace sets how long expired records outlive their validity
// window before the sweep deletes them. Validity checks stay strict; the
// grace only keeps expired artifacts reportable as expired rather than
// missing. Negative values are ignored.
func (s *Store) SetCleanupGrace(grace time.Duration) {
	if grace < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupGrace = grace
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	// Initialize atomic counters with current counts
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.ticketsCountAtomic.Store(int64(len(s.tickets)))
	s.devicesCountAtomic.Store(int64(len(s.devices)))
	s.mu.Unlock()

	if inst != nil {
		// Register storage size callbacks using atomic counters (lock-free)
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.ticketsCountAtomic.Load() },
			func() int64 { return s.devicesCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers or updates a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil {
		err = fmt.Errorf("client cannot be nil")
		return err
	}
	if client.ClientID == "" {
		err = fmt.Errorf("client ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	c := *client
	s.clients[client.ClientID] = &c

	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	c := *client
	return &c, nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		c := *client
		clients = append(clients, &c)
	}
	return clients, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Uses constant-time operations to prevent timing attacks.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// SECURITY: Always perform the same operations to prevent timing attacks
	// that could reveal whether a client exists or not

	// Pre-computed dummy hash for non-existent clients (bcrypt hash of "test")
	// This ensures we always perform a bcrypt comparison even if client doesn't exist
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	// ALWAYS perform bcrypt comparison (constant-time by design)
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// Public clients authenticate without a secret
	if isPublicClient && err == nil {
		return nil
	}

	if err != nil {
		return fmt.Errorf("invalid client credentials")
	}

	if bcryptErr != nil {
		return fmt.Errorf("invalid client credentials")
	}

	return nil
}

// CheckIPLimit reports whether the IP may register another client.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	s.mu.RLock()
	count := s.clientsPerIP[ip]
	s.mu.RUnlock()

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
	s.mu.Lock()
	s.clientsPerIP[ip]++
	s.mu.Unlock()
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveGrantedToken persists a granted token set with optional encryption
func (s *Store) SaveGrantedToken(ctx context.Context, token *storage.GrantedToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_token", err, startTime)
	}()

	if token == nil {
		err = fmt.Errorf("token cannot be nil")
		return err
	}
	if token.AccessToken == "" {
		err = fmt.Errorf("access token cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := token
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		stored, err = s.encryptGrantedToken(token)
		if err != nil {
			return err
		}
	} else {
		c := *token
		stored = &c
	}

	// The index and map keys stay plaintext so lookups work either way
	_, existed := s.tokens[token.AccessToken]
	s.tokens[token.AccessToken] = stored
	if token.RefreshToken != "" {
		s.refreshIndex[token.RefreshToken] = token.AccessToken
	}

	if !existed {
		s.tokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved granted token",
		"jti", token.ID,
		"client_id", token.ClientID,
		"grant_type", token.GrantType)
	return nil
}

// encryptGrantedToken encrypts credential fields, leaving the original unchanged.
// SECURITY: Encrypts access_token, id_token, and refresh_token (id_token contains PII).
func (s *Store) encryptGrantedToken(token *storage.GrantedToken) (*storage.GrantedToken, error) {
	encrypted := *token

	if encrypted.AccessToken != "" {
		enc, err := s.encryptor.Encrypt(encrypted.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
		encrypted.AccessToken = enc
	}
	if encrypted.IDToken != "" {
		enc, err := s.encryptor.Encrypt(encrypted.IDToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt id token: %w", err)
		}
		encrypted.IDToken = enc
	}
	if encrypted.RefreshToken != "" {
		enc, err := s.encryptor.Encrypt(encrypted.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		encrypted.RefreshToken = enc
	}

	return &encrypted, nil
}

// decryptGrantedToken decrypts credential fields, leaving the stored copy unchanged.
func (s *Store) decryptGrantedToken(token *storage.GrantedToken, encryptor *security.Encryptor) (*storage.GrantedToken, error) {
	decrypted := *token

	if decrypted.AccessToken != "" {
		dec, err := encryptor.Decrypt(decrypted.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		decrypted.AccessToken = dec
	}
	if decrypted.IDToken != "" {
		dec, err := encryptor.Decrypt(decrypted.IDToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt id token: %w", err)
		}
		decrypted.IDToken = dec
	}
	if decrypted.RefreshToken != "" {
		dec, err := encryptor.Decrypt(decrypted.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		decrypted.RefreshToken = dec
	}

	return &decrypted, nil
}

// GetGrantedToken retrieves a granted token by access token and decrypts if necessary
func (s *Store) GetGrantedToken(ctx context.Context, accessToken string) (*storage.GrantedToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_token", err, startTime)
	}()

	s.mu.RLock()
	encryptor := s.encryptor
	token, ok := s.tokens[accessToken]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}

	// Strict expiry bound: exactly at the boundary is expired
	if token.Expired(time.Now()) {
		err = storage.ErrExpired
		return nil, err
	}

	if encryptor != nil && encryptor.IsEnabled() {
		decrypted, decryptErr := s.decryptGrantedToken(token, encryptor)
		if decryptErr != nil {
			err = decryptErr
			return nil, err
		}
		return decrypted, nil
	}

	c := *token
	return &c, nil
}

// DeleteGrantedToken removes a granted token and its refresh index entry
func (s *Store) DeleteGrantedToken(ctx context.Context, accessToken string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteTokenLocked(accessToken)
	return nil
}

// deleteTokenLocked removes a token and its refresh index entry. Caller holds
// the write lock.
func (s *Store) deleteTokenLocked(accessToken string) {
	if _, existed := s.tokens[accessToken]; !existed {
		return
	}
	delete(s.tokens, accessToken)
	s.tokensCountAtomic.Add(-1)

	// The index is keyed by plaintext refresh tokens; scan for the entry
	// pointing at this access token rather than trusting the stored
	// (possibly encrypted) field.
	for rt, at := range s.refreshIndex {
		if at == accessToken {
			delete(s.refreshIndex, rt)
			break
		}
	}
}

// GetByRefreshToken retrieves the granted token a refresh token belongs to
func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (*storage.GrantedToken, error) {
	s.mu.RLock()
	encryptor := s.encryptor
	accessToken, ok := s.refreshIndex[refreshToken]
	var token *storage.GrantedToken
	if ok {
		token, ok = s.tokens[accessToken]
	}
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}

	if !token.RefreshExpires.IsZero() && !time.Now().Before(token.RefreshExpires) {
		return nil, storage.ErrExpired
	}

	if encryptor != nil && encryptor.IsEnabled() {
		return s.decryptGrantedToken(token, encryptor)
	}
	c := *token
	return &c, nil
}

// ConsumeRefreshToken atomically retrieves and invalidates a refresh token.
// Exactly one of N concurrent calls for the same token succeeds.
func (s *Store) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*storage.GrantedToken, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	accessToken, ok := s.refreshIndex[refreshToken]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}
	token, ok := s.tokens[accessToken]
	if !ok {
		// Index entry without a token record; drop the orphan
		delete(s.refreshIndex, refreshToken)
		err = storage.ErrNotFound
		return nil, err
	}

	if !token.RefreshExpires.IsZero() && !time.Now().Before(token.RefreshExpires) {
		delete(s.refreshIndex, refreshToken)
		err = storage.ErrExpired
		return nil, err
	}

	// Invalidate: the old grant is removed entirely, the caller issues a
	// replacement with a fresh refresh token
	delete(s.refreshIndex, refreshToken)
	delete(s.tokens, accessToken)
	s.tokensCountAtomic.Add(-1)

	if s.encryptor != nil && s.encryptor.IsEnabled() {
		decrypted, decryptErr := s.decryptGrantedToken(token, s.encryptor)
		if decryptErr != nil {
			err = decryptErr
			return nil, err
		}
		return decrypted, nil
	}

	c := *token
	return &c, nil
}

// RevokeForClientSubject deletes every token issued to a subject+client pair.
// Returns the number of tokens removed. Called on code-reuse detection.
func (s *Store) RevokeForClientSubject(ctx context.Context, clientID, subject string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_for_client_subject")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_for_client_subject", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []string
	for accessToken, token := range s.tokens {
		if token.ClientID == clientID && token.Subject == subject {
			victims = append(victims, accessToken)
		}
	}
	for _, accessToken := range victims {
		s.deleteTokenLocked(accessToken)
	}

	if len(victims) > 0 {
		s.logger.Warn("Revoked all tokens for subject and client",
			"client_id", clientID,
			"count", len(victims))
	}
	return len(victims), nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveCode persists a single-use authorization code
func (s *Store) SaveCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_code", err, startTime)
	}()

	if code == nil {
		err = fmt.Errorf("code cannot be nil")
		return err
	}
	if code.Code == "" {
		err = fmt.Errorf("code value cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.codes[code.Code]
	c := *code
	s.codes[code.Code] = &c

	if !existed {
		s.codesCountAtomic.Add(1)
	}
	return nil
}

// GetCode retrieves an authorization code without consuming it
func (s *Store) GetCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	authCode, ok := s.codes[code]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	if !time.Now().Before(authCode.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	c := *authCode
	return &c, nil
}

// ConsumeCode atomically marks a code as consumed. Exactly one of N
// concurrent calls for the same code succeeds; later calls get
// ErrCodeConsumed together with the stored record so the caller can revoke
// tokens already issued from it.
func (s *Store) ConsumeCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}

	if authCode.Consumed {
		// Reuse attempt: hand the record back so the caller can revoke
		// tokens minted from the first redemption
		c := *authCode
		err = storage.ErrCodeConsumed
		return &c, err
	}

	if !time.Now().Before(authCode.ExpiresAt) {
		err = storage.ErrExpired
		return nil, err
	}

	authCode.Consumed = true
	c := *authCode
	return &c, nil
}

// DeleteCode removes an authorization code
func (s *Store) DeleteCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.codes[code]; existed {
		delete(s.codes, code)
		s.codesCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// DeviceStore Implementation
// ============================================================

// SaveDeviceAuthorization persists a device flow record, indexed by both codes
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	ctx, span := s.startStorageSpan(ctx, "save_device_authorization")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_device_authorization", err, startTime)
	}()

	if auth == nil {
		err = fmt.Errorf("device authorization cannot be nil")
		return err
	}
	if auth.DeviceCode == "" || auth.UserCode == "" {
		err = fmt.Errorf("device code and user code cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.devices[auth.DeviceCode]
	a := *auth
	s.devices[auth.DeviceCode] = &a
	s.userCodeIndex[auth.UserCode] = auth.DeviceCode

	if !existed {
		s.devicesCountAtomic.Add(1)
	}
	return nil
}

// GetByDeviceCode retrieves a device authorization by device code
func (s *Store) GetByDeviceCode(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	s.mu.RLock()
	auth, ok := s.devices[deviceCode]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	if !time.Now().Before(auth.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	a := *auth
	return &a, nil
}

// GetByUserCode retrieves a device authorization by user code
func (s *Store) GetByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	s.mu.RLock()
	deviceCode, ok := s.userCodeIndex[userCode]
	var auth *storage.DeviceAuthorization
	if ok {
		auth, ok = s.devices[deviceCode]
	}
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	if !time.Now().Before(auth.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	a := *auth
	return &a, nil
}

// UpdateLastPolled records a poll without other side effects
func (s *Store) UpdateLastPolled(ctx context.Context, deviceCode string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.devices[deviceCode]
	if !ok {
		return storage.ErrNotFound
	}
	auth.LastPolled = at
	return nil
}

// Approve transitions a pending device authorization to approved, binding
// the approving subject.
func (s *Store) Approve(ctx context.Context, userCode, subject string) error {
	ctx, span := s.startStorageSpan(ctx, "approve_device_authorization")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "approve_device_authorization", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.transitionDeviceLocked(userCode, storage.DeviceStatusApproved, subject)
	return err
}

// Deny transitions a pending device authorization to denied
func (s *Store) Deny(ctx context.Context, userCode string) error {
	ctx, span := s.startStorageSpan(ctx, "deny_device_authorization")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "deny_device_authorization", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.transitionDeviceLocked(userCode, storage.DeviceStatusDenied, "")
	return err
}

// transitionDeviceLocked applies an approve/deny transition. Caller holds the
// write lock. Only pending records transition.
func (s *Store) transitionDeviceLocked(userCode, status, subject string) error {
	deviceCode, ok := s.userCodeIndex[userCode]
	if !ok {
		return storage.ErrNotFound
	}
	auth, ok := s.devices[deviceCode]
	if !ok {
		return storage.ErrNotFound
	}
	if !time.Now().Before(auth.ExpiresAt) {
		return storage.ErrExpired
	}

	switch auth.Status {
	case storage.DeviceStatusPending:
		auth.Status = status
		auth.Subject = subject
		return nil
	case storage.DeviceStatusDenied:
		return storage.ErrDeviceDenied
	default:
		// Already approved; a second decision is a conflict
		return fmt.Errorf("device authorization already decided")
	}
}

// ConsumeDeviceAuthorization atomically removes an approved record so a
// device code is redeemed at most once.
func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_device_authorization")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_device_authorization", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.devices[deviceCode]
	if !ok {
		err = storage.ErrNotFound
		return nil, err
	}

	if !time.Now().Before(auth.ExpiresAt) {
		s.deleteDeviceLocked(deviceCode, auth.UserCode)
		err = storage.ErrExpired
		return nil, err
	}

	switch auth.Status {
	case storage.DeviceStatusPending:
		err = storage.ErrDevicePending
		return nil, err
	case storage.DeviceStatusDenied:
		s.deleteDeviceLocked(deviceCode, auth.UserCode)
		err = storage.ErrDeviceDenied
		return nil, err
	}

	s.deleteDeviceLocked(deviceCode, auth.UserCode)
	a := *auth
	return &a, nil
}

// deleteDeviceLocked removes a device record and its user code index entry.
// Caller holds the write lock.
func (s *Store) deleteDeviceLocked(deviceCode, userCode string) {
	if _, existed := s.devices[deviceCode]; existed {
		delete(s.devices, deviceCode)
		s.devicesCountAtomic.Add(-1)
	}
	delete(s.userCodeIndex, userCode)
}

// ============================================================
// ConfirmationCodeStore Implementation
// ============================================================

// SaveConfirmationCode persists a one-time confirmation code
func (s *Store) SaveConfirmationCode(ctx context.Context, code *storage.ConfirmationCode) error {
	if code == nil {
		return fmt.Errorf("confirmation code cannot be nil")
	}
	if code.Code == "" || code.Subject == "" {
		return fmt.Errorf("confirmation code and subject cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	s.confirmationCodes[code.Code] = &c
	return nil
}

// ConsumeConfirmationCode atomically retrieves and removes a code, verifying
// the subject binding. Mismatched subjects do not consume the code.
func (s *Store) ConsumeConfirmationCode(ctx context.Context, code, subject string) (*storage.ConfirmationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cc, ok := s.confirmationCodes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if cc.Subject != subject {
		return nil, storage.ErrSubjectMismatch
	}
	if !time.Now().Before(cc.CreatedAt.Add(time.Duration(cc.ExpiresIn) * time.Second)) {
		delete(s.confirmationCodes, code)
		return nil, storage.ErrExpired
	}

	delete(s.confirmationCodes, code)
	c := *cc
	return &c, nil
}

// ============================================================
// TicketStore Implementation
// ============================================================

// SaveTicket persists a permission ticket
func (s *Store) SaveTicket(ctx context.Context, ticket *storage.Ticket) error {
	ctx, span := s.startStorageSpan(ctx, "save_ticket")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_ticket", err, startTime)
	}()

	if ticket == nil {
		err = fmt.Errorf("ticket cannot be nil")
		return err
	}
	if ticket.ID == "" {
		err = fmt.Errorf("ticket ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.tickets[ticket.ID]
	t := *ticket
	t.Lines = append([]storage.TicketLine(nil), ticket.Lines...)
	s.tickets[ticket.ID] = &t

	if !existed {
		s.ticketsCountAtomic.Add(1)
	}
	return nil
}

// GetTicket retrieves a permission ticket by ID
func (s *Store) GetTicket(ctx context.Context, ticketID string) (*storage.Ticket, error) {
	s.mu.RLock()
	ticket, ok := s.tickets[ticketID]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	if !time.Now().Before(ticket.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	t := *ticket
	t.Lines = append([]storage.TicketLine(nil), ticket.Lines...)
	return &t, nil
}

// RemoveTicket deletes a permission ticket
func (s *Store) RemoveTicket(ctx context.Context, ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.tickets[ticketID]; existed {
		delete(s.tickets, ticketID)
		s.ticketsCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// ResourceSetStore Implementation
// ============================================================

// SaveResourceSet registers or updates a protected resource
func (s *Store) SaveResourceSet(ctx context.Context, rs *storage.ResourceSet) error {
	if rs == nil {
		return fmt.Errorf("resource set cannot be nil")
	}
	if rs.ID == "" {
		return fmt.Errorf("resource set ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rs
	r.Scopes = append([]string(nil), rs.Scopes...)
	r.PolicyIDs = append([]string(nil), rs.PolicyIDs...)
	s.resourceSets[rs.ID] = &r
	return nil
}

// GetResourceSet retrieves a protected resource by ID
func (s *Store) GetResourceSet(ctx context.Context, id string) (*storage.ResourceSet, error) {
	s.mu.RLock()
	rs, ok := s.resourceSets[id]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}

	r := *rs
	r.Scopes = append([]string(nil), rs.Scopes...)
	r.PolicyIDs = append([]string(nil), rs.PolicyIDs...)
	return &r, nil
}

// ListResourceSets lists resources, optionally filtered by owner.
// An empty owner lists everything.
func (s *Store) ListResourceSets(ctx context.Context, owner string) ([]*storage.ResourceSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.ResourceSet
	for _, rs := range s.resourceSets {
		if owner != "" && rs.Owner != owner {
			continue
		}
		r := *rs
		out = append(out, &r)
	}
	return out, nil
}

// DeleteResourceSet removes a protected resource
func (s *Store) DeleteResourceSet(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resourceSets[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.resourceSets, id)
	return nil
}

// ============================================================
// PolicyStore Implementation
// ============================================================

// SavePolicy persists an authorization policy. Policies must carry at least
// one rule; a rule-less policy can never authorize anything and is rejected
// rather than silently denying.
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

	// Validate regex claim rules up front so evaluation never fails on a
	// malformed pattern
	for _, rule := range policy.Rules {
		for _, claim := range rule.Claims {
			if claim.Comparison == storage.ComparisonRegex {
				if _, err := regexp.Compile(claim.Value); err != nil {
					return fmt.Errorf("invalid claim rule pattern %q: %w", claim.Value, err)
				}
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := *policy
	p.ResourceIDs = append([]string(nil), policy.ResourceIDs...)
	p.Rules = append([]storage.PolicyRule(nil), policy.Rules...)
	s.policies[policy.ID] = &p
	return nil
}

// GetPolicy retrieves a policy by ID
func (s *Store) GetPolicy(ctx context.Context, id string) (*storage.Policy, error) {
	s.mu.RLock()
	policy, ok := s.policies[id]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}

	p := *policy
	p.ResourceIDs = append([]string(nil), policy.ResourceIDs...)
	p.Rules = append([]storage.PolicyRule(nil), policy.Rules...)
	return &p, nil
}

// ListPolicies lists all policies
func (s *Store) ListPolicies(ctx context.Context) ([]*storage.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Policy
	for _, policy := range s.policies {
		p := *policy
		out = append(out, &p)
	}
	return out, nil
}

// DeletePolicy removes a policy
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

// GetPoliciesForResource returns every policy referencing the resource
func (s *Store) GetPoliciesForResource(ctx context.Context, resourceID string) ([]*storage.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Policy
	for _, policy := range s.policies {
		for _, rid := range policy.ResourceIDs {
			if rid == resourceID {
				p := *policy
				p.ResourceIDs = append([]string(nil), policy.ResourceIDs...)
				p.Rules = append([]storage.PolicyRule(nil), policy.Rules...)
				out = append(out, &p)
				break
			}
		}
	}
	return out, nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

func consentKey(subject, clientID string) string {
	return subject + "\n" + clientID
}

// SaveConsent records a resource owner's consent. Repeat saves merge scopes
// so consent only ever widens.
func (s *Store) SaveConsent(ctx context.Context, consent *storage.Consent) error {
	if consent == nil {
		return fmt.Errorf("consent cannot be nil")
	}
	if consent.Subject == "" || consent.ClientID == "" {
		return fmt.Errorf("consent subject and client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey(consent.Subject, consent.ClientID)
	c := *consent
	c.Scopes = append([]string(nil), consent.Scopes...)

	if existing, ok := s.consents[key]; ok {
		for _, scope := range existing.Scopes {
			if !c.Covers([]string{scope}) {
				c.Scopes = append(c.Scopes, scope)
			}
		}
	}

	s.consents[key] = &c
	return nil
}

// GetConsent returns the consent record for a subject+client pair
func (s *Store) GetConsent(ctx context.Context, subject, clientID string) (*storage.Consent, error) {
	s.mu.RLock()
	consent, ok := s.consents[consentKey(subject, clientID)]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrConsentNotFound
	}

	c := *consent
	c.Scopes = append([]string(nil), consent.Scopes...)
	return &c, nil
}

// DeleteConsent removes a consent record
func (s *Store) DeleteConsent(ctx context.Context, subject, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.consents, consentKey(subject, clientID))
	return nil
}

// HasConsent reports whether consent covering the scopes is on record
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

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup sweeps expired records. Deletion is delayed by the clock skew grace
// period so a record never disappears before its strict validity check would
// have turned it away anyway.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	grace := s.cleanupGrace
	cleaned := 0

	for accessToken, token := range s.tokens {
		expiry := token.CreateDateTime.Add(time.Duration(token.ExpiresIn) * time.Second)
		if !security.IsTokenExpiredWithGracePeriod(expiry, grace) {
			continue
		}
		// Keep tokens whose refresh token is still alive
		if token.RefreshToken != "" && (token.RefreshExpires.IsZero() || !security.IsTokenExpiredWithGracePeriod(token.RefreshExpires, grace)) {
			continue
		}
		s.deleteTokenLocked(accessToken)
		cleaned++
	}

	for code, authCode := range s.codes {
		if security.IsTokenExpiredWithGracePeriod(authCode.ExpiresAt, grace) {
			delete(s.codes, code)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for deviceCode, auth := range s.devices {
		if security.IsTokenExpiredWithGracePeriod(auth.ExpiresAt, grace) {
			s.deleteDeviceLocked(deviceCode, auth.UserCode)
			cleaned++
		}
	}

	for code, cc := range s.confirmationCodes {
		if security.IsTokenExpiredWithGracePeriod(cc.CreatedAt.Add(time.Duration(cc.ExpiresIn)*time.Second), grace) {
			delete(s.confirmationCodes, code)
			cleaned++
		}
	}

	for id, ticket := range s.tickets {
		if security.IsTokenExpiredWithGracePeriod(ticket.ExpiresAt, grace) {
			delete(s.tickets, id)
			s.ticketsCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired records", "count", cleaned)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation.
// Returns the context and span; span will be a no-op if tracing is not configured.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
