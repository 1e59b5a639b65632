// Package keys manages the server's JSON Web Key material. It holds the
// active signing key per algorithm, supports explicit rotation with a
// retirement window during which retired keys remain verifiable, and
// serves the public key set for the JWKS endpoint.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// DefaultAlgorithm is used when no algorithms are configured. ES256 gives
// equivalent security to RSA-3072 with smaller keys and faster signing.
const DefaultAlgorithm = "ES256"

// DefaultRetirementWindow is how long a rotated key keeps verifying
// signatures. It must cover the longest token lifetime the server issues.
const DefaultRetirementWindow = 24 * time.Hour

// ErrNoSigningKey is returned when no active key exists for the requested
// algorithm.
var ErrNoSigningKey = errors.New("keys: no signing key available")

// SigningKey is a private signing key with its metadata. It must never be
// exposed outside the process; the JWKS endpoint serves only GetPublicKeys.
type SigningKey struct {
	// KeyID is the RFC 7638 thumbprint of the public key.
	KeyID string

	// Algorithm is the JWS algorithm this key signs with ("ES256", "RS256", ...).
	Algorithm string

	// Signer is the private key.
	Signer crypto.Signer

	// CreatedAt is when the key was generated or loaded.
	CreatedAt time.Time

	// RetiredAt is zero while the key is active. A retired key verifies
	// existing signatures but never signs new material.
	RetiredAt time.Time
}

// Store holds one active signing key per algorithm plus retired keys that
// are still inside their retirement window. All methods are safe for
// concurrent use; rotation swaps keys under the write lock so in-flight
// verifications observe either the old set or the new set, never a gap.
type Store struct {
	mu      sync.RWMutex
	active  map[string]*SigningKey
	retired []*SigningKey

	retirementWindow time.Duration
	logger           *slog.Logger
}

// NewStore generates a fresh key for each requested algorithm. An empty
// algorithm list gets DefaultAlgorithm; a non-positive retirement window
// gets DefaultRetirementWindow.
func NewStore(algorithms []string, retirementWindow time.Duration) (*Store, error) {
	if len(algorithms) == 0 {
		algorithms = []string{DefaultAlgorithm}
	}
	if retirementWindow <= 0 {
		retirementWindow = DefaultRetirementWindow
	}

	s := &Store{
		active:           make(map[string]*SigningKey, len(algorithms)),
		retirementWindow: retirementWindow,
		logger:           slog.Default(),
	}

	for _, alg := range algorithms {
		if _, ok := s.active[alg]; ok {
			return nil, fmt.Errorf("keys: duplicate algorithm %q", alg)
		}
		key, err := generateSigningKey(alg)
		if err != nil {
			return nil, err
		}
		s.active[alg] = key
	}

	return s, nil
}

// SetLogger replaces the store's logger. Passing nil keeps the current one.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// SetRetirementWindow replaces the retirement window. A non-positive value
// keeps the current one. Already-retired keys are pruned against the new
// window on the next rotation.
func (s *Store) SetRetirementWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	s.mu.Lock()
	s.retirementWindow = window
	s.mu.Unlock()
}

// AddKey installs a pre-loaded private key (for example from a PEM file) as
// the active key for its algorithm. Any previously active key for that
// algorithm is retired.
func (s *Store) AddKey(signer crypto.Signer, algorithm string) error {
	if signer == nil {
		return errors.New("keys: signer is required")
	}
	if algorithm == "" {
		derived, err := DeriveAlgorithm(signer)
		if err != nil {
			return err
		}
		algorithm = derived
	} else if err := validateAlgorithmForKey(algorithm, signer); err != nil {
		return err
	}

	kid, err := DeriveKeyID(signer)
	if err != nil {
		return err
	}

	key := &SigningKey{
		KeyID:     kid,
		Algorithm: algorithm,
		Signer:    signer,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.active[algorithm]; ok {
		prev.RetiredAt = time.Now()
		s.retired = append(s.retired, prev)
	}
	s.active[algorithm] = key

	s.logger.Info("installed signing key",
		"algorithm", algorithm,
		"key_id", kid,
	)
	return nil
}

// GetSigningKey returns the active key for the algorithm. The returned
// value is a copy; mutating it does not affect the store.
func (s *Store) GetSigningKey(algorithm string) (*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.active[algorithm]
	if !ok {
		return nil, fmt.Errorf("%w for algorithm %q", ErrNoSigningKey, algorithm)
	}
	cp := *key
	return &cp, nil
}

// Algorithms returns the algorithms the store holds an active key for.
func (s *Store) Algorithms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	algs := make([]string, 0, len(s.active))
	for alg := range s.active {
		algs = append(algs, alg)
	}
	return algs
}

// GetPublicKeys returns the public JWKS document: every active key plus
// every retired key still inside its retirement window. Tokens signed
// before a rotation keep verifying until the window closes.
func (s *Store) GetPublicKeys() jose.JSONWebKeySet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(s.active)+len(s.retired))}
	for _, key := range s.active {
		set.Keys = append(set.Keys, publicJWK(key))
	}
	for _, key := range s.retired {
		if now.Before(key.RetiredAt.Add(s.retirementWindow)) {
			set.Keys = append(set.Keys, publicJWK(key))
		}
	}
	return set
}

// RotateKeys generates a replacement key for every algorithm and retires
// the current ones. Retired keys past their window are dropped. Safe to
// call concurrently with verification; readers see a consistent set.
func (s *Store) RotateKeys() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replacements := make(map[string]*SigningKey, len(s.active))
	for alg := range s.active {
		key, err := generateSigningKey(alg)
		if err != nil {
			return fmt.Errorf("rotating %s key: %w", alg, err)
		}
		replacements[alg] = key
	}

	now := time.Now()
	for alg, prev := range s.active {
		prev.RetiredAt = now
		s.retired = append(s.retired, prev)
		s.active[alg] = replacements[alg]

		s.logger.Info("rotated signing key",
			"algorithm", alg,
			"old_key_id", prev.KeyID,
			"new_key_id", replacements[alg].KeyID,
		)
	}

	kept := s.retired[:0]
	for _, key := range s.retired {
		if now.Before(key.RetiredAt.Add(s.retirementWindow)) {
			kept = append(kept, key)
		}
	}
	s.retired = kept

	return nil
}

func publicJWK(key *SigningKey) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       key.Signer.Public(),
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		Use:       "sig",
	}
}

func generateSigningKey(algorithm string) (*SigningKey, error) {
	signer, err := generatePrivateKey(algorithm)
	if err != nil {
		return nil, err
	}
	kid, err := DeriveKeyID(signer)
	if err != nil {
		return nil, err
	}
	return &SigningKey{
		KeyID:     kid,
		Algorithm: algorithm,
		Signer:    signer,
		CreatedAt: time.Now(),
	}, nil
}

func generatePrivateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case "RS256", "RS384", "RS512":
		return rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, fmt.Errorf("keys: unsupported algorithm %q", algorithm)
	}
}

// DeriveKeyID computes the RFC 7638 JWK thumbprint of the key's public
// half, base64url encoded without padding.
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("keys: computing thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// DeriveAlgorithm picks the JWS algorithm matching the key type and, for
// ECDSA, its curve.
func DeriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "RS256", nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		default:
			return "", fmt.Errorf("keys: unsupported elliptic curve %s", k.Curve.Params().Name)
		}
	default:
		return "", fmt.Errorf("keys: unsupported key type %T", key)
	}
}

func validateAlgorithmForKey(algorithm string, key crypto.Signer) error {
	switch key.(type) {
	case *rsa.PrivateKey:
		switch algorithm {
		case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512":
			return nil
		}
	case *ecdsa.PrivateKey:
		derived, err := DeriveAlgorithm(key)
		if err == nil && derived == algorithm {
			return nil
		}
	}
	return fmt.Errorf("keys: algorithm %q does not match key type %T", algorithm, key)
}
