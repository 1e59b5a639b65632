package token

import (
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Parser verifies compact JWS tokens against the key source's public set.
type Parser struct {
	issuer     string
	keys       KeySource
	algorithms []jose.SignatureAlgorithm
}

// NewParser creates a Parser accepting the given signature algorithms.
// An empty list accepts ES256 only.
func NewParser(issuer string, keySource KeySource, algorithms []string) *Parser {
	algs := make([]jose.SignatureAlgorithm, 0, len(algorithms))
	for _, a := range algorithms {
		algs = append(algs, jose.SignatureAlgorithm(a))
	}
	if len(algs) == 0 {
		algs = []jose.SignatureAlgorithm{jose.ES256}
	}
	return &Parser{
		issuer:     issuer,
		keys:       keySource,
		algorithms: algs,
	}
}

// Verify parses a compact JWS, resolves its kid against the public key
// set, checks the signature, and validates issuer and expiry with no
// leeway. Expiry is strict: a token inspected at exactly its exp instant
// is rejected.
func (p *Parser) Verify(raw string) (*Claims, error) {
	parsed, err := jwt.ParseSigned(raw, p.algorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(parsed.Headers) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", ErrInvalidToken)
	}

	kid := parsed.Headers[0].KeyID
	set := p.keys.GetPublicKeys()
	matches := set.Key(kid)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	var claims Claims
	if err := parsed.Claims(matches[0], &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	now := time.Now()
	err = claims.ValidateWithLeeway(jwt.Expected{
		Issuer: p.issuer,
		Time:   now,
	}, 0)
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := validateStrictExpiry(claims.Expiry, now); err != nil {
		return nil, err
	}

	return &claims, nil
}

// validateStrictExpiry closes the validity window at exactly exp, matching
// the store-side GrantedToken.Expired bound. ValidateWithLeeway alone
// accepts a token inspected at its exp instant.
func validateStrictExpiry(expiry *jwt.NumericDate, now time.Time) error {
	if expiry != nil && !now.Before(expiry.Time()) {
		return ErrTokenExpired
	}
	return nil
}

// VerifyRaw verifies a compact JWS like Verify but returns the full claim
// set as a map, for callers that inspect claims outside the registered set
// (UMA claim tokens).
func (p *Parser) VerifyRaw(raw string) (map[string]any, error) {
	parsed, err := jwt.ParseSigned(raw, p.algorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(parsed.Headers) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", ErrInvalidToken)
	}

	kid := parsed.Headers[0].KeyID
	set := p.keys.GetPublicKeys()
	matches := set.Key(kid)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	var std jwt.Claims
	all := map[string]any{}
	if err := parsed.Claims(matches[0], &std, &all); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	now := time.Now()
	err = std.ValidateWithLeeway(jwt.Expected{
		Issuer: p.issuer,
		Time:   now,
	}, 0)
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := validateStrictExpiry(std.Expiry, now); err != nil {
		return nil, err
	}

	return all, nil
}

// Encrypt produces a compact JWE of the payload for the given recipient
// key using the requested key and content encryption algorithms.
func Encrypt(payload []byte, alg jose.KeyAlgorithm, enc jose.ContentEncryption, recipientKey any) (string, error) {
	encrypter, err := jose.NewEncrypter(enc, jose.Recipient{Algorithm: alg, Key: recipientKey}, nil)
	if err != nil {
		return "", fmt.Errorf("token: creating encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("token: encrypting payload: %w", err)
	}
	out, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("token: serializing JWE: %w", err)
	}
	return out, nil
}

// Decrypt parses a compact JWE produced with the given algorithms and
// decrypts it with the recipient's private key.
func Decrypt(raw string, alg jose.KeyAlgorithm, enc jose.ContentEncryption, recipientKey any) ([]byte, error) {
	obj, err := jose.ParseEncrypted(raw, []jose.KeyAlgorithm{alg}, []jose.ContentEncryption{enc})
	if err != nil {
		return nil, fmt.Errorf("token: parsing JWE: %w", err)
	}
	payload, err := obj.Decrypt(recipientKey)
	if err != nil {
		return nil, fmt.Errorf("token: decrypting payload: %w", err)
	}
	return payload, nil
}
