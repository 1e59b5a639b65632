package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gatekit/oauth/storage"
)

// userCodeAlphabet avoids vowels and ambiguous glyphs so codes survive being
// read aloud or typed from a TV screen.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// StartDeviceAuthorization begins an RFC 8628 device flow for the client:
// it mints the device and user codes and stores the pending authorization.
func (s *Server) StartDeviceAuthorization(ctx context.Context, clientID, scope string) (*storage.DeviceAuthorization, error) {
	client, err := s.stores.Clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, errInvalidClient("client authentication failed")
		}
		return nil, fmt.Errorf("client lookup: %w", err)
	}
	if !client.AllowsGrantType(GrantTypeDeviceCode) {
		return nil, errUnauthorizedClient("client is not registered for the device grant")
	}
	if err := s.validateScopes(scope); err != nil {
		return nil, errInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(scope, client.Scopes); err != nil {
		return nil, errInvalidScope(err.Error())
	}

	userCode, err := generateUserCode()
	if err != nil {
		return nil, fmt.Errorf("generating user code: %w", err)
	}

	now := time.Now()
	auth := &storage.DeviceAuthorization{
		DeviceCode: generateRandomToken(),
		UserCode:   userCode,
		ClientID:   clientID,
		Scope:      scope,
		Status:     storage.DeviceStatusPending,
		Interval:   int(s.Config.DeviceCodePollInterval),
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(s.Config.DeviceCodeTTL) * time.Second),
	}
	if err := s.stores.Devices.SaveDeviceAuthorization(ctx, auth); err != nil {
		return nil, fmt.Errorf("persisting device authorization: %w", err)
	}

	if s.Metrics != nil {
		s.Metrics.RecordDeviceFlowStarted(ctx, clientID)
	}
	s.Logger.Info("device authorization started",
		"client_id", clientID,
		"user_code", auth.UserCode,
		"expires_at", auth.ExpiresAt,
	)
	return auth, nil
}

// LookupUserCode resolves a user code for the approval UI.
func (s *Server) LookupUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	auth, err := s.stores.Devices.GetByUserCode(ctx, userCode)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
		return nil, errInvalidRequest("unknown or expired user code")
	case err != nil:
		return nil, fmt.Errorf("user code lookup: %w", err)
	}
	return auth, nil
}

// ApproveDevice records the resource owner's approval, binding the subject
// that the redeemed tokens will be issued for.
func (s *Server) ApproveDevice(ctx context.Context, userCode, subject, clientIP string) error {
	auth, err := s.LookupUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	if err := s.stores.Devices.Approve(ctx, userCode, subject); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return errInvalidRequest("unknown or expired user code")
		}
		return fmt.Errorf("approving device authorization: %w", err)
	}
	if s.Auditor != nil {
		s.Auditor.LogDeviceDecision(subject, auth.ClientID, clientIP, true)
	}
	s.Logger.Info("device authorization approved",
		"client_id", auth.ClientID,
		"subject", subject,
	)
	return nil
}

// DenyDevice records the resource owner's refusal.
func (s *Server) DenyDevice(ctx context.Context, userCode, subject, clientIP string) error {
	auth, err := s.LookupUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	if err := s.stores.Devices.Deny(ctx, userCode); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return errInvalidRequest("unknown or expired user code")
		}
		return fmt.Errorf("denying device authorization: %w", err)
	}
	if s.Auditor != nil {
		s.Auditor.LogDeviceDecision(subject, auth.ClientID, clientIP, false)
	}
	s.Logger.Info("device authorization denied", "client_id", auth.ClientID)
	return nil
}

// generateUserCode produces an 8-character code in XXXX-XXXX form.
func generateUserCode() (string, error) {
	buf := make([]byte, 9)
	for i := range buf {
		if i == 4 {
			buf[i] = '-'
			continue
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(userCodeAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = userCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
