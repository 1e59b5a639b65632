package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gatekit/oauth/storage"
)

// SendConfirmationCode mints a one-time code bound to the subject and hands
// it to the delivery collaborator. The code is persisted before delivery so
// a delivered code is always redeemable.
func (s *Server) SendConfirmationCode(ctx context.Context, subject, channel string) error {
	if s.codeSender == nil {
		return fmt.Errorf("no confirmation code sender configured")
	}
	if subject == "" {
		return errInvalidRequest("subject is required")
	}

	code := &storage.ConfirmationCode{
		Code:      generateRandomToken(),
		Subject:   subject,
		CreatedAt: time.Now(),
		ExpiresIn: s.Config.ConfirmationCodeTTL,
	}
	if err := s.stores.ConfirmationCodes.SaveConfirmationCode(ctx, code); err != nil {
		return fmt.Errorf("persisting confirmation code: %w", err)
	}

	if err := s.codeSender.Send(ctx, subject, channel, code.Code); err != nil {
		s.Logger.Error("confirmation code delivery failed",
			"subject", subject, "channel", channel, "error", err)
		return fmt.Errorf("delivering confirmation code: %w", err)
	}
	s.Logger.Debug("confirmation code sent", "subject", subject, "channel", channel)
	return nil
}

// ConfirmCode redeems a confirmation code for the subject. Codes are
// one-time; a mismatched subject does not consume the code.
func (s *Server) ConfirmCode(ctx context.Context, code, subject string) error {
	_, err := s.stores.ConfirmationCodes.ConsumeConfirmationCode(ctx, code, subject)
	switch {
	case errors.Is(err, storage.ErrSubjectMismatch):
		if s.Auditor != nil {
			s.Auditor.LogSuspiciousActivity(subject, "", "", "confirmation code subject mismatch")
		}
		return errInvalidGrant("confirmation code is bound to a different subject")
	case errors.Is(err, storage.ErrExpired):
		return errInvalidGrant("confirmation code expired")
	case errors.Is(err, storage.ErrNotFound):
		return errInvalidGrant("invalid confirmation code")
	case err != nil:
		return fmt.Errorf("consuming confirmation code: %w", err)
	}
	return nil
}
