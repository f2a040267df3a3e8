package services

import (
	"context"
	"errors"
	"strings"

	"github.com/saborly/apiserver/internal/mailer"
	"github.com/saborly/apiserver/internal/store"
	"go.uber.org/zap"
)

// PasswordResetService issues and consumes password reset tokens.
type PasswordResetService struct {
	deps Dependencies
}

func NewPasswordResetService(deps Dependencies) *PasswordResetService {
	return &PasswordResetService{deps: deps.withDefaults()}
}

// RequestReset issues a reset token and emails it when a completed account
// exists. Unknown emails and pending registrations succeed silently so
// callers cannot tell them apart.
func (s *PasswordResetService) RequestReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return newError(KindValidation, "email is required")
	}

	account, err := s.deps.Accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.deps.Metrics.PasswordReset("unknown_email")
			return nil
		}
		return dependencyError("failed to load account", err)
	}
	if account.RegistrationPending() {
		s.deps.Metrics.PasswordReset("pending_registration")
		return nil
	}

	token, err := s.deps.Secrets.ResetToken()
	if err != nil {
		return dependencyError("failed to generate reset token", err)
	}
	if err := s.deps.Accounts.SetResetToken(ctx, account.ID, token.Value, token.ExpiresAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return dependencyError("failed to store reset token", err)
	}

	message, err := mailer.PasswordResetEmail(account.Email, token.Value, token.ExpiresAt)
	if err != nil {
		s.deps.Logger.Error("render reset email", zap.String("account_id", account.ID), zap.Error(err))
	} else {
		s.deps.Mail.Dispatch(message)
	}

	s.deps.Metrics.PasswordReset("requested")
	s.deps.Logger.Info("password reset requested", zap.String("account_id", account.ID))
	return nil
}

// VerifyToken reports whether token is the active reset token for email.
// It never consumes the token.
func (s *PasswordResetService) VerifyToken(ctx context.Context, email, token string) error {
	email = normalizeEmail(email)
	token = strings.TrimSpace(token)
	if email == "" || token == "" {
		return newError(KindValidation, "email and token are required")
	}

	if _, err := s.deps.Accounts.FindByResetToken(ctx, email, token, s.deps.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errInvalidResetToken
		}
		return dependencyError("failed to check reset token", err)
	}
	return nil
}

// ConfirmReset sets a new password and consumes the token. Reusing a
// consumed token fails like any invalid token.
func (s *PasswordResetService) ConfirmReset(ctx context.Context, email, token, newPassword string) error {
	if err := s.VerifyToken(ctx, email, token); err != nil {
		return err
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	hash, err := s.deps.Hasher.Hash(newPassword)
	if err != nil {
		return dependencyError("failed to hash password", err)
	}

	account, err := s.deps.Accounts.ConsumeResetToken(ctx, normalizeEmail(email), strings.TrimSpace(token), hash, s.deps.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errInvalidResetToken
		}
		return dependencyError("failed to reset password", err)
	}

	s.deps.Metrics.PasswordReset("confirmed")
	s.deps.Logger.Info("password reset confirmed", zap.String("account_id", account.ID))
	return nil
}
