package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/saborly/apiserver/internal/mailer"
	"github.com/saborly/apiserver/internal/store"
	"github.com/saborly/apiserver/types"
	"go.uber.org/zap"
)

const usernameSuggestions = 5

// RegistrationService runs the three-stage signup flow:
// initiate, check the emailed code, complete.
type RegistrationService struct {
	deps Dependencies
}

func NewRegistrationService(deps Dependencies) *RegistrationService {
	return &RegistrationService{deps: deps.withDefaults()}
}

// StudentDetails are the learner-only profile fields. The profile is
// created only when all of them and both documents are present.
type StudentDetails struct {
	CardHolderName            string
	CardLastFour              string
	CardToken                 string
	DocumentTransactionNumber string
}

func (d StudentDetails) complete() bool {
	return strings.TrimSpace(d.CardHolderName) != "" &&
		strings.TrimSpace(d.CardLastFour) != "" &&
		strings.TrimSpace(d.CardToken) != "" &&
		strings.TrimSpace(d.DocumentTransactionNumber) != ""
}

// CompleteRegistrationInput carries the final registration step.
type CompleteRegistrationInput struct {
	Email       string
	DisplayName string
	Password    string
	Student     StudentDetails
	Front       *Document
	Back        *Document
}

// Initiate creates a pending account and emails its verification code.
// An incomplete account whose code expired is restarted in place.
func (s *RegistrationService) Initiate(ctx context.Context, username, email, rawRole string) error {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)
	if username == "" || email == "" {
		return newError(KindValidation, "username and email are required")
	}
	role, ok := types.ParseRole(rawRole)
	if !ok {
		return newError(KindValidation, "role must be one of learner, creator, administrator")
	}
	now := s.deps.now()

	holder, err := s.deps.Accounts.GetByUsername(ctx, username)
	switch {
	case err == nil:
		if !(abandoned(holder, now) && holder.Email == email) {
			return usernameTaken(username)
		}
	case !errors.Is(err, store.ErrNotFound):
		return dependencyError("failed to check username", err)
	}

	existing, err := s.deps.Accounts.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if !existing.RegistrationPending() {
			return newError(KindConflict, "email is already registered")
		}
		if !abandoned(existing, now) {
			return newError(KindConflict, "email is pending verification, check your inbox for the code")
		}
		return s.restart(ctx, existing, username, role, now)
	case !errors.Is(err, store.ErrNotFound):
		return dependencyError("failed to check email", err)
	}

	code, err := s.deps.Secrets.VerificationCode()
	if err != nil {
		return dependencyError("failed to generate verification code", err)
	}
	account, err := s.deps.Accounts.Create(ctx, types.Account{
		Username:         username,
		Email:            email,
		Role:             role,
		VerificationCode: &code.Value,
		CodeExpiry:       &code.ExpiresAt,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return newError(KindConflict, "username or email is already registered")
		}
		return dependencyError("failed to create account", err)
	}

	s.sendCode(account, code.Value, code.ExpiresAt)
	s.deps.Metrics.Registration("initiated")
	s.deps.Logger.Info("registration initiated", zap.String("account_id", account.ID), zap.String("role", string(role)))
	return nil
}

func (s *RegistrationService) restart(ctx context.Context, existing types.Account, username string, role types.Role, now time.Time) error {
	code, err := s.deps.Secrets.VerificationCode()
	if err != nil {
		return dependencyError("failed to generate verification code", err)
	}
	account, err := s.deps.Accounts.RestartRegistration(ctx, existing.ID, username, role, code.Value, code.ExpiresAt, now)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return usernameTaken(username)
		case errors.Is(err, store.ErrNotFound):
			return newError(KindConflict, "email is pending verification, check your inbox for the code")
		}
		return dependencyError("failed to restart registration", err)
	}

	s.sendCode(account, code.Value, code.ExpiresAt)
	s.deps.Metrics.Registration("restarted")
	s.deps.Logger.Info("registration restarted", zap.String("account_id", account.ID))
	return nil
}

func (s *RegistrationService) sendCode(account types.Account, code string, expiresAt time.Time) {
	email, err := mailer.VerificationEmail(account.Email, account.Username, code, expiresAt)
	if err != nil {
		s.deps.Logger.Error("render verification email", zap.String("account_id", account.ID), zap.Error(err))
		return
	}
	s.deps.Mail.Dispatch(email)
}

// CheckCode reports whether code is the unexpired verification code for
// email. It never consumes the code.
func (s *RegistrationService) CheckCode(ctx context.Context, email, code string) error {
	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return newError(KindValidation, "email and code are required")
	}

	if _, err := s.deps.Accounts.FindPendingByCode(ctx, email, code, s.deps.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errInvalidCode
		}
		return dependencyError("failed to check verification code", err)
	}
	return nil
}

// VerifyEmail marks the email as verified through the emailed link. The
// registration itself stays pending until Complete.
func (s *RegistrationService) VerifyEmail(ctx context.Context, email, code string) (types.AccountSummary, error) {
	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return types.AccountSummary{}, newError(KindValidation, "email and code are required")
	}

	account, err := s.deps.Accounts.MarkEmailVerified(ctx, email, code, s.deps.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.AccountSummary{}, errInvalidCode
		}
		return types.AccountSummary{}, dependencyError("failed to verify email", err)
	}
	s.deps.Metrics.Registration("email_verified")
	return account.Summary(), nil
}

// Complete finishes a pending registration and returns a session for the
// new account.
func (s *RegistrationService) Complete(ctx context.Context, in CompleteRegistrationInput) (Session, error) {
	in.Email = normalizeEmail(in.Email)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if in.Email == "" || in.DisplayName == "" {
		return Session{}, newError(KindValidation, "email and display name are required")
	}
	if err := validatePassword(in.Password); err != nil {
		return Session{}, err
	}

	pending, err := s.deps.Accounts.GetByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, newError(KindValidation, "no pending registration for this email")
		}
		return Session{}, dependencyError("failed to load account", err)
	}
	if !pending.RegistrationPending() {
		return Session{}, newError(KindValidation, "no pending registration for this email")
	}
	now := s.deps.now()
	if pending.CodeExpiry == nil || !pending.CodeExpiry.After(now) {
		return Session{}, errInvalidCode
	}

	var (
		profile  *types.StudentProfile
		uploaded []string
	)
	if pending.Role.RequiresIdentityDocuments() {
		if in.Front == nil || in.Back == nil {
			return Session{}, newError(KindValidation, "front and back identity document images are required")
		}
		docs, err := s.uploadDocuments(ctx, pending.ID, in.Front, in.Back, now)
		if err != nil {
			return Session{}, err
		}
		uploaded = docs.keys()
		if in.Student.complete() {
			profile = &types.StudentProfile{
				CardHolderName:            strings.TrimSpace(in.Student.CardHolderName),
				CardLastFour:              strings.TrimSpace(in.Student.CardLastFour),
				CardToken:                 strings.TrimSpace(in.Student.CardToken),
				DocumentTransactionNumber: strings.TrimSpace(in.Student.DocumentTransactionNumber),
				DocumentFrontURL:          docs.frontURL,
				DocumentBackURL:           docs.backURL,
			}
		}
	}

	session, err := s.finish(ctx, in, profile, now)
	if err != nil {
		s.discardDocuments(uploaded)
		return Session{}, err
	}
	return session, nil
}

func (s *RegistrationService) finish(ctx context.Context, in CompleteRegistrationInput, profile *types.StudentProfile, now time.Time) (Session, error) {
	hash, err := s.deps.Hasher.Hash(in.Password)
	if err != nil {
		return Session{}, dependencyError("failed to hash password", err)
	}

	account, err := s.deps.Accounts.CompleteRegistration(ctx, store.CompleteRegistrationParams{
		Email:        in.Email,
		DisplayName:  in.DisplayName,
		PasswordHash: hash,
		Now:          now,
		Profile:      profile,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Completed concurrently or the code expired in between.
			return Session{}, newError(KindValidation, "no pending registration for this email")
		}
		return Session{}, dependencyError("failed to complete registration", err)
	}

	token, err := s.deps.Sessions.Issue(account.ID, account.Email, account.Role)
	if err != nil {
		return Session{}, dependencyError("failed to issue session", err)
	}

	s.deps.Metrics.Registration("completed")
	s.deps.Logger.Info("registration completed",
		zap.String("account_id", account.ID),
		zap.Bool("student_profile", profile != nil),
	)
	return Session{Account: account.Summary(), Token: token}, nil
}

// abandoned reports whether a registration never completed and its code
// expired. Accounts verified by link but never completed count too.
func abandoned(account types.Account, now time.Time) bool {
	return account.RegistrationPending() &&
		account.CodeExpiry != nil &&
		!account.CodeExpiry.After(now)
}

func usernameTaken(username string) *Error {
	suggestions := make([]string, usernameSuggestions)
	for i := range suggestions {
		suggestions[i] = fmt.Sprintf("%s%d", username, i+1)
	}
	return &Error{
		Kind:        KindConflict,
		Message:     "username is already taken",
		Suggestions: suggestions,
	}
}
