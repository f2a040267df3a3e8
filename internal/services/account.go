package services

import (
	"context"
	"errors"
	"strings"

	"github.com/saborly/apiserver/internal/store"
	"github.com/saborly/apiserver/types"
	"go.uber.org/zap"
)

// AccountService covers login and the account owner's profile.
type AccountService struct {
	deps Dependencies
}

func NewAccountService(deps Dependencies) *AccountService {
	return &AccountService{deps: deps.withDefaults()}
}

// ProfileUpdate lists the fields an owner may change. Nil fields are kept.
type ProfileUpdate struct {
	DisplayName *string
	Email       *string
	Password    *string
}

// Login verifies credentials and issues a session. Unknown emails and
// wrong passwords fail identically, as do registrations that never
// completed. An unverified account is only reported after the password
// matched.
func (s *AccountService) Login(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, newError(KindValidation, "email and password are required")
	}

	account, err := s.deps.Accounts.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return Session{}, dependencyError("failed to load account", err)
		}
		s.deps.Hasher.Verify(nil, password)
		s.deps.Metrics.Login("invalid_credentials")
		return Session{}, errInvalidCredentials
	}

	if !s.deps.Hasher.Verify(account.PasswordHash, password) || account.RegistrationPending() {
		s.deps.Metrics.Login("invalid_credentials")
		return Session{}, errInvalidCredentials
	}
	if !account.IsVerified {
		s.deps.Metrics.Login("not_verified")
		return Session{}, errNotVerified
	}

	token, err := s.deps.Sessions.Issue(account.ID, account.Email, account.Role)
	if err != nil {
		return Session{}, dependencyError("failed to issue session", err)
	}
	s.deps.Metrics.Login("success")
	return Session{Account: account.Summary(), Token: token}, nil
}

// Get loads an account by id.
func (s *AccountService) Get(ctx context.Context, id string) (types.Account, error) {
	account, err := s.deps.Accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Account{}, errAccountNotFound
		}
		return types.Account{}, dependencyError("failed to load account", err)
	}
	return account, nil
}

// AccountReview is the administrator's view of an account.
type AccountReview struct {
	Account        types.AccountSummary  `json:"account"`
	StudentProfile *types.StudentProfile `json:"student_profile,omitempty"`
}

// Review loads an account together with its student profile, if any.
func (s *AccountService) Review(ctx context.Context, id string) (AccountReview, error) {
	account, err := s.Get(ctx, id)
	if err != nil {
		return AccountReview{}, err
	}

	review := AccountReview{Account: account.Summary()}
	if !account.Role.RequiresIdentityDocuments() {
		return review, nil
	}
	profile, err := s.deps.Accounts.GetStudentProfile(ctx, account.ID)
	switch {
	case err == nil:
		review.StudentProfile = &profile
	case errors.Is(err, store.ErrNotFound):
	default:
		return AccountReview{}, dependencyError("failed to load student profile", err)
	}
	return review, nil
}

// UpdateProfile overwrites the provided fields of the account.
func (s *AccountService) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (types.AccountSummary, error) {
	var patch store.ProfilePatch

	if update.DisplayName != nil {
		name := strings.TrimSpace(*update.DisplayName)
		if name == "" {
			return types.AccountSummary{}, newError(KindValidation, "display name cannot be empty")
		}
		patch.DisplayName = &name
	}
	if update.Email != nil {
		email := normalizeEmail(*update.Email)
		if email == "" {
			return types.AccountSummary{}, newError(KindValidation, "email cannot be empty")
		}
		patch.Email = &email
	}
	if update.Password != nil {
		if err := validatePassword(*update.Password); err != nil {
			return types.AccountSummary{}, err
		}
		hash, err := s.deps.Hasher.Hash(*update.Password)
		if err != nil {
			return types.AccountSummary{}, dependencyError("failed to hash password", err)
		}
		patch.PasswordHash = &hash
	}

	account, err := s.deps.Accounts.UpdateProfile(ctx, id, patch)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return types.AccountSummary{}, errAccountNotFound
		case errors.Is(err, store.ErrConflict):
			return types.AccountSummary{}, newError(KindConflict, "email is already registered")
		}
		return types.AccountSummary{}, dependencyError("failed to update profile", err)
	}

	s.deps.Logger.Info("profile updated",
		zap.String("account_id", account.ID),
		zap.Bool("password_changed", patch.PasswordHash != nil),
	)
	return account.Summary(), nil
}
