package services

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/saborly/apiserver/internal/auth"
	"github.com/saborly/apiserver/internal/metrics"
	"github.com/saborly/apiserver/internal/store"
	"github.com/saborly/apiserver/types"
	"go.uber.org/zap"
)

// AccountRepository defines persistence operations for accounts.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (types.Account, error)
	GetByEmail(ctx context.Context, email string) (types.Account, error)
	GetByUsername(ctx context.Context, username string) (types.Account, error)
	Create(ctx context.Context, account types.Account) (types.Account, error)
	RestartRegistration(ctx context.Context, id, username string, role types.Role, code string, expiry, now time.Time) (types.Account, error)
	FindPendingByCode(ctx context.Context, email, code string, now time.Time) (types.Account, error)
	MarkEmailVerified(ctx context.Context, email, code string, now time.Time) (types.Account, error)
	CompleteRegistration(ctx context.Context, params store.CompleteRegistrationParams) (types.Account, error)
	SetResetToken(ctx context.Context, id, token string, expiry time.Time) error
	FindByResetToken(ctx context.Context, email, token string, now time.Time) (types.Account, error)
	ConsumeResetToken(ctx context.Context, email, token, passwordHash string, now time.Time) (types.Account, error)
	UpdateProfile(ctx context.Context, id string, patch store.ProfilePatch) (types.Account, error)
	GetStudentProfile(ctx context.Context, accountID string) (types.StudentProfile, error)
}

// DocumentStorage is the subset of object storage used for identity
// document images.
type DocumentStorage interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// SecretGenerator mints verification codes and reset tokens.
type SecretGenerator interface {
	VerificationCode() (auth.Secret, error)
	ResetToken() (auth.Secret, error)
}

// SessionIssuer mints session tokens.
type SessionIssuer interface {
	Issue(accountID, email string, role types.Role) (string, error)
}

// Dependencies are the process-wide handles shared by the services.
type Dependencies struct {
	Accounts  AccountRepository
	Documents DocumentStorage
	Hasher    auth.Hasher
	Secrets   SecretGenerator
	Sessions  SessionIssuer
	Mail      *MailDispatcher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

func (d Dependencies) now() time.Time {
	return d.Clock().UTC()
}

// Session is an authenticated account and its bearer token.
type Session struct {
	Account types.AccountSummary `json:"account"`
	Token   string               `json:"token"`
}

const (
	minPasswordLength = 8
	// bcrypt only accepts up to 72 bytes of input.
	maxPasswordLength = 72
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return newError(KindValidation, "password must be at least 8 characters long")
	}
	if len(password) > maxPasswordLength {
		return newError(KindValidation, "password must be at most 72 bytes long")
	}
	return nil
}
