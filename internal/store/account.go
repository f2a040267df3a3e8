package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/saborly/apiserver/types"
)

const accountColumns = `id, username, email, display_name, password_hash, role, is_verified,
		verification_code, code_expiry, reset_token, reset_token_expiry, created_at, updated_at`

// AccountRepository handles persistence for accounts and student profiles.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// CompleteRegistrationParams carries the fields written when a pending
// registration completes.
type CompleteRegistrationParams struct {
	Email        string
	DisplayName  string
	PasswordHash string
	Now          time.Time
	// Profile is inserted in the same transaction when non-nil.
	Profile *types.StudentProfile
}

// ProfilePatch lists the fields an account owner may overwrite. Nil fields
// are left untouched.
type ProfilePatch struct {
	DisplayName  *string
	Email        *string
	PasswordHash *string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (types.Account, error) {
	var (
		account          types.Account
		role             string
		displayName      sql.NullString
		passwordHash     sql.NullString
		verificationCode sql.NullString
		codeExpiry       sql.NullTime
		resetToken       sql.NullString
		resetTokenExpiry sql.NullTime
	)
	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.Email,
		&displayName,
		&passwordHash,
		&role,
		&account.IsVerified,
		&verificationCode,
		&codeExpiry,
		&resetToken,
		&resetTokenExpiry,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Account{}, ErrNotFound
		}
		return types.Account{}, err
	}

	account.Role = types.Role(role)
	account.DisplayName = nullString(displayName)
	account.PasswordHash = nullString(passwordHash)
	account.VerificationCode = nullString(verificationCode)
	account.CodeExpiry = nullTime(codeExpiry)
	account.ResetToken = nullString(resetToken)
	account.ResetTokenExpiry = nullTime(resetTokenExpiry)
	return account, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (types.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return types.Account{}, ErrNotFound
	}
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, id))
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (types.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, email))
}

func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (types.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE LOWER(username) = LOWER($1)`
	return scanAccount(r.db.QueryRowContext(ctx, query, username))
}

// Create inserts a pending account. A username or email collision that slips
// past the caller's checks surfaces as ErrConflict.
func (r *AccountRepository) Create(ctx context.Context, account types.Account) (types.Account, error) {
	now := time.Now().UTC()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.CreatedAt = now
	account.UpdatedAt = now

	const query = `
		INSERT INTO accounts (id, username, email, role, is_verified, verification_code, code_expiry, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		account.ID,
		account.Username,
		account.Email,
		string(account.Role),
		account.IsVerified,
		account.VerificationCode,
		account.CodeExpiry,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.Account{}, ErrConflict
		}
		return types.Account{}, err
	}
	return account, nil
}

// RestartRegistration reuses an abandoned registration: an account that never
// completed and whose verification code expired before now. is_verified is
// left as is. It returns ErrNotFound if the account is no longer in that state.
func (r *AccountRepository) RestartRegistration(
	ctx context.Context,
	id, username string,
	role types.Role,
	code string,
	expiry, now time.Time,
) (types.Account, error) {
	query := `
		UPDATE accounts
		SET username = $2,
			role = $3,
			verification_code = $4,
			code_expiry = $5,
			updated_at = $6
		WHERE id = $1
			AND verification_code IS NOT NULL
			AND code_expiry <= $6
		RETURNING ` + accountColumns
	account, err := scanAccount(r.db.QueryRowContext(ctx, query, id, username, string(role), code, expiry, now))
	if err != nil && isUniqueViolation(err) {
		return types.Account{}, ErrConflict
	}
	return account, err
}

// FindPendingByCode returns the account for email when code matches its
// unexpired verification code. It never mutates the account.
func (r *AccountRepository) FindPendingByCode(ctx context.Context, email, code string, now time.Time) (types.Account, error) {
	query := `SELECT ` + accountColumns + `
		FROM accounts
		WHERE email = $1 AND verification_code = $2 AND code_expiry > $3`
	return scanAccount(r.db.QueryRowContext(ctx, query, email, code, now))
}

// MarkEmailVerified sets is_verified for email when code matches its
// unexpired verification code. The code stays in place because the
// registration itself is still incomplete.
func (r *AccountRepository) MarkEmailVerified(ctx context.Context, email, code string, now time.Time) (types.Account, error) {
	query := `
		UPDATE accounts
		SET is_verified = TRUE,
			updated_at = $3
		WHERE email = $1 AND verification_code = $2 AND code_expiry > $3
		RETURNING ` + accountColumns
	return scanAccount(r.db.QueryRowContext(ctx, query, email, code, now))
}

// CompleteRegistration finishes a pending registration in one conditional
// update, guarded on the verification code still being present and
// unexpired, and inserts the student profile in the same transaction.
// Concurrent completions for the same email race on the guard; the loser
// gets ErrNotFound.
func (r *AccountRepository) CompleteRegistration(ctx context.Context, params CompleteRegistrationParams) (types.Account, error) {
	var account types.Account
	err := withTx(ctx, r.db, func(tx DBTX) error {
		query := `
			UPDATE accounts
			SET display_name = $2,
				password_hash = $3,
				is_verified = TRUE,
				verification_code = NULL,
				code_expiry = NULL,
				updated_at = $4
			WHERE email = $1
				AND verification_code IS NOT NULL
				AND code_expiry > $4
			RETURNING ` + accountColumns
		var err error
		account, err = scanAccount(tx.QueryRowContext(ctx, query, params.Email, params.DisplayName, params.PasswordHash, params.Now))
		if err != nil {
			return err
		}

		if params.Profile == nil {
			return nil
		}
		profile := *params.Profile
		profile.AccountID = account.ID
		profile.CreatedAt = params.Now
		return insertStudentProfile(ctx, tx, profile)
	})
	if err != nil {
		return types.Account{}, err
	}
	return account, nil
}

func insertStudentProfile(ctx context.Context, tx DBTX, profile types.StudentProfile) error {
	const query = `
		INSERT INTO student_profiles (
			account_id, card_holder_name, card_last_four, card_token,
			document_transaction_number, document_front_url, document_back_url, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := tx.ExecContext(
		ctx,
		query,
		profile.AccountID,
		profile.CardHolderName,
		profile.CardLastFour,
		profile.CardToken,
		profile.DocumentTransactionNumber,
		profile.DocumentFrontURL,
		profile.DocumentBackURL,
		profile.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *AccountRepository) GetStudentProfile(ctx context.Context, accountID string) (types.StudentProfile, error) {
	const query = `
		SELECT account_id, card_holder_name, card_last_four, card_token,
		       document_transaction_number, document_front_url, document_back_url, created_at
		FROM student_profiles
		WHERE account_id = $1`
	var profile types.StudentProfile
	err := r.db.QueryRowContext(ctx, query, accountID).Scan(
		&profile.AccountID,
		&profile.CardHolderName,
		&profile.CardLastFour,
		&profile.CardToken,
		&profile.DocumentTransactionNumber,
		&profile.DocumentFrontURL,
		&profile.DocumentBackURL,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.StudentProfile{}, ErrNotFound
		}
		return types.StudentProfile{}, err
	}
	return profile, nil
}

// SetResetToken stores a password reset token, replacing any earlier one.
// Accounts still pending registration yield ErrNotFound.
func (r *AccountRepository) SetResetToken(ctx context.Context, id, token string, expiry time.Time) error {
	const query = `
		UPDATE accounts
		SET reset_token = $2,
			reset_token_expiry = $3,
			updated_at = $4
		WHERE id = $1 AND verification_code IS NULL`
	result, err := r.db.ExecContext(ctx, query, id, token, expiry, time.Now().UTC())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByResetToken returns the account for email when token matches its
// unexpired reset token. It never mutates the account.
func (r *AccountRepository) FindByResetToken(ctx context.Context, email, token string, now time.Time) (types.Account, error) {
	query := `SELECT ` + accountColumns + `
		FROM accounts
		WHERE email = $1 AND reset_token = $2 AND reset_token_expiry > $3
			AND verification_code IS NULL`
	return scanAccount(r.db.QueryRowContext(ctx, query, email, token, now))
}

// ConsumeResetToken overwrites the password hash and clears the reset token
// in one conditional update. A mismatched, expired or already consumed token
// yields ErrNotFound.
func (r *AccountRepository) ConsumeResetToken(ctx context.Context, email, token, passwordHash string, now time.Time) (types.Account, error) {
	query := `
		UPDATE accounts
		SET password_hash = $3,
			reset_token = NULL,
			reset_token_expiry = NULL,
			updated_at = $4
		WHERE email = $1 AND reset_token = $2 AND reset_token_expiry > $4
			AND verification_code IS NULL
		RETURNING ` + accountColumns
	return scanAccount(r.db.QueryRowContext(ctx, query, email, token, passwordHash, now))
}

// UpdateProfile overwrites the non-nil fields of patch.
func (r *AccountRepository) UpdateProfile(ctx context.Context, id string, patch ProfilePatch) (types.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return types.Account{}, ErrNotFound
	}
	query := `
		UPDATE accounts
		SET display_name = COALESCE($2, display_name),
			email = COALESCE($3, email),
			password_hash = COALESCE($4, password_hash),
			updated_at = $5
		WHERE id = $1
		RETURNING ` + accountColumns
	account, err := scanAccount(r.db.QueryRowContext(
		ctx,
		query,
		id,
		patch.DisplayName,
		patch.Email,
		patch.PasswordHash,
		time.Now().UTC(),
	))
	if err != nil && isUniqueViolation(err) {
		return types.Account{}, ErrConflict
	}
	return account, err
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
