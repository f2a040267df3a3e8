package types

import (
	"strings"
	"time"
)

// Role is the authorization class of an account.
type Role string

const (
	RoleLearner       Role = "learner"
	RoleCreator       Role = "creator"
	RoleAdministrator Role = "administrator"
)

// ParseRole normalizes raw and reports whether it names a known role.
func ParseRole(raw string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RoleLearner, RoleCreator, RoleAdministrator:
		return role, true
	default:
		return "", false
	}
}

// RequiresIdentityDocuments reports whether completing registration for the
// role needs the front and back images of an identity document.
func (r Role) RequiresIdentityDocuments() bool {
	return r == RoleLearner
}

// Account represents a user identity in the marketplace, verified or not.
type Account struct {
	// ID is the opaque unique identifier assigned at creation.
	ID string `json:"id" db:"id"`

	// Username is unique and immutable once registration completes.
	Username string `json:"username" db:"username"`

	// Email is unique. A pending registration holds the slot until it
	// completes or its verification code expires.
	Email string `json:"email" db:"email"`

	// DisplayName is empty until registration completes.
	DisplayName *string `json:"display_name" db:"display_name"`

	// PasswordHash is nil until registration completes.
	// This field is never exposed in API responses.
	PasswordHash *string `json:"-" db:"password_hash"`

	// Role is assigned at initial registration and never changed by the
	// credential flows.
	Role Role `json:"role" db:"role"`

	// IsVerified flips to true once and never reverts.
	IsVerified bool `json:"is_verified" db:"is_verified"`

	// VerificationCode and CodeExpiry are set only while registration is pending.
	VerificationCode *string    `json:"-" db:"verification_code"`
	CodeExpiry       *time.Time `json:"-" db:"code_expiry"`

	// ResetToken and ResetTokenExpiry are set only while a password reset is active.
	ResetToken       *string    `json:"-" db:"reset_token"`
	ResetTokenExpiry *time.Time `json:"-" db:"reset_token_expiry"`

	// CreatedAt is the timestamp when the account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RegistrationPending reports whether the account has not completed signup.
func (a Account) RegistrationPending() bool {
	return a.VerificationCode != nil
}

// CodeValid reports whether code matches the pending verification code and
// has not expired at now.
func (a Account) CodeValid(code string, now time.Time) bool {
	if a.VerificationCode == nil || a.CodeExpiry == nil || code == "" {
		return false
	}
	return *a.VerificationCode == code && a.CodeExpiry.After(now)
}

// ResetTokenValid reports whether token matches the active reset token and
// has not expired at now.
func (a Account) ResetTokenValid(token string, now time.Time) bool {
	if a.ResetToken == nil || a.ResetTokenExpiry == nil || token == "" {
		return false
	}
	return *a.ResetToken == token && a.ResetTokenExpiry.After(now)
}

// Summary returns the public view of the account.
func (a Account) Summary() AccountSummary {
	summary := AccountSummary{
		ID:         a.ID,
		Username:   a.Username,
		Email:      a.Email,
		Role:       a.Role,
		IsVerified: a.IsVerified,
		CreatedAt:  a.CreatedAt,
	}
	if a.DisplayName != nil {
		summary.DisplayName = *a.DisplayName
	}
	return summary
}

// AccountSummary is the account shape returned by the API.
type AccountSummary struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        Role      `json:"role"`
	IsVerified  bool      `json:"is_verified"`
	CreatedAt   time.Time `json:"created_at"`
}

// StudentProfile extends a learner account with payment and identity data.
// It is created once, when a learner completes registration.
type StudentProfile struct {
	AccountID string `json:"account_id" db:"account_id"`

	// CardHolderName, CardLastFour and CardToken reference the payment card
	// held by the payment provider; the full card number is never stored.
	CardHolderName string `json:"card_holder_name" db:"card_holder_name"`
	CardLastFour   string `json:"card_last_four" db:"card_last_four"`
	CardToken      string `json:"-" db:"card_token"`

	// DocumentTransactionNumber identifies the identity document check.
	DocumentTransactionNumber string `json:"document_transaction_number" db:"document_transaction_number"`

	// DocumentFrontURL and DocumentBackURL point at the uploaded images.
	DocumentFrontURL string `json:"document_front_url" db:"document_front_url"`
	DocumentBackURL  string `json:"document_back_url" db:"document_back_url"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
