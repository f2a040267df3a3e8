package services

import (
	"errors"
)

// Kind classifies service failures for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	// KindInvalidSecret covers wrong, expired or consumed verification
	// codes and reset tokens. Callers cannot tell the cases apart.
	KindInvalidSecret
	KindAuthentication
	KindNotVerified
	KindAuthorization
	KindNotFound
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInvalidSecret:
		return "invalid_secret"
	case KindAuthentication:
		return "authentication"
	case KindNotVerified:
		return "not_verified"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindDependency:
		return "dependency"
	default:
		return "internal"
	}
}

// Error is a classified failure with a message safe to show the caller.
type Error struct {
	Kind    Kind
	Message string
	// Suggestions lists alternative usernames on a username conflict.
	Suggestions []string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindInternal
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func dependencyError(message string, err error) *Error {
	return &Error{Kind: KindDependency, Message: message, Err: err}
}

var (
	errInvalidCode        = newError(KindInvalidSecret, "invalid or expired verification code")
	errInvalidResetToken  = newError(KindInvalidSecret, "invalid or expired reset token")
	errInvalidCredentials = newError(KindAuthentication, "invalid email or password")
	errNotVerified        = newError(KindNotVerified, "email address must be verified before logging in")
	errAccountNotFound    = newError(KindNotFound, "account not found")
)
