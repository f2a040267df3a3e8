package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/saborly/apiserver/types"
)

// ErrInvalidToken is returned for any session token that fails
// verification: bad signature, wrong algorithm, expired or malformed.
var ErrInvalidToken = errors.New("invalid session token")

// Identity is the minimal authenticated identity carried by a session.
type Identity struct {
	AccountID string     `json:"id"`
	Email     string     `json:"email"`
	Role      types.Role `json:"role"`
}

// Anonymous is the identity of a request without a session token.
var Anonymous = Identity{}

// IsAnonymous reports whether no account is attached.
func (i Identity) IsAnonymous() bool {
	return i.AccountID == ""
}

// Claims is the JWT payload of a session token.
type Claims struct {
	jwt.RegisteredClaims
	Email string     `json:"email"`
	Role  types.Role `json:"role"`
}

// SessionIssuer signs and verifies HS256 session tokens.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionIssuer(secret string, ttl time.Duration) *SessionIssuer {
	return &SessionIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue mints a token for the account that expires after the issuer's TTL.
func (s *SessionIssuer) Issue(accountID, email string, role types.Role) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Email: email,
		Role:  role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse verifies tokenString and returns the identity it carries.
func (s *SessionIssuer) Parse(tokenString string) (Identity, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		&claims,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return s.secret, nil
		},
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		AccountID: claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
	}, nil
}
