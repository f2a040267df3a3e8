package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and verifies account passwords.
type Hasher interface {
	Hash(password string) (string, error)
	// Verify reports whether password matches hash. A nil hash never matches.
	Verify(hash *string, password string) bool
}

// BcryptHasher is the bcrypt implementation of Hasher.
type BcryptHasher struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewBcryptHasher returns a hasher using cost, falling back to
// bcrypt.DefaultCost when cost is out of range.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Verify runs a full comparison against a placeholder hash of the same
// cost when none is stored, so incomplete registrations take as long to
// reject as a wrong password.
func (h *BcryptHasher) Verify(hash *string, password string) bool {
	if hash == nil || *hash == "" {
		_ = bcrypt.CompareHashAndPassword(h.placeholder(), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(*hash), []byte(password)) == nil
}

func (h *BcryptHasher) placeholder() []byte {
	h.dummyOnce.Do(func() {
		hashed, err := bcrypt.GenerateFromPassword([]byte("placeholder-never-matches"), h.cost)
		if err != nil {
			// GenerateFromPassword only fails on cost or length, both fixed here.
			panic(err)
		}
		h.dummy = hashed
	})
	return h.dummy
}
