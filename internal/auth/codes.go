package auth

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"time"
)

const (
	verificationCodeBytes = 3
	resetTokenBytes       = 20
)

// Secret is a random value paired with the instant it stops being valid.
type Secret struct {
	Value     string
	ExpiresAt time.Time
}

// CodeGenerator mints registration verification codes and password reset
// tokens.
type CodeGenerator struct {
	codeTTL  time.Duration
	tokenTTL time.Duration
	now      func() time.Time
	random   io.Reader
}

// NewCodeGenerator builds a generator whose codes live for codeTTL and whose
// reset tokens live for tokenTTL.
func NewCodeGenerator(codeTTL, tokenTTL time.Duration) *CodeGenerator {
	return &CodeGenerator{
		codeTTL:  codeTTL,
		tokenTTL: tokenTTL,
		now:      time.Now,
		random:   rand.Reader,
	}
}

// VerificationCode returns a 6 hex character code.
func (g *CodeGenerator) VerificationCode() (Secret, error) {
	return g.secret(verificationCodeBytes, g.codeTTL)
}

// ResetToken returns a 40 hex character token.
func (g *CodeGenerator) ResetToken() (Secret, error) {
	return g.secret(resetTokenBytes, g.tokenTTL)
}

func (g *CodeGenerator) secret(n int, ttl time.Duration) (Secret, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return Secret{}, err
	}
	return Secret{
		Value:     hex.EncodeToString(buf),
		ExpiresAt: g.now().UTC().Add(ttl),
	}, nil
}
