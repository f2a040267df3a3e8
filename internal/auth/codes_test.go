package auth

import (
	"bytes"
	"encoding/hex"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerificationCode(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	g := NewCodeGenerator(24*time.Hour, time.Hour)
	g.now = func() time.Time { return fixed }

	code, err := g.VerificationCode()
	require.NoError(t, err)
	assert.Len(t, code.Value, 6)
	_, err = hex.DecodeString(code.Value)
	assert.NoError(t, err)
	assert.Equal(t, fixed.Add(24*time.Hour), code.ExpiresAt)
}

func TestResetToken(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	g := NewCodeGenerator(24*time.Hour, time.Hour)
	g.now = func() time.Time { return fixed }
	g.random = bytes.NewReader(bytes.Repeat([]byte{0xab}, resetTokenBytes))

	token, err := g.ResetToken()
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(bytes.Repeat([]byte{0xab}, resetTokenBytes)), token.Value)
	assert.Equal(t, fixed.Add(time.Hour), token.ExpiresAt)
}

func TestCodesAreRandom(t *testing.T) {
	g := NewCodeGenerator(time.Hour, time.Hour)
	a, err := g.ResetToken()
	require.NoError(t, err)
	b, err := g.ResetToken()
	require.NoError(t, err)
	assert.NotEqual(t, a.Value, b.Value)
}

func TestSecretRandomFailure(t *testing.T) {
	g := NewCodeGenerator(time.Hour, time.Hour)
	g.random = iotest.ErrReader(assert.AnError)

	_, err := g.VerificationCode()
	assert.ErrorIs(t, err, assert.AnError)
}
