package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeys(t *testing.T) {
	master := strings.Repeat("m", 32)
	k1, err := DeriveKeys(master)
	require.NoError(t, err)
	k2, err := DeriveKeys(master)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1.Fingerprint, 32)
	assert.NotEqual(t, k1.Fingerprint, k1.IP)
	assert.NotEqual(t, k1.IP, k1.QR)
	assert.NotEqual(t, k1.Fingerprint, k1.QR)

	_, err = DeriveKeys("short")
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestSessionToken(t *testing.T) {
	a, err := NewSessionToken()
	require.NoError(t, err)
	b, err := NewSessionToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43, "32 bytes base64url without padding")
	assert.Len(t, HashSessionToken(a), 64)
	assert.True(t, HashEqual(HashSessionToken(a), HashSessionToken(a)))
	assert.False(t, HashEqual(HashSessionToken(a), HashSessionToken(b)))
}
