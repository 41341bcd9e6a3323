package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFingerprint() Fingerprint {
	return Fingerprint{
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0",
		Language:         "en-US",
		Timezone:         "Europe/Berlin",
		ScreenResolution: "1920x1080",
		ColorDepth:       24,
		Platform:         "Win32",
		CookiesEnabled:   true,
	}
}

func TestFingerprintHasher_Deterministic(t *testing.T) {
	fp := testFingerprint()
	h1 := NewFingerprintHasher([]byte("key-one-key-one-key-one-key-one!"))
	h2 := NewFingerprintHasher([]byte("key-one-key-one-key-one-key-one!"))

	a := h1.Hash(fp)
	assert.Equal(t, a, h1.Hash(fp))
	assert.Equal(t, a, h2.Hash(fp), "separate hashers with the same key agree")
	assert.Len(t, a, 64)
}

func TestFingerprintHasher_EachAttributeMatters(t *testing.T) {
	h := NewFingerprintHasher([]byte("key"))
	base := h.Hash(testFingerprint())

	mutations := map[string]func(*Fingerprint){
		"userAgent":        func(f *Fingerprint) { f.UserAgent += " Edg/120" },
		"language":         func(f *Fingerprint) { f.Language = "de-DE" },
		"timezone":         func(f *Fingerprint) { f.Timezone = "America/New_York" },
		"screenResolution": func(f *Fingerprint) { f.ScreenResolution = "1280x720" },
		"colorDepth":       func(f *Fingerprint) { f.ColorDepth = 30 },
		"platform":         func(f *Fingerprint) { f.Platform = "MacIntel" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			fp := testFingerprint()
			mutate(&fp)
			assert.NotEqual(t, base, h.Hash(fp))
		})
	}
}

func TestFingerprintHasher_IgnoresUnhashedAttributes(t *testing.T) {
	h := NewFingerprintHasher([]byte("key"))
	fp := testFingerprint()
	other := fp
	other.CookiesEnabled = false
	other.DoNotTrack = "1"
	assert.Equal(t, h.Hash(fp), h.Hash(other))
}

func TestFingerprintHasher_KeyMatters(t *testing.T) {
	fp := testFingerprint()
	assert.NotEqual(t, NewFingerprintHasher([]byte("a")).Hash(fp), NewFingerprintHasher([]byte("b")).Hash(fp))
}

func TestFingerprint_CanonicalIsUnambiguous(t *testing.T) {
	h := NewFingerprintHasher([]byte("key"))
	a := testFingerprint()
	b := testFingerprint()
	a.Language, a.Timezone = "en", "US;Europe/Berlin"
	b.Language, b.Timezone = "en;US", "Europe/Berlin"
	assert.NotEqual(t, h.Hash(a), h.Hash(b))
}

func TestFingerprint_Validate(t *testing.T) {
	require.NoError(t, testFingerprint().Validate())

	fp := testFingerprint()
	fp.Timezone = ""
	assert.ErrorIs(t, fp.Validate(), ErrIncompleteFingerprint)

	fp = testFingerprint()
	fp.ColorDepth = 0
	assert.ErrorIs(t, fp.Validate(), ErrIncompleteFingerprint)
}

func TestFingerprintHeader_RoundTrip(t *testing.T) {
	v, err := EncodeFingerprintHeader(testFingerprint())
	require.NoError(t, err)
	got, err := DecodeFingerprintHeader(v)
	require.NoError(t, err)
	assert.Equal(t, testFingerprint(), got)

	_, err = DecodeFingerprintHeader("%%%")
	assert.ErrorIs(t, err, ErrIncompleteFingerprint)

	partial, err := EncodeFingerprintHeader(Fingerprint{UserAgent: "x"})
	require.NoError(t, err)
	_, err = DecodeFingerprintHeader(partial)
	assert.ErrorIs(t, err, ErrIncompleteFingerprint)
}

func TestIPHasher(t *testing.T) {
	h := NewIPHasher([]byte("ip-key"))
	assert.Equal(t, "", h.Hash(""))
	assert.Equal(t, h.Hash("10.0.0.1"), h.Hash("::ffff:10.0.0.1"))
	assert.NotEqual(t, h.Hash("10.0.0.1"), h.Hash("10.0.0.2"))
	assert.NotEqual(t, h.Hash("10.0.0.1"), NewIPHasher([]byte("other")).Hash("10.0.0.1"))
}

func TestHashPrefix(t *testing.T) {
	assert.Equal(t, "abcdef01", HashPrefix("abcdef0123456789"))
	assert.Equal(t, "abc", HashPrefix("abc"))
}
