package security

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrWeakSecret is returned when the master secret is shorter than 32 bytes.
var ErrWeakSecret = errors.New("session secret must be at least 32 bytes")

// Keys holds the per-purpose keys derived from the master session secret.
type Keys struct {
	Fingerprint []byte
	IP          []byte
	QR          []byte
}

// DeriveKeys expands the master secret into independent 32-byte keys with HKDF-SHA256.
func DeriveKeys(master string) (Keys, error) {
	if len(master) < 32 {
		return Keys{}, ErrWeakSecret
	}
	var k Keys
	for _, p := range []struct {
		info string
		dst  *[]byte
	}{
		{"schoolhub fingerprint v1", &k.Fingerprint},
		{"schoolhub ip v1", &k.IP},
		{"schoolhub qr v1", &k.QR},
	} {
		buf := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(master), nil, []byte(p.info)), buf); err != nil {
			return Keys{}, err
		}
		*p.dst = buf
	}
	return k, nil
}
