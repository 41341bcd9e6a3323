package security

import (
	"crypto"
	"errors"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a provider access token is malformed or invalid.
var ErrInvalidToken = errors.New("invalid token")

// ProviderClaims are the claims the hosted auth provider puts in its access tokens.
type ProviderClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Identity is the authenticated principal behind a provider access token.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// IdentityVerifier validates access tokens issued by the hosted auth provider. Password
// handling stays with the provider; this service only turns a verified identity into a
// device-bound session.
type IdentityVerifier struct {
	hmacSecret []byte
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
}

// NewHMACIdentityVerifier verifies HS256 tokens signed with the provider's shared secret.
func NewHMACIdentityVerifier(secret []byte, issuer, audience string) *IdentityVerifier {
	return &IdentityVerifier{hmacSecret: secret, issuer: issuer, audience: audience}
}

// NewKeyIdentityVerifier verifies RS256 or ES256 tokens against the provider's public key.
func NewKeyIdentityVerifier(pub crypto.PublicKey, issuer, audience string) *IdentityVerifier {
	return &IdentityVerifier{publicKey: pub, issuer: issuer, audience: audience}
}

// Verify parses and validates the token (signature, exp, iss when configured, aud).
func (v *IdentityVerifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ProviderClaims{}, v.keyFunc,
		jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*ProviderClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, ErrInvalidToken
	}
	if v.audience != "" && !slices.Contains(claims.Audience, v.audience) {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

func (v *IdentityVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.hmacSecret != nil {
			return v.hmacSecret, nil
		}
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
		if v.publicKey != nil && KeyAlg(v.publicKey) == token.Method.Alg() {
			return v.publicKey, nil
		}
	}
	return nil, ErrInvalidToken
}
