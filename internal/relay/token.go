package relay

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// errBadToken covers any session token that fails to parse or verify.
var errBadToken = errors.New("invalid session token")

// TokenSigner issues and verifies the signed session IDs handed to
// controllers. The session table (SessionManager) remains the single
// source of truth for lifecycle — the signature is defense in depth, not a
// substitute: a signed-but-destroyed token still fails validation because
// its jti is gone from the table.
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner builds a signer from an HMAC secret.
func NewTokenSigner(secret []byte) *TokenSigner {
	return &TokenSigner{secret: secret}
}

// Issue mints a fresh session token: a random 256-bit jti wrapped in an
// HS256 JWT with an expiry mirroring the idle timeout. It returns both the
// signed token (handed to the controller as the session id) and the bare
// jti (the SessionManager's lookup key).
func (s *TokenSigner) Issue(idleTimeout time.Duration) (token string, jti string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	jti = hex.EncodeToString(raw)

	claims := jwt.RegisteredClaims{
		ID:        jti,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(idleTimeout)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", err
	}
	return token, jti, nil
}

// JTI extracts the jti from a signed session token after verifying its
// signature. Time-based claims (exp) are not enforced here: expiry is
// decided by the SessionManager's sliding idle timeout.
func (s *TokenSigner) JTI(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errBadToken
		}
		return s.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid || claims.ID == "" {
		return "", errBadToken
	}
	return claims.ID, nil
}
