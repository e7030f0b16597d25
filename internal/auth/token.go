package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"skillmesh/go-mesh/internal/identity"
)

const DefaultTokenTTL = 1 * time.Hour

var (
	ErrTokenMalformed      = errors.New("auth token is malformed")
	ErrFingerprintMismatch = errors.New("token fingerprint does not match embedded public key")
)

// TokenClaims are the claims carried by a mesh token. The issuer's
// public key travels inside the token; verifiers recompute the
// fingerprint from it instead of trusting the claim.
type TokenClaims struct {
	HostID       string   `json:"hostId"`
	Fingerprint  string   `json:"fingerprint"`
	PublicKey    string   `json:"publicKey"`
	Capabilities []string `json:"capabilities,omitempty"`
	jwt.RegisteredClaims
}

// TokenResult is the outcome of a token verification. Failures are
// values: malformed or hostile tokens can at worst produce
// {Valid: false}.
type TokenResult struct {
	Valid  bool
	Claims TokenClaims
	Err    error
}

// IssueToken mints a compact EdDSA-signed token for hostID with the
// given capabilities.
func (m *Manager) IssueToken(hostID string, capabilities []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := m.clk.Now()
	claims := TokenClaims{
		HostID:       hostID,
		Fingerprint:  m.id.Fingerprint(),
		PublicKey:    hex.EncodeToString(m.id.SigningPublic()),
		Capabilities: capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.id.SigningPrivate())
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks a token from an untrusted source. The fingerprint
// is recomputed from the embedded public key before the signature is
// checked, so a token whose key and fingerprint disagree is rejected
// without any signature work.
func (m *Manager) VerifyToken(token string) TokenResult {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, tokenKey,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(m.clk.Now),
	)
	if err != nil {
		m.met.AuthVerification("token", "rejected")
		return TokenResult{Err: tokenError(err)}
	}
	if !parsed.Valid {
		m.met.AuthVerification("token", "rejected")
		return TokenResult{Err: ErrTokenMalformed}
	}
	if m.gate != nil {
		if err := m.gate(claims.Fingerprint); err != nil {
			m.met.AuthVerification("token", "rejected")
			return TokenResult{Err: err}
		}
	}
	m.met.AuthVerification("token", "ok")
	return TokenResult{Valid: true, Claims: *claims}
}

// tokenKey extracts the verification key from the token itself. It
// runs before signature verification, which is exactly where the
// fingerprint cross-check belongs.
func tokenKey(t *jwt.Token) (any, error) {
	claims, ok := t.Claims.(*TokenClaims)
	if !ok {
		return nil, ErrTokenMalformed
	}
	pub, err := hex.DecodeString(claims.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, ErrTokenMalformed
	}
	if identity.Fingerprint(pub) != claims.Fingerprint {
		return nil, ErrFingerprintMismatch
	}
	return ed25519.PublicKey(pub), nil
}

func tokenError(err error) error {
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		return ErrFingerprintMismatch
	case errors.Is(err, jwt.ErrTokenExpired):
		return err
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return err
	}
	return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
}
