// Package envelope wraps arbitrary JSON payloads in detached ed25519
// signatures. Verification is field-order independent and recomputes the
// sender fingerprint from the embedded public key before trusting any
// claim in the envelope.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"skillmesh/go-mesh/internal/identity"
)

// DefaultMaxAge bounds how old an envelope may be before verifiers
// discard it.
const DefaultMaxAge = 5 * time.Minute

const nonceBytes = 16

var (
	ErrMalformedEnvelope   = errors.New("malformed envelope")
	ErrFingerprintMismatch = errors.New("sender fingerprint does not match embedded public key")
	ErrSignatureInvalid    = errors.New("envelope signature invalid")
)

type SignedEnvelope struct {
	Data              json.RawMessage `json:"data"`
	Signature         string          `json:"signature"`
	SenderFingerprint string          `json:"senderFingerprint"`
	SenderPublicKey   string          `json:"senderPublicKey"`
	Timestamp         int64           `json:"timestamp"`
	Nonce             string          `json:"nonce"`
}

// Result is the outcome of a verification. Failures are values, not
// panics: untrusted input can at worst produce {Valid: false}.
type Result struct {
	Valid       bool
	Fingerprint string
	Err         error
}

// Sign wraps payload in a signed envelope. The signature covers the
// sha256 digest of the canonical form of {data, nonce, senderFingerprint,
// timestamp}, so the raw payload is never signed directly.
func Sign(payload any, id *identity.Identity) (*SignedEnvelope, error) {
	return signAt(payload, id, time.Now())
}

func signAt(payload any, id *identity.Identity, now time.Time) (*SignedEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	env := &SignedEnvelope{
		Data:              data,
		SenderFingerprint: id.Fingerprint(),
		SenderPublicKey:   hex.EncodeToString(id.SigningPublic()),
		Timestamp:         now.UnixMilli(),
		Nonce:             nonce,
	}
	digest, err := env.digest()
	if err != nil {
		return nil, err
	}
	env.Signature = hex.EncodeToString(id.Sign(digest))
	return env, nil
}

// Verify checks an envelope from an untrusted source. The fingerprint is
// recomputed from the embedded public key first; only if it matches the
// claimed fingerprint is the signature checked. A valid result carries
// the verified fingerprint for trust decisions upstream.
func Verify(env *SignedEnvelope) Result {
	if env == nil {
		return Result{Err: ErrMalformedEnvelope}
	}
	pub, err := hex.DecodeString(env.SenderPublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return Result{Err: ErrMalformedEnvelope}
	}
	if identity.Fingerprint(pub) != env.SenderFingerprint {
		return Result{Err: ErrFingerprintMismatch}
	}
	digest, err := env.digest()
	if err != nil {
		return Result{Err: ErrMalformedEnvelope}
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return Result{Err: ErrMalformedEnvelope}
	}
	if !identity.Verify(pub, digest, sig) {
		return Result{Err: ErrSignatureInvalid}
	}
	return Result{Valid: true, Fingerprint: env.SenderFingerprint}
}

// IsExpired reports whether the envelope is older than maxAge. The
// comparison is strict: an envelope aged exactly maxAge is still fresh.
// maxAge <= 0 selects DefaultMaxAge.
func IsExpired(env *SignedEnvelope, maxAge time.Duration) bool {
	return IsExpiredAt(env, maxAge, time.Now())
}

func IsExpiredAt(env *SignedEnvelope, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	age := now.UnixMilli() - env.Timestamp
	return age > maxAge.Milliseconds()
}

// ExtractSignerFingerprint returns the fingerprint the envelope claims
// for its sender without verifying anything. Routing and logging only;
// never a trust decision.
func ExtractSignerFingerprint(env *SignedEnvelope) string {
	if env == nil {
		return ""
	}
	return env.SenderFingerprint
}

func (e *SignedEnvelope) digest() ([]byte, error) {
	signed, err := signingBytes(e.Data, e.Nonce, e.SenderFingerprint, e.Timestamp)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(signed)
	return sum[:], nil
}

// DecodePayload unmarshals the envelope's data into v. Callers verify
// first; decoding does not authenticate.
func (e *SignedEnvelope) DecodePayload(v any) error {
	return json.Unmarshal(e.Data, v)
}

func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read nonce entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
