package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const SeedSize = 32

var (
	ErrInvalidKeyLength  = errors.New("identity seed must be exactly 32 bytes")
	ErrIdentityCorrupted = errors.New("identity corrupted: stored key material does not match derived keys")
)

// Identity is a host's long-term key material. All keys derive
// deterministically from the master seed, so the seed alone is enough to
// reconstruct the identity.
type Identity struct {
	seed         []byte
	signingPriv  ed25519.PrivateKey
	signingPub   ed25519.PublicKey
	exchangePriv []byte
	exchangePub  []byte
	fingerprint  string
}

// Serialized is the identity file shape. PrivateKey holds the master
// seed; the public half and fingerprint are stored redundantly so loads
// can detect corruption.
type Serialized struct {
	PublicKey   string `json:"publicKey"`
	PrivateKey  string `json:"privateKey"`
	Fingerprint string `json:"fingerprint"`
}

func Generate() (*Identity, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("read seed entropy: %w", err)
	}
	return FromSeed(seed)
}

func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != SeedSize {
		return nil, ErrInvalidKeyLength
	}
	keys, err := deriveKeys(seed)
	if err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}
	return &Identity{
		seed:         append([]byte(nil), seed...),
		signingPriv:  keys.signingPriv,
		signingPub:   keys.signingPub,
		exchangePriv: keys.exchangePriv,
		exchangePub:  keys.exchangePub,
		fingerprint:  Fingerprint(keys.signingPub),
	}, nil
}

// FromSerialized rebuilds an identity from its stored form and verifies
// the stored public key and fingerprint against the seed derivation.
// Any mismatch means the file was edited or damaged and the identity
// must not be used.
func FromSerialized(s Serialized) (*Identity, error) {
	seed, err := hex.DecodeString(s.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	id, err := FromSeed(seed)
	if err != nil {
		return nil, err
	}
	storedPub, err := hex.DecodeString(s.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if subtle.ConstantTimeCompare(storedPub, id.signingPub) != 1 {
		return nil, ErrIdentityCorrupted
	}
	if s.Fingerprint != id.fingerprint {
		return nil, ErrIdentityCorrupted
	}
	return id, nil
}

func (id *Identity) Serialize() Serialized {
	return Serialized{
		PublicKey:   hex.EncodeToString(id.signingPub),
		PrivateKey:  hex.EncodeToString(id.seed),
		Fingerprint: id.fingerprint,
	}
}

func (id *Identity) Fingerprint() string { return id.fingerprint }

func (id *Identity) PeerID() string { return PeerID(id.signingPub) }

func (id *Identity) SigningPublic() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.signingPub...)
}

// SigningPrivate returns a copy of the derived ed25519 private key for
// signers that need the key itself rather than a detached signature.
func (id *Identity) SigningPrivate() ed25519.PrivateKey {
	return append(ed25519.PrivateKey(nil), id.signingPriv...)
}

func (id *Identity) ExchangePublic() []byte {
	return append([]byte(nil), id.exchangePub...)
}

func (id *Identity) Seed() []byte {
	return append([]byte(nil), id.seed...)
}

// Sign signs digest with the identity's signing key. Callers hash their
// payloads first; raw payloads are never signed directly.
func (id *Identity) Sign(digest []byte) []byte {
	return ed25519.Sign(id.signingPriv, digest)
}

// Verify reports whether sig is a valid signature over digest by pub.
func Verify(pub ed25519.PublicKey, digest, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}

// SharedSecret runs X25519 against a peer's exchange public key. Both
// sides arrive at the same 32 bytes; callers must still expand it
// through a KDF before using it as a cipher key.
func (id *Identity) SharedSecret(peerExchangePub []byte) ([]byte, error) {
	if len(peerExchangePub) != curve25519.PointSize {
		return nil, ErrInvalidKeyLength
	}
	secret, err := curve25519.X25519(id.exchangePriv, peerExchangePub)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return secret, nil
}

// Zero wipes private key material. The identity is unusable afterwards.
func (id *Identity) Zero() {
	zeroBytes(id.seed)
	zeroBytes(id.signingPriv)
	zeroBytes(id.exchangePriv)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
