package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"skillmesh/go-mesh/internal/identity"
)

type HybridMessage struct {
	EphemeralPublicKey string `json:"ephemeralPublicKey"`
	Nonce              string `json:"nonce"`
	Ciphertext         string `json:"ciphertext"`
}

// EncryptFor seals plaintext to a recipient's long-term exchange key
// without any prior shared state. The ephemeral private key is wiped
// before returning, so only the recipient can ever rebuild the secret.
func EncryptFor(plaintext, recipientExchangePub []byte) (HybridMessage, error) {
	if len(recipientExchangePub) != curve25519.PointSize {
		return HybridMessage{}, ErrInvalidPeerKey
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return HybridMessage{}, fmt.Errorf("read ephemeral entropy: %w", err)
	}
	defer zeroBytes(ephPriv)

	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return HybridMessage{}, fmt.Errorf("derive ephemeral public: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv, recipientExchangePub)
	if err != nil {
		return HybridMessage{}, ErrInvalidPeerKey
	}
	defer zeroBytes(shared)

	key := kdf32(shared, []byte(infoSealed))
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return HybridMessage{}, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return HybridMessage{}, fmt.Errorf("read nonce entropy: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return HybridMessage{
		EphemeralPublicKey: hex.EncodeToString(ephPub),
		Nonce:              hex.EncodeToString(nonce),
		Ciphertext:         hex.EncodeToString(ciphertext),
	}, nil
}

// DecryptFrom opens a hybrid message addressed to id. Fails closed.
func DecryptFrom(msg HybridMessage, id *identity.Identity) ([]byte, error) {
	ephPub, err := hex.DecodeString(msg.EphemeralPublicKey)
	if err != nil || len(ephPub) != curve25519.PointSize {
		return nil, ErrMalformedMessage
	}
	nonce, err := hex.DecodeString(msg.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrMalformedMessage
	}
	ciphertext, err := hex.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, ErrMalformedMessage
	}

	shared, err := id.SharedSecret(ephPub)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	defer zeroBytes(shared)

	key := kdf32(shared, []byte(infoSealed))
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
