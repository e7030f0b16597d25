// Package crypto seals payloads between mesh hosts. Two layers share one
// AEAD construction: Encrypt/Decrypt over an established shared secret,
// and EncryptFor/DecryptFrom which bootstrap a fresh secret from an
// ephemeral X25519 keypair per message.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidSecret    = errors.New("shared secret must not be empty")
	ErrInvalidPeerKey   = errors.New("invalid peer exchange key")
	ErrMalformedMessage = errors.New("malformed encrypted message")
	ErrDecryptFailed    = errors.New("decryption failed")
)

// KDF context labels. Raw shared secrets never key a cipher directly;
// each use expands through HKDF under its own label.
const (
	infoChannel = "skillmesh/channel/v1"
	infoSealed  = "skillmesh/sealed/v1"
)

type EncryptedMessage struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Encrypt seals plaintext under a shared secret with a fresh random
// nonce. Zero-length plaintexts are legal.
func Encrypt(plaintext, secret []byte) (EncryptedMessage, error) {
	if len(secret) == 0 {
		return EncryptedMessage{}, ErrInvalidSecret
	}
	aead, err := chacha20poly1305.NewX(kdf32(secret, []byte(infoChannel)))
	if err != nil {
		return EncryptedMessage{}, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedMessage{}, fmt.Errorf("read nonce entropy: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return EncryptedMessage{
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens a sealed message. Failure is total: a tampered or
// wrongly keyed message yields ErrDecryptFailed and no partial output.
func Decrypt(msg EncryptedMessage, secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidSecret
	}
	nonce, err := hex.DecodeString(msg.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrMalformedMessage
	}
	ciphertext, err := hex.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, ErrMalformedMessage
	}
	aead, err := chacha20poly1305.NewX(kdf32(secret, []byte(infoChannel)))
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func kdf32(input, info []byte) []byte {
	reader := hkdf.New(sha256.New, input, nil, info)
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
