// Package securestore wraps files at rest in a passphrase-derived
// AEAD envelope. The keystore uses it for identity and trust files when
// a passphrase is configured; plaintext files stay readable so existing
// deployments migrate on their next write.
package securestore

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "SKMSEC1\n"
)

// Upper bounds on stored KDF parameters. A hostile envelope must not be
// able to pin the host on an absurd argon2 invocation.
const (
	maxKDFTime     = 16
	maxKDFMemoryKB = 512 * 1024
	maxKDFThreads  = 8
)

var (
	ErrAuthFailed         = errors.New("securestore authentication failed")
	ErrInvalid            = errors.New("securestore envelope is invalid")
	ErrPassphraseRequired = errors.New("securestore file is encrypted and no passphrase was given")
)

type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdfTime"`
	KDFMemoryKB uint32 `json:"kdfMemoryKb"`
	KDFThreads  uint8  `json:"kdfThreads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// IsEncrypted reports whether data carries the envelope file prefix.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(filePrefix))
}

func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	env := Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     2,
		KDFMemoryKB: 64 * 1024,
		KDFThreads:  1,
		Salt:        salt,
	}
	key := deriveKey(passphrase, env)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	env.Nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(env.Nonce); err != nil {
		return nil, err
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce, plaintext, nil)

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !IsEncrypted(data) {
		return nil, ErrInvalid
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, env)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (env Envelope) validate() error {
	if env.Version != envelopeVersion || env.KDF != "argon2id" {
		return ErrInvalid
	}
	if env.KDFTime == 0 || env.KDFTime > maxKDFTime {
		return ErrInvalid
	}
	if env.KDFMemoryKB == 0 || env.KDFMemoryKB > maxKDFMemoryKB {
		return ErrInvalid
	}
	if env.KDFThreads == 0 || env.KDFThreads > maxKDFThreads {
		return ErrInvalid
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return ErrInvalid
	}
	return nil
}

// deriveKey stretches the passphrase with the parameters recorded in the
// envelope, so old files stay readable after defaults change.
func deriveKey(passphrase string, env Envelope) []byte {
	return argon2.IDKey([]byte(passphrase), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
