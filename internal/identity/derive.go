package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// The signing and exchange keys are independent subkeys of the master
// seed. Neither is computable from the other, so the exchange public key
// travels alongside the signing key wherever peers learn about each other.
const (
	hkdfInfoSigning  = "skillmesh/identity/signing/v1"
	hkdfInfoExchange = "skillmesh/identity/exchange/v1"
)

type derivedKeys struct {
	signingPriv  ed25519.PrivateKey
	signingPub   ed25519.PublicKey
	exchangePriv []byte
	exchangePub  []byte
}

func deriveKeys(seed []byte) (derivedKeys, error) {
	signingSeed, err := hkdfExpand(seed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return derivedKeys{}, err
	}
	exchangePriv, err := hkdfExpand(seed, hkdfInfoExchange, curve25519.ScalarSize)
	if err != nil {
		return derivedKeys{}, err
	}
	exchangePub, err := curve25519.X25519(exchangePriv, curve25519.Basepoint)
	if err != nil {
		return derivedKeys{}, err
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	return derivedKeys{
		signingPriv:  signingPriv,
		signingPub:   signingPriv.Public().(ed25519.PublicKey),
		exchangePriv: exchangePriv,
		exchangePub:  exchangePub,
	}, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
