package identity

import (
	"errors"
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidMnemonic = errors.New("invalid recovery phrase")

// GenerateWithMnemonic creates a fresh identity together with its
// 24-word recovery phrase. The phrase encodes the master seed itself,
// so recovery reproduces the identity bit for bit.
func GenerateWithMnemonic() (*Identity, string, error) {
	entropy, err := bip39.NewEntropy(SeedSize * 8)
	if err != nil {
		return nil, "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("encode mnemonic: %w", err)
	}
	id, err := FromSeed(entropy)
	if err != nil {
		return nil, "", err
	}
	return id, mnemonic, nil
}

// FromMnemonic rebuilds an identity from its recovery phrase.
func FromMnemonic(mnemonic string) (*Identity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	return FromSeed(entropy)
}

// Mnemonic returns the identity's recovery phrase.
func (id *Identity) Mnemonic() (string, error) {
	mnemonic, err := bip39.NewMnemonic(id.seed)
	if err != nil {
		return "", fmt.Errorf("encode mnemonic: %w", err)
	}
	return mnemonic, nil
}
