package securestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// ReadFile loads a state file, transparently unwrapping the envelope
// when the file is encrypted. A plaintext file is returned as-is even
// when a passphrase is set, so pre-encryption files keep loading.
func ReadFile(path, passphrase string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !IsEncrypted(raw) {
		return raw, nil
	}
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	return Decrypt(passphrase, raw)
}

// WriteFile persists a state file with private permissions, wrapping it
// in the envelope when a passphrase is set. The write goes through a
// temp file and rename so a crash never leaves a torn file behind.
func WriteFile(path, passphrase string, data []byte) error {
	if passphrase != "" {
		encrypted, err := Encrypt(passphrase, data)
		if err != nil {
			return err
		}
		data = encrypted
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
