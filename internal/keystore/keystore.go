// Package keystore owns the host's persisted key material: the identity
// file and the trust store. One Keystore guards one state directory.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"skillmesh/go-mesh/internal/identity"
	"skillmesh/go-mesh/internal/securestore"
	"skillmesh/go-mesh/pkg/models"
)

const (
	identityFileName = "identity.json"
	trustFileName    = "trust.json"
)

var ErrIdentityExists = errors.New("identity file already exists")

type Keystore struct {
	mu         sync.Mutex
	dir        string
	passphrase string
	autoTrust  bool
	now        func() time.Time

	identity    *identity.Identity
	trusted     map[string]models.TrustedPeer
	revoked     map[string]struct{}
	autoTrusted string
}

type Option func(*Keystore)

// WithPassphrase encrypts the identity and trust files at rest.
func WithPassphrase(passphrase string) Option {
	return func(ks *Keystore) { ks.passphrase = passphrase }
}

// WithAutoTrustFirstPeer lets the very first peer ever offered become
// trusted without provisioning. Off unless explicitly enabled.
func WithAutoTrustFirstPeer() Option {
	return func(ks *Keystore) { ks.autoTrust = true }
}

func Open(dir string, opts ...Option) (*Keystore, error) {
	ks := &Keystore{
		dir:     dir,
		now:     time.Now,
		trusted: make(map[string]models.TrustedPeer),
		revoked: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(ks)
	}
	if err := ks.loadTrustLocked(); err != nil {
		return nil, err
	}
	return ks, nil
}

// LoadOrCreateIdentity returns the host identity, generating and
// persisting a fresh one on first run. Repeated calls and repeated
// process starts against the same directory yield the same identity.
// A stored identity that fails its self-check is never returned.
func (ks *Keystore) LoadOrCreateIdentity() (*identity.Identity, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.identity != nil {
		return ks.identity, nil
	}
	raw, err := securestore.ReadFile(ks.identityPath(), ks.passphrase)
	switch {
	case err == nil:
		var serialized identity.Serialized
		if err := json.Unmarshal(raw, &serialized); err != nil {
			return nil, fmt.Errorf("parse identity file: %w", err)
		}
		id, err := identity.FromSerialized(serialized)
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		ks.identity = id
		return id, nil

	case errors.Is(err, fs.ErrNotExist):
		id, err := identity.Generate()
		if err != nil {
			return nil, err
		}
		if err := ks.writeIdentityLocked(id); err != nil {
			return nil, fmt.Errorf("persist identity: %w", err)
		}
		ks.identity = id
		return id, nil

	default:
		return nil, fmt.Errorf("read identity file: %w", err)
	}
}

// SaveIdentity persists a recovered or imported identity. Refuses to
// clobber an existing identity file.
func (ks *Keystore) SaveIdentity(id *identity.Identity) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, err := os.Stat(ks.identityPath()); err == nil {
		return ErrIdentityExists
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("check identity file: %w", err)
	}
	if err := ks.writeIdentityLocked(id); err != nil {
		return err
	}
	ks.identity = id
	return nil
}

// Identity returns the loaded identity, or nil before LoadOrCreateIdentity.
func (ks *Keystore) Identity() *identity.Identity {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.identity
}

func (ks *Keystore) writeIdentityLocked(id *identity.Identity) error {
	raw, err := json.MarshalIndent(id.Serialize(), "", "  ")
	if err != nil {
		return err
	}
	return securestore.WriteFile(ks.identityPath(), ks.passphrase, raw)
}

func (ks *Keystore) identityPath() string {
	return filepath.Join(ks.dir, identityFileName)
}

func (ks *Keystore) trustPath() string {
	return filepath.Join(ks.dir, trustFileName)
}
