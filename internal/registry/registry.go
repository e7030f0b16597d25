// Package registry tracks the hosts this node knows about. All state
// lives in one persisted hosts file; every mutation holds the registry
// lock across its read-modify-write-persist cycle, so concurrent
// writers cannot lose updates.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"skillmesh/go-mesh/internal/securestore"
	"skillmesh/go-mesh/pkg/models"
)

var (
	ErrInvalidHost         = errors.New("host entry is invalid")
	ErrUnknownHost         = errors.New("host not found")
	ErrFingerprintConflict = errors.New("host id already bound to a different fingerprint")
)

type Registry struct {
	mu   sync.Mutex
	path string
	file models.HostsFile
	now  func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Open loads the hosts file at path, creating it with a fresh host ID
// on first run. The generated ID is persisted immediately so it stays
// stable across restarts.
func Open(path string, opts ...Option) (*Registry, error) {
	r := &Registry{path: path, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &r.file); err != nil {
			return nil, fmt.Errorf("parse hosts file: %w", err)
		}
		if r.file.Version != models.HostsFileVersion {
			return nil, fmt.Errorf("hosts file version %d not supported", r.file.Version)
		}
		if r.file.LocalHost.HostID == "" {
			return nil, fmt.Errorf("%w: hosts file has no local host id", ErrInvalidHost)
		}
		return r, nil

	case errors.Is(err, fs.ErrNotExist):
		hostname, herr := os.Hostname()
		if herr != nil {
			hostname = "unknown-host"
		}
		r.file = models.HostsFile{
			Version:     models.HostsFileVersion,
			LocalHost:   models.Host{HostID: uuid.NewString(), HostName: hostname},
			KnownHosts:  []models.Host{},
			LastUpdated: r.now(),
		}
		if err := r.persistLocked(); err != nil {
			return nil, fmt.Errorf("initialize hosts file: %w", err)
		}
		return r, nil

	default:
		return nil, fmt.Errorf("read hosts file: %w", err)
	}
}

func (r *Registry) LocalHost() models.Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.LocalHost
}

// SetLocalHost updates the local host entry. The host ID is immutable;
// an empty incoming ID keeps the existing one.
func (r *Registry) SetLocalHost(h models.Host) (models.Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.HostID = r.file.LocalHost.HostID
	r.file.LocalHost = h
	if err := r.persistLocked(); err != nil {
		return h, err
	}
	return h, nil
}

// UpsertHost merges a sighting of a remote host into the registry.
// Known hosts keep their status until the health monitor says
// otherwise; a conflicting fingerprint for an existing host ID is
// rejected rather than silently rebound.
func (r *Registry) UpsertHost(h models.Host) (models.Host, error) {
	if h.HostID == "" {
		return models.Host{}, ErrInvalidHost
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.HostID == r.file.LocalHost.HostID {
		return r.file.LocalHost, nil
	}

	h.LastSeen = r.now()
	for i, existing := range r.file.KnownHosts {
		if existing.HostID != h.HostID {
			continue
		}
		if existing.Fingerprint != "" && h.Fingerprint != "" && existing.Fingerprint != h.Fingerprint {
			return models.Host{}, ErrFingerprintConflict
		}
		merged := existing
		merged.LastSeen = h.LastSeen
		if h.HostName != "" {
			merged.HostName = h.HostName
		}
		if h.Address != "" {
			merged.Address = h.Address
		}
		if h.Port != 0 {
			merged.Port = h.Port
		}
		if h.OverlayAddress != "" {
			merged.OverlayAddress = h.OverlayAddress
		}
		if h.Version != "" {
			merged.Version = h.Version
		}
		if h.Fingerprint != "" {
			merged.Fingerprint = h.Fingerprint
		}
		if h.Status.Valid() && h.Status != "" {
			merged.Status = h.Status
		}
		r.file.KnownHosts[i] = merged
		if err := r.persistLocked(); err != nil {
			return merged, err
		}
		return merged, nil
	}

	if !h.Status.Valid() || h.Status == "" {
		h.Status = models.StatusUnknown
	}
	r.file.KnownHosts = append(r.file.KnownHosts, h)
	if err := r.persistLocked(); err != nil {
		return h, err
	}
	return h, nil
}

func (r *Registry) RemoveHost(hostID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.file.KnownHosts {
		if existing.HostID == hostID {
			r.file.KnownHosts = append(r.file.KnownHosts[:i], r.file.KnownHosts[i+1:]...)
			return r.persistLocked()
		}
	}
	return ErrUnknownHost
}

func (r *Registry) Host(hostID string) (models.Host, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.file.KnownHosts {
		if existing.HostID == hostID {
			return existing, true
		}
	}
	return models.Host{}, false
}

// Hosts returns a copy of the known hosts, ordered by host name then ID.
func (r *Registry) Hosts() []models.Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Host, len(r.file.KnownHosts))
	copy(out, r.file.KnownHosts)
	sort.Slice(out, func(i, j int) bool {
		if out[i].HostName != out[j].HostName {
			return out[i].HostName < out[j].HostName
		}
		return out[i].HostID < out[j].HostID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.file.KnownHosts)
}

// MarkStatus records a host's probed status and reports the previous
// one, so callers can tell transitions from confirmations.
func (r *Registry) MarkStatus(hostID string, status models.HostStatus) (models.HostStatus, bool, error) {
	if !status.Valid() {
		return "", false, fmt.Errorf("%w: status %q", ErrInvalidHost, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.file.KnownHosts {
		if existing.HostID != hostID {
			continue
		}
		old := existing.Status
		if old == status {
			return old, false, nil
		}
		r.file.KnownHosts[i].Status = status
		if err := r.persistLocked(); err != nil {
			return old, true, err
		}
		return old, true, nil
	}
	return "", false, ErrUnknownHost
}

func (r *Registry) persistLocked() error {
	r.file.LastUpdated = r.now()
	raw, err := json.MarshalIndent(r.file, "", "  ")
	if err != nil {
		return err
	}
	if err := securestore.WriteFile(r.path, "", raw); err != nil {
		return fmt.Errorf("persist hosts file: %w", err)
	}
	return nil
}
