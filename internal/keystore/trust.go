package keystore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"skillmesh/go-mesh/internal/envelope"
	"skillmesh/go-mesh/internal/identity"
	"skillmesh/go-mesh/internal/securestore"
	"skillmesh/go-mesh/pkg/models"
)

const trustFileVersion = 1

var (
	ErrPeerInvalid  = errors.New("trusted peer entry is invalid")
	ErrCardInvalid  = errors.New("peer card is invalid")
	ErrCardMismatch = errors.New("peer card fields do not match its signer")
)

type trustFile struct {
	Version     int                           `json:"version"`
	Trusted     map[string]models.TrustedPeer `json:"trusted"`
	Revoked     []string                      `json:"revoked"`
	AutoTrusted string                        `json:"autoTrusted,omitempty"`
	UpdatedAt   time.Time                     `json:"updatedAt"`
}

// PeerCard is the provisioning payload a host shares out of band. It is
// carried inside an envelope self-signed by the described peer.
type PeerCard struct {
	PeerID      string `json:"peerId"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"publicKey"`
	ExchangeKey string `json:"exchangeKey"`
	Name        string `json:"name,omitempty"`
}

// AddTrustedPeer records a peer as trusted and persists the store. A
// revoked fingerprint may be re-added to the trusted map, but revocation
// keeps precedence until lifted; IsTrusted stays false.
func (ks *Keystore) AddTrustedPeer(peer models.TrustedPeer) error {
	peer.Fingerprint = normalizeFingerprint(peer.Fingerprint)
	if peer.Fingerprint == "" || peer.PublicKey == "" {
		return ErrPeerInvalid
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if peer.TrustedAt.IsZero() {
		peer.TrustedAt = ks.now()
	}
	ks.trusted[peer.Fingerprint] = peer
	return ks.persistTrustLocked()
}

// IsTrusted reports whether fingerprint is trusted. Revocation always
// wins, even when the fingerprint is still present in the trusted map.
func (ks *Keystore) IsTrusted(fingerprint string) bool {
	fingerprint = normalizeFingerprint(fingerprint)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, revoked := ks.revoked[fingerprint]; revoked {
		return false
	}
	_, ok := ks.trusted[fingerprint]
	return ok
}

func (ks *Keystore) IsRevoked(fingerprint string) bool {
	fingerprint = normalizeFingerprint(fingerprint)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	_, ok := ks.revoked[fingerprint]
	return ok
}

// Revoke marks a fingerprint untrusted forever and drops it from the
// trusted map. Revocations survive restarts.
func (ks *Keystore) Revoke(fingerprint string) error {
	fingerprint = normalizeFingerprint(fingerprint)
	if fingerprint == "" {
		return ErrPeerInvalid
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.revoked[fingerprint] = struct{}{}
	delete(ks.trusted, fingerprint)
	return ks.persistTrustLocked()
}

// TrustedPeer looks up a trusted peer by fingerprint. Revoked peers do
// not resolve.
func (ks *Keystore) TrustedPeer(fingerprint string) (models.TrustedPeer, bool) {
	fingerprint = normalizeFingerprint(fingerprint)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, revoked := ks.revoked[fingerprint]; revoked {
		return models.TrustedPeer{}, false
	}
	peer, ok := ks.trusted[fingerprint]
	return peer, ok
}

// TrustedPeers lists trusted, non-revoked peers in fingerprint order.
func (ks *Keystore) TrustedPeers() []models.TrustedPeer {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	out := make([]models.TrustedPeer, 0, len(ks.trusted))
	for fp, peer := range ks.trusted {
		if _, revoked := ks.revoked[fp]; revoked {
			continue
		}
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// MaybeAutoTrust admits a peer through the first-peer policy. It
// succeeds at most once per trust store lifetime, only while the store
// is still empty, and never for revoked fingerprints. Concurrent
// callers race safely: exactly one wins.
func (ks *Keystore) MaybeAutoTrust(peer models.TrustedPeer) (bool, error) {
	peer.Fingerprint = normalizeFingerprint(peer.Fingerprint)
	if peer.Fingerprint == "" || peer.PublicKey == "" {
		return false, ErrPeerInvalid
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if !ks.autoTrust || ks.autoTrusted != "" || len(ks.trusted) > 0 {
		return false, nil
	}
	if _, revoked := ks.revoked[peer.Fingerprint]; revoked {
		return false, nil
	}
	if peer.TrustedAt.IsZero() {
		peer.TrustedAt = ks.now()
	}
	ks.trusted[peer.Fingerprint] = peer
	ks.autoTrusted = peer.Fingerprint
	if err := ks.persistTrustLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// ExportPeerCard builds the self-signed provisioning card for the
// loaded identity.
func (ks *Keystore) ExportPeerCard(name string) (*envelope.SignedEnvelope, error) {
	id := ks.Identity()
	if id == nil {
		return nil, errors.New("identity not loaded")
	}
	card := PeerCard{
		PeerID:      id.PeerID(),
		Fingerprint: id.Fingerprint(),
		PublicKey:   hex.EncodeToString(id.SigningPublic()),
		ExchangeKey: hex.EncodeToString(id.ExchangePublic()),
		Name:        name,
	}
	return envelope.Sign(card, id)
}

// AddPeerCard verifies a provisioning card and admits its peer into the
// trusted map. The card must be self-signed: the signer's key and
// fingerprint must be the ones the card describes.
func (ks *Keystore) AddPeerCard(env *envelope.SignedEnvelope) (models.TrustedPeer, error) {
	res := envelope.Verify(env)
	if !res.Valid {
		return models.TrustedPeer{}, fmt.Errorf("%w: %v", ErrCardInvalid, res.Err)
	}
	var card PeerCard
	if err := env.DecodePayload(&card); err != nil {
		return models.TrustedPeer{}, fmt.Errorf("%w: %v", ErrCardInvalid, err)
	}
	if normalizeFingerprint(card.Fingerprint) != res.Fingerprint {
		return models.TrustedPeer{}, ErrCardMismatch
	}
	if !strings.EqualFold(card.PublicKey, env.SenderPublicKey) {
		return models.TrustedPeer{}, ErrCardMismatch
	}
	pub, err := hex.DecodeString(card.PublicKey)
	if err != nil {
		return models.TrustedPeer{}, ErrCardMismatch
	}
	if err := identity.VerifyPeerID(card.PeerID, pub); err != nil {
		return models.TrustedPeer{}, ErrCardMismatch
	}
	if _, err := hex.DecodeString(card.ExchangeKey); err != nil || card.ExchangeKey == "" {
		return models.TrustedPeer{}, ErrCardMismatch
	}
	peer := models.TrustedPeer{
		Fingerprint: res.Fingerprint,
		PublicKey:   strings.ToLower(card.PublicKey),
		ExchangeKey: strings.ToLower(card.ExchangeKey),
		Name:        card.Name,
	}
	if err := ks.AddTrustedPeer(peer); err != nil {
		return models.TrustedPeer{}, err
	}
	return peer, nil
}

func (ks *Keystore) loadTrustLocked() error {
	raw, err := securestore.ReadFile(ks.trustPath(), ks.passphrase)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read trust store: %w", err)
	}
	var file trustFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse trust store: %w", err)
	}
	if file.Version != trustFileVersion {
		return fmt.Errorf("trust store version %d not supported", file.Version)
	}
	if file.Trusted != nil {
		ks.trusted = file.Trusted
	}
	for _, fp := range file.Revoked {
		ks.revoked[normalizeFingerprint(fp)] = struct{}{}
	}
	ks.autoTrusted = normalizeFingerprint(file.AutoTrusted)
	return nil
}

func (ks *Keystore) persistTrustLocked() error {
	file := trustFile{
		Version:     trustFileVersion,
		Trusted:     ks.trusted,
		Revoked:     make([]string, 0, len(ks.revoked)),
		AutoTrusted: ks.autoTrusted,
		UpdatedAt:   ks.now(),
	}
	for fp := range ks.revoked {
		file.Revoked = append(file.Revoked, fp)
	}
	sort.Strings(file.Revoked)
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := securestore.WriteFile(ks.trustPath(), ks.passphrase, raw); err != nil {
		return fmt.Errorf("persist trust store: %w", err)
	}
	return nil
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.TrimSpace(fp))
}
