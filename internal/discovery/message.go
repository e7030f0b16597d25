package discovery

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"skillmesh/go-mesh/internal/envelope"
	"skillmesh/go-mesh/internal/identity"
	"skillmesh/go-mesh/pkg/models"
)

const (
	TypeAnnounce = "announce"
	TypeQuery    = "query"
)

// Mode selects how much verification inbound datagrams must survive.
// Each mode includes everything the previous one checks.
type Mode string

const (
	// ModeOpen accepts any well-formed datagram.
	ModeOpen Mode = "open"
	// ModeSigned additionally requires a valid signature block.
	ModeSigned Mode = "signed"
	// ModeTrusted additionally requires the verified fingerprint to be
	// trusted and not revoked.
	ModeTrusted Mode = "trusted"
)

var ErrInvalidMode = errors.New("invalid discovery mode")

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeOpen:
		return ModeOpen, nil
	case ModeSigned:
		return ModeSigned, nil
	case ModeTrusted:
		return ModeTrusted, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Message is one discovery datagram. The signature block (nonce,
// signature, publicKey, exchangeKey, fingerprint) is present in signed
// and trusted modes and absent in open mode.
type Message struct {
	Type           string `json:"type"`
	HostID         string `json:"hostId"`
	HostName       string `json:"hostName,omitempty"`
	Address        string `json:"address,omitempty"`
	Port           int    `json:"port,omitempty"`
	OverlayAddress string `json:"overlayAddress,omitempty"`
	Version        string `json:"version,omitempty"`
	Timestamp      int64  `json:"timestamp"`

	Nonce       string `json:"nonce,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	ExchangeKey string `json:"exchangeKey,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// body is the signed portion of a message. The exchange key is inside
// so a relay cannot swap it without breaking the signature.
type body struct {
	Type           string `json:"type"`
	HostID         string `json:"hostId"`
	HostName       string `json:"hostName,omitempty"`
	Address        string `json:"address,omitempty"`
	Port           int    `json:"port,omitempty"`
	OverlayAddress string `json:"overlayAddress,omitempty"`
	Version        string `json:"version,omitempty"`
	ExchangeKey    string `json:"exchangeKey,omitempty"`
}

func (m *Message) wellFormed() bool {
	if m.Type != TypeAnnounce && m.Type != TypeQuery {
		return false
	}
	return strings.TrimSpace(m.HostID) != ""
}

func (m *Message) signed() bool {
	return m.Signature != "" && m.PublicKey != "" && m.Fingerprint != "" && m.Nonce != ""
}

// sign attaches the signature block. The envelope's timestamp and nonce
// become the message's, so the signed form is self-contained.
func (m *Message) sign(id *identity.Identity) error {
	m.ExchangeKey = hex.EncodeToString(id.ExchangePublic())
	env, err := envelope.Sign(m.signedBody(), id)
	if err != nil {
		return err
	}
	m.Timestamp = env.Timestamp
	m.Nonce = env.Nonce
	m.Signature = env.Signature
	m.PublicKey = env.SenderPublicKey
	m.Fingerprint = env.SenderFingerprint
	return nil
}

// asEnvelope rebuilds the envelope a signed message was flattened from.
// Verification then runs through the one canonical signing path.
func (m *Message) asEnvelope() (*envelope.SignedEnvelope, error) {
	data, err := json.Marshal(m.signedBody())
	if err != nil {
		return nil, err
	}
	return &envelope.SignedEnvelope{
		Data:              data,
		Signature:         m.Signature,
		SenderFingerprint: m.Fingerprint,
		SenderPublicKey:   m.PublicKey,
		Timestamp:         m.Timestamp,
		Nonce:             m.Nonce,
	}, nil
}

func (m *Message) signedBody() body {
	return body{
		Type:           m.Type,
		HostID:         m.HostID,
		HostName:       m.HostName,
		Address:        m.Address,
		Port:           m.Port,
		OverlayAddress: m.OverlayAddress,
		Version:        m.Version,
		ExchangeKey:    m.ExchangeKey,
	}
}

// host converts an inbound announce to a registry host. The source
// address fills in the sender's address when the announce carries none,
// which is the common case on multi-homed machines.
func (m *Message) host(sourceIP string) models.Host {
	addr := m.Address
	if addr == "" {
		addr = sourceIP
	}
	return models.Host{
		HostID:         m.HostID,
		HostName:       m.HostName,
		Address:        addr,
		Port:           m.Port,
		OverlayAddress: m.OverlayAddress,
		Version:        m.Version,
		Fingerprint:    m.Fingerprint,
	}
}
