package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// PeerIDPrefix marks the human-shareable form of a host identity.
const PeerIDPrefix = "mesh1"

const fingerprintBytes = 8

var ErrInvalidPeerID = errors.New("invalid peer id")

// Fingerprint is the short wire identifier for a signing key: the first
// 8 bytes of its BLAKE2b-256 digest, hex-encoded.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := blake2b.Sum256(pub)
	return hex.EncodeToString(sum[:fingerprintBytes])
}

// PeerID is the shareable long form, used on peer cards rather than on
// the wire.
func PeerID(pub ed25519.PublicKey) string {
	sum := blake2b.Sum256(pub)
	return PeerIDPrefix + base58.Encode(sum[:])
}

// VerifyPeerID reports whether id is the peer ID of pub.
func VerifyPeerID(id string, pub ed25519.PublicKey) error {
	if !strings.HasPrefix(id, PeerIDPrefix) {
		return ErrInvalidPeerID
	}
	raw, err := base58.Decode(strings.TrimPrefix(id, PeerIDPrefix))
	if err != nil || len(raw) != blake2b.Size256 {
		return ErrInvalidPeerID
	}
	sum := blake2b.Sum256(pub)
	if !strings.EqualFold(hex.EncodeToString(raw), hex.EncodeToString(sum[:])) {
		return ErrInvalidPeerID
	}
	return nil
}
