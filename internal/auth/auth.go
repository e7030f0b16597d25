// Package auth issues and verifies mesh credentials: compact signed
// tokens for bearer-style access and single-use challenges for live
// peer authentication. Both verifiers recompute the sender fingerprint
// from embedded key material before any signature is accepted.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"skillmesh/go-mesh/internal/envelope"
	"skillmesh/go-mesh/internal/identity"
	"skillmesh/go-mesh/internal/metrics"
)

const (
	DefaultChallengeTTL = 30 * time.Second

	challengeBytes = 32
)

var ErrChallengeInvalid = errors.New("challenge is unknown, expired, or already used")

// Challenge is a freshly minted nonce a peer must sign to prove it
// holds the private key behind its fingerprint.
type Challenge struct {
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
	Timestamp int64  `json:"timestamp"`
}

// AuthResult is the outcome of a challenge verification. Failures are
// values, never panics.
type AuthResult struct {
	Authenticated bool
	Fingerprint   string
	Err           error
}

// Manager holds the local identity, outstanding challenges, and the
// optional trust gate.
type Manager struct {
	id   *identity.Identity
	gate func(fingerprint string) error
	clk  clock.Clock
	log  *slog.Logger
	met  *metrics.Metrics
	ttl  time.Duration

	mu         sync.Mutex
	challenges map[string]time.Time
}

type Option func(*Manager)

// WithGate installs a policy consulted after signature verification.
// A non-nil error from the gate rejects the credential.
func WithGate(gate func(fingerprint string) error) Option {
	return func(m *Manager) { m.gate = gate }
}

func WithChallengeTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		if clk != nil {
			m.clk = clk
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

func WithMetrics(met *metrics.Metrics) Option {
	return func(m *Manager) { m.met = met }
}

func NewManager(id *identity.Identity, opts ...Option) (*Manager, error) {
	if id == nil {
		return nil, errors.New("identity is required")
	}
	m := &Manager{
		id:         id,
		clk:        clock.New(),
		log:        slog.Default(),
		ttl:        DefaultChallengeTTL,
		challenges: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NewChallenge mints a single-use challenge. Expired entries are swept
// inline on creation; no background goroutine owns the map.
func (m *Manager) NewChallenge() (Challenge, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return Challenge{}, fmt.Errorf("challenge entropy: %w", err)
	}
	value := hex.EncodeToString(buf)
	now := m.clk.Now()
	expires := now.Add(m.ttl)

	m.mu.Lock()
	m.sweepLocked(now)
	m.challenges[value] = expires
	m.mu.Unlock()

	return Challenge{Challenge: value, ExpiresAt: expires}, nil
}

// PendingChallenges reports how many unexpired challenges are
// outstanding.
func (m *Manager) PendingChallenges() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.challenges)
}

// SolveChallenge answers a challenge by signing it together with the
// solver's clock reading.
func SolveChallenge(challenge string, id *identity.Identity) (*envelope.SignedEnvelope, error) {
	if strings.TrimSpace(challenge) == "" {
		return nil, ErrChallengeInvalid
	}
	return envelope.Sign(challengeResponse{
		Challenge: challenge,
		Timestamp: time.Now().UnixMilli(),
	}, id)
}

// VerifyResponse checks a solved challenge. The challenge must be one
// this manager minted and still live; the envelope must verify; the
// gate, when present, must accept the fingerprint. The challenge is
// consumed only on success, so a failed attempt does not burn it.
func (m *Manager) VerifyResponse(env *envelope.SignedEnvelope) AuthResult {
	var body challengeResponse
	if env == nil || env.DecodePayload(&body) != nil || body.Challenge == "" {
		m.met.AuthVerification("challenge", "rejected")
		return AuthResult{Err: ErrChallengeInvalid}
	}

	now := m.clk.Now()
	m.mu.Lock()
	expires, known := m.challenges[body.Challenge]
	m.mu.Unlock()
	if !known || now.After(expires) {
		m.met.AuthVerification("challenge", "rejected")
		return AuthResult{Err: ErrChallengeInvalid}
	}

	res := envelope.Verify(env)
	if !res.Valid {
		m.met.AuthVerification("challenge", "rejected")
		return AuthResult{Err: res.Err}
	}
	if m.gate != nil {
		if err := m.gate(res.Fingerprint); err != nil {
			m.met.AuthVerification("challenge", "rejected")
			m.log.Debug("challenge gate rejected peer", "fingerprint", res.Fingerprint)
			return AuthResult{Err: err}
		}
	}

	// Consume exactly once: of two concurrent verifiers only the one
	// that observes the entry wins.
	m.mu.Lock()
	_, alive := m.challenges[body.Challenge]
	delete(m.challenges, body.Challenge)
	m.mu.Unlock()
	if !alive {
		m.met.AuthVerification("challenge", "rejected")
		return AuthResult{Err: ErrChallengeInvalid}
	}

	m.met.AuthVerification("challenge", "ok")
	return AuthResult{Authenticated: true, Fingerprint: res.Fingerprint}
}

func (m *Manager) sweepLocked(now time.Time) {
	for c, expires := range m.challenges {
		if now.After(expires) {
			delete(m.challenges, c)
		}
	}
}
