// Package discovery announces the local host on the LAN and collects
// announces from peers over UDP multicast. Inbound datagrams pass a
// per-source rate limit and, depending on the configured mode, full
// envelope verification before they reach the host registry.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/net/ipv4"

	"skillmesh/go-mesh/internal/envelope"
	"skillmesh/go-mesh/internal/identity"
	"skillmesh/go-mesh/internal/metrics"
	"skillmesh/go-mesh/internal/platform/ratelimiter"
	"skillmesh/go-mesh/pkg/models"
)

const (
	DefaultGroupAddress     = "239.77.83.77:7337"
	DefaultAnnounceInterval = 30 * time.Second
	DefaultDiscoverWindow   = 3 * time.Second

	defaultRatePerSource  = 5.0
	defaultBurstPerSource = 20

	maxDatagramSize    = 8 << 10
	maxDiscoverResults = 256
)

var (
	ErrIdentityRequired   = errors.New("signed discovery requires an identity")
	ErrTrustStoreRequired = errors.New("trusted discovery requires a trust store")
	ErrNotRunning         = errors.New("discovery service is not running")
)

// State is the lifecycle position of the service.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

type Config struct {
	// GroupAddress is the multicast group datagrams are exchanged on.
	// A unicast address switches the service to direct rendezvous: it
	// binds an ephemeral port and sends straight to that address.
	GroupAddress string
	Mode         Mode
	// AnnounceInterval is the periodic announce cadence.
	AnnounceInterval time.Duration
	// MaxMessageAge bounds signed-message freshness.
	MaxMessageAge time.Duration
	// RatePerSource and BurstPerSource gate datagrams per source IP
	// before any parsing or crypto. Negative rate disables the gate.
	RatePerSource  float64
	BurstPerSource int
}

func DefaultConfig() Config {
	return Config{
		GroupAddress:     DefaultGroupAddress,
		Mode:             ModeOpen,
		AnnounceInterval: DefaultAnnounceInterval,
		MaxMessageAge:    envelope.DefaultMaxAge,
		RatePerSource:    defaultRatePerSource,
		BurstPerSource:   defaultBurstPerSource,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.GroupAddress == "" {
		cfg.GroupAddress = def.GroupAddress
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = def.AnnounceInterval
	}
	if cfg.MaxMessageAge <= 0 {
		cfg.MaxMessageAge = def.MaxMessageAge
	}
	if cfg.RatePerSource == 0 {
		cfg.RatePerSource = def.RatePerSource
	}
	if cfg.BurstPerSource <= 0 {
		cfg.BurstPerSource = def.BurstPerSource
	}
	return cfg
}

// HostRegistry is the slice of the registry the service needs.
type HostRegistry interface {
	LocalHost() models.Host
	UpsertHost(h models.Host) (models.Host, error)
}

// TrustStore answers trust questions in trusted mode. MaybeAutoTrust
// implements the first-peer policy and may decline.
type TrustStore interface {
	IsTrusted(fingerprint string) bool
	IsRevoked(fingerprint string) bool
	MaybeAutoTrust(peer models.TrustedPeer) (bool, error)
}

type Service struct {
	cfg   Config
	reg   HostRegistry
	group *net.UDPAddr

	id      *identity.Identity
	trust   TrustStore
	log     *slog.Logger
	met     *metrics.Metrics
	clk     clock.Clock
	limiter *ratelimiter.PerKey
	replay  *envelope.ReplayGuard

	state atomic.Int32

	mu            sync.Mutex
	conn          net.PacketConn
	cancel        context.CancelFunc
	observers     []func(models.Host)
	collectors    map[uint64]chan models.Host
	nextCollector uint64

	wg sync.WaitGroup
}

type Option func(*Service)

// WithIdentity sets the identity announces are signed with. Required
// in signed and trusted modes.
func WithIdentity(id *identity.Identity) Option {
	return func(s *Service) { s.id = id }
}

// WithTrustStore sets the trust store consulted in trusted mode.
func WithTrustStore(ts TrustStore) Option {
	return func(s *Service) { s.trust = ts }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.met = m }
}

func WithClock(clk clock.Clock) Option {
	return func(s *Service) {
		if clk != nil {
			s.clk = clk
		}
	}
}

func New(cfg Config, reg HostRegistry, opts ...Option) (*Service, error) {
	if reg == nil {
		return nil, errors.New("host registry is required")
	}
	cfg = normalizeConfig(cfg)
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	group, err := net.ResolveUDPAddr("udp4", cfg.GroupAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve group address %q: %w", cfg.GroupAddress, err)
	}
	replay, err := envelope.NewReplayGuard(envelope.DefaultReplayCapacity)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:        cfg,
		reg:        reg,
		group:      group,
		log:        slog.Default(),
		clk:        clock.New(),
		replay:     replay,
		collectors: make(map[uint64]chan models.Host),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = ratelimiter.New(cfg.RatePerSource, cfg.BurstPerSource, 10*time.Minute)
	if cfg.Mode != ModeOpen && s.id == nil {
		return nil, ErrIdentityRequired
	}
	if cfg.Mode == ModeTrusted && s.trust == nil {
		return nil, ErrTrustStoreRequired
	}
	return s, nil
}

func (s *Service) State() State { return State(s.state.Load()) }

// LocalAddr reports the bound socket address, nil when not running.
func (s *Service) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// OnPeer registers a callback fired for every accepted announce.
// Callbacks run on handler goroutines and must not block.
func (s *Service) OnPeer(fn func(models.Host)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Start binds the socket, joins the multicast group, announces once,
// and runs the read and announce loops. Starting from any state other
// than stopped is a no-op.
func (s *Service) Start() error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		s.log.Debug("discovery start ignored", "state", s.State().String())
		return nil
	}
	conn, err := s.openSocket()
	if err != nil {
		s.state.Store(int32(StateStopped))
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(conn)
	go s.announceLoop(ctx)

	s.state.Store(int32(StateRunning))
	s.log.Info("discovery started",
		"group", s.cfg.GroupAddress,
		"mode", string(s.cfg.Mode),
		"interval", s.cfg.AnnounceInterval)
	return nil
}

// Stop halts the announce timer first, then closes the socket and
// waits for the read loop and in-flight handlers to drain. Stopping
// from any state other than running is a no-op.
func (s *Service) Stop() {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		s.log.Debug("discovery stop ignored", "state", s.State().String())
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.cancel = nil
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	s.state.Store(int32(StateStopped))
	s.log.Info("discovery stopped")
}

// Announce sends one announce outside the periodic cadence.
func (s *Service) Announce() error {
	return s.send(TypeAnnounce)
}

// DiscoverPeers sends a query and collects announces until the window
// closes. It returns whatever it saw; an empty result is not an error.
func (s *Service) DiscoverPeers(ctx context.Context, window time.Duration) ([]models.Host, error) {
	if s.State() != StateRunning {
		return nil, ErrNotRunning
	}
	if window <= 0 {
		window = DefaultDiscoverWindow
	}
	ch := make(chan models.Host, 64)
	key := s.addCollector(ch)
	defer s.removeCollector(key)

	if err := s.send(TypeQuery); err != nil {
		return nil, err
	}

	timer := s.clk.Timer(window)
	defer timer.Stop()
	seen := make(map[string]struct{})
	var hosts []models.Host
	for {
		select {
		case <-ctx.Done():
			return hosts, ctx.Err()
		case <-timer.C:
			return hosts, nil
		case h := <-ch:
			if _, dup := seen[h.HostID]; dup {
				continue
			}
			seen[h.HostID] = struct{}{}
			hosts = append(hosts, h)
			if len(hosts) >= maxDiscoverResults {
				return hosts, nil
			}
		}
	}
}

func (s *Service) openSocket() (net.PacketConn, error) {
	if !s.group.IP.IsMulticast() {
		// Direct rendezvous: an ephemeral port is enough, nothing to
		// join.
		conn, err := net.ListenPacket("udp4", ":0")
		if err != nil {
			return nil, fmt.Errorf("listen udp: %w", err)
		}
		s.log.Debug("discovery in unicast rendezvous mode", "peer", s.group.String())
		return conn, nil
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", s.group.Port))
	if err != nil {
		return nil, fmt.Errorf("listen udp %d: %w", s.group.Port, err)
	}
	pc := ipv4.NewPacketConn(conn)
	joined := 0
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: s.group.IP}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: s.group.IP}); err != nil {
			s.log.Warn("multicast group join failed, receive degraded",
				"group", s.group.IP.String(), "error", err)
		}
	}
	// Loopback delivery lets two daemons on one machine see each other.
	if err := pc.SetMulticastLoopback(true); err != nil {
		s.log.Debug("multicast loopback unavailable", "error", err)
	}
	return conn, nil
}

func (s *Service) readLoop(conn net.PacketConn) {
	defer s.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if st := s.State(); st != StateStopping && st != StateStopped {
				s.log.Warn("discovery read failed", "error", err)
			}
			return
		}
		payload := append([]byte(nil), buf[:n]...)
		s.wg.Add(1)
		go func(src net.Addr, payload []byte) {
			defer s.wg.Done()
			s.handleDatagram(src, payload)
		}(src, payload)
	}
}

func (s *Service) announceLoop(ctx context.Context) {
	defer s.wg.Done()
	if err := s.Announce(); err != nil {
		s.log.Debug("initial announce failed", "error", err)
	}
	ticker := s.clk.Ticker(s.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Announce(); err != nil {
				s.log.Debug("periodic announce failed", "error", err)
			}
		}
	}
}

func (s *Service) handleDatagram(src net.Addr, payload []byte) {
	source := sourceHost(src)
	if !s.limiter.Allow(source, s.clk.Now()) {
		s.met.DiscoveryDrop("ratelimited")
		return
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.drop("malformed", source, err)
		return
	}
	if !msg.wellFormed() {
		s.drop("malformed", source, nil)
		return
	}
	if msg.OverlayAddress != "" {
		if _, err := multiaddr.NewMultiaddr(msg.OverlayAddress); err != nil {
			s.drop("malformed", source, err)
			return
		}
	}
	if msg.HostID == s.reg.LocalHost().HostID {
		// Own datagram looped back from the group.
		return
	}
	if s.cfg.Mode != ModeOpen {
		if reason, err := s.verifySigned(&msg); reason != "" {
			s.drop(reason, source, err)
			return
		}
	}
	s.met.DiscoveryMessage(msg.Type)
	switch msg.Type {
	case TypeQuery:
		s.log.Debug("discovery query", "hostId", msg.HostID, "source", source)
		if err := s.Announce(); err != nil {
			s.log.Debug("query re-announce failed", "error", err)
		}
	case TypeAnnounce:
		s.handleAnnounce(&msg, source)
	}
}

// verifySigned runs the signed-mode checks and returns a drop reason,
// empty when the message passes.
func (s *Service) verifySigned(msg *Message) (string, error) {
	if !msg.signed() {
		return "unsigned", nil
	}
	env, err := msg.asEnvelope()
	if err != nil {
		return "malformed", err
	}
	res := envelope.Verify(env)
	if !res.Valid {
		if errors.Is(res.Err, envelope.ErrFingerprintMismatch) {
			return "fingerprint", res.Err
		}
		return "signature", res.Err
	}
	if envelope.IsExpiredAt(env, s.cfg.MaxMessageAge, s.clk.Now()) {
		return "expired", nil
	}
	if s.replay.Observe(env) {
		return "replay", nil
	}
	if s.cfg.Mode == ModeTrusted {
		fp := res.Fingerprint
		if s.trust.IsRevoked(fp) {
			return "revoked", nil
		}
		if !s.trust.IsTrusted(fp) {
			admitted, err := s.trust.MaybeAutoTrust(models.TrustedPeer{
				Fingerprint: fp,
				PublicKey:   msg.PublicKey,
				ExchangeKey: msg.ExchangeKey,
				Name:        msg.HostName,
			})
			if err != nil {
				s.log.Warn("auto-trust persist failed", "fingerprint", fp, "error", err)
			}
			if !admitted {
				return "untrusted", nil
			}
			s.log.Info("peer auto-trusted", "fingerprint", fp, "name", msg.HostName)
		}
	}
	return "", nil
}

func (s *Service) handleAnnounce(msg *Message, source string) {
	merged, err := s.reg.UpsertHost(msg.host(source))
	if err != nil {
		s.log.Warn("announce rejected by registry",
			"hostId", msg.HostID, "source", source, "error", err)
		return
	}
	s.log.Debug("peer announce",
		"hostId", msg.HostID, "hostName", msg.HostName, "source", source)
	s.notifyPeer(merged)
}

func (s *Service) notifyPeer(h models.Host) {
	s.mu.Lock()
	observers := append(([]func(models.Host))(nil), s.observers...)
	collectors := make([]chan models.Host, 0, len(s.collectors))
	for _, ch := range s.collectors {
		collectors = append(collectors, ch)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(h)
	}
	for _, ch := range collectors {
		select {
		case ch <- h:
		default:
		}
	}
}

func (s *Service) send(typ string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotRunning
	}
	msg, err := s.buildMessage(typ)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(payload, s.group); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	if typ == TypeAnnounce {
		s.met.AnnounceSent()
	}
	return nil
}

func (s *Service) buildMessage(typ string) (*Message, error) {
	local := s.reg.LocalHost()
	msg := &Message{
		Type:           typ,
		HostID:         local.HostID,
		HostName:       local.HostName,
		Address:        local.Address,
		Port:           local.Port,
		OverlayAddress: local.OverlayAddress,
		Version:        local.Version,
		Timestamp:      s.clk.Now().UnixMilli(),
	}
	if s.cfg.Mode != ModeOpen {
		if err := msg.sign(s.id); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (s *Service) addCollector(ch chan models.Host) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCollector++
	key := s.nextCollector
	s.collectors[key] = ch
	return key
}

func (s *Service) removeCollector(key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collectors, key)
}

func (s *Service) drop(reason, source string, err error) {
	s.met.DiscoveryDrop(reason)
	if err != nil {
		s.log.Debug("discovery datagram dropped", "reason", reason, "source", source, "error", err)
		return
	}
	s.log.Debug("discovery datagram dropped", "reason", reason, "source", source)
}

func sourceHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
