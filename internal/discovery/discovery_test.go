package discovery

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"skillmesh/go-mesh/internal/identity"
	"skillmesh/go-mesh/internal/registry"
	"skillmesh/go-mesh/pkg/models"
)

// Tests run the service in unicast rendezvous mode against a loopback
// listener standing in for the multicast group, so no multicast routing
// is needed to exercise the full datagram path.

func newTestService(t *testing.T, cfg Config, opts ...Option) (*Service, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "hosts.json"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if cfg.GroupAddress == "" {
		cfg.GroupAddress = "127.0.0.1:9"
	}
	if cfg.RatePerSource == 0 {
		cfg.RatePerSource = -1
	}
	svc, err := New(cfg, reg, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, reg
}

func newGroupListener(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen group stand-in: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func serviceAddr(t *testing.T, svc *Service) string {
	t.Helper()
	addr := svc.LocalAddr()
	if addr == nil {
		t.Fatal("service has no bound address")
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("split service addr: %v", err)
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func sendDatagram(t *testing.T, to string, payload []byte) {
	t.Helper()
	conn, err := net.Dial("udp4", to)
	if err != nil {
		t.Fatalf("dial %s: %v", to, err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("send datagram: %v", err)
	}
}

func sendMessage(t *testing.T, to string, msg *Message) {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	sendDatagram(t, to, payload)
}

func readMessage(t *testing.T, conn net.PacketConn, timeout time.Duration) (Message, bool) {
	t.Helper()
	buf := make([]byte, maxDatagramSize)
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal(buf[:n], &msg); err != nil {
		t.Fatalf("decode datagram: %v", err)
	}
	return msg, true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	if svc.State() != StateStopped {
		t.Fatalf("initial state = %s", svc.State())
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	if svc.State() != StateRunning {
		t.Fatalf("state after start = %s", svc.State())
	}
	if svc.LocalAddr() == nil {
		t.Fatal("no bound address while running")
	}
	// Second start is a no-op from running.
	if err := svc.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	svc.Stop()
	if svc.State() != StateStopped {
		t.Fatalf("state after stop = %s", svc.State())
	}
	svc.Stop() // no-op from stopped

	if _, err := svc.DiscoverPeers(context.Background(), 50*time.Millisecond); err != ErrNotRunning {
		t.Fatalf("discover while stopped: %v", err)
	}
}

func TestStartAnnouncesImmediately(t *testing.T) {
	group := newGroupListener(t)
	svc, reg := newTestService(t, Config{GroupAddress: group.LocalAddr().String()})
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)

	msg, ok := readMessage(t, group, 3*time.Second)
	if !ok {
		t.Fatal("no announce arrived at the group")
	}
	if msg.Type != TypeAnnounce {
		t.Fatalf("first datagram type = %q", msg.Type)
	}
	if msg.HostID != reg.LocalHost().HostID {
		t.Fatalf("announce hostId = %q, want local", msg.HostID)
	}
	if msg.Signature != "" {
		t.Fatal("open-mode announce carries a signature")
	}
}

func TestQueryTriggersReannounce(t *testing.T) {
	group := newGroupListener(t)
	svc, _ := newTestService(t, Config{GroupAddress: group.LocalAddr().String()})
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)

	if _, ok := readMessage(t, group, 3*time.Second); !ok {
		t.Fatal("initial announce missing")
	}

	sendMessage(t, serviceAddr(t, svc), &Message{
		Type:      TypeQuery,
		HostID:    "remote-asker",
		Timestamp: time.Now().UnixMilli(),
	})

	msg, ok := readMessage(t, group, 3*time.Second)
	if !ok {
		t.Fatal("no re-announce after query")
	}
	if msg.Type != TypeAnnounce {
		t.Fatalf("reply type = %q", msg.Type)
	}
}

func TestAnnounceUpsertsHostAndNotifies(t *testing.T) {
	svc, reg := newTestService(t, Config{})
	peers := make(chan models.Host, 8)
	svc.OnPeer(func(h models.Host) { peers <- h })
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)

	sendMessage(t, serviceAddr(t, svc), &Message{
		Type:      TypeAnnounce,
		HostID:    "peer-1",
		HostName:  "alpha",
		Port:      8420,
		Version:   "1.2.0",
		Timestamp: time.Now().UnixMilli(),
	})

	select {
	case h := <-peers:
		if h.HostID != "peer-1" || h.HostName != "alpha" {
			t.Fatalf("unexpected peer: %+v", h)
		}
		// No announced address: the sender's source IP fills in.
		if h.Address != "127.0.0.1" {
			t.Fatalf("address = %q, want source fallback", h.Address)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("observer never fired")
	}

	got, ok := reg.Host("peer-1")
	if !ok {
		t.Fatal("host missing from registry")
	}
	if got.Port != 8420 || got.Version != "1.2.0" {
		t.Fatalf("registry host = %+v", got)
	}
	if got.Status != models.StatusUnknown {
		t.Fatalf("fresh host status = %q", got.Status)
	}
}

func TestMalformedDatagramsAreDroppedSilently(t *testing.T) {
	svc, reg := newTestService(t, Config{})
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	addr := serviceAddr(t, svc)

	sendDatagram(t, addr, []byte("not json at all"))
	sendDatagram(t, addr, []byte(`{"type":`))
	sendDatagram(t, addr, []byte(`{"type":"gossip","hostId":"x"}`))
	sendDatagram(t, addr, []byte(`{"type":"announce"}`))
	sendDatagram(t, addr, []byte(`{"type":"announce","hostId":"bad-overlay","overlayAddress":"/ip4/999.9.9.9/tcp/1"}`))

	// A valid announce after the garbage proves the loop survived.
	sendMessage(t, addr, &Message{
		Type:           TypeAnnounce,
		HostID:         "peer-ok",
		OverlayAddress: "/ip4/10.0.0.7/tcp/4001",
		Timestamp:      time.Now().UnixMilli(),
	})

	waitFor(t, "valid announce", func() bool {
		_, ok := reg.Host("peer-ok")
		return ok
	})
	if len(reg.Hosts()) != 1 {
		t.Fatalf("registry has %d hosts, want 1", len(reg.Hosts()))
	}
}

func TestOwnAnnouncesIgnored(t *testing.T) {
	svc, reg := newTestService(t, Config{})
	fired := make(chan models.Host, 1)
	svc.OnPeer(func(h models.Host) { fired <- h })
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)

	sendMessage(t, serviceAddr(t, svc), &Message{
		Type:      TypeAnnounce,
		HostID:    reg.LocalHost().HostID,
		HostName:  "self-echo",
		Timestamp: time.Now().UnixMilli(),
	})

	select {
	case h := <-fired:
		t.Fatalf("observer fired for own announce: %+v", h)
	case <-time.After(300 * time.Millisecond):
	}
	if len(reg.Hosts()) != 0 {
		t.Fatalf("own announce reached the registry: %v", reg.Hosts())
	}
}

func TestSignedModeRequiresValidSignature(t *testing.T) {
	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	peer, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	svc, reg := newTestService(t, Config{Mode: ModeSigned}, WithIdentity(self))
	accepted := make(chan models.Host, 8)
	svc.OnPeer(func(h models.Host) { accepted <- h })
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	addr := serviceAddr(t, svc)

	// Unsigned announce is refused.
	sendMessage(t, addr, &Message{
		Type: TypeAnnounce, HostID: "bare", Timestamp: time.Now().UnixMilli(),
	})

	// Tampering after signing breaks the signature.
	tampered := &Message{Type: TypeAnnounce, HostID: "tampered", Port: 1000}
	if err := tampered.sign(peer); err != nil {
		t.Fatalf("sign: %v", err)
	}
	tampered.Port = 2000
	sendMessage(t, addr, tampered)

	// A properly signed announce lands.
	good := &Message{Type: TypeAnnounce, HostID: "peer-signed", HostName: "beta"}
	if err := good.sign(peer); err != nil {
		t.Fatalf("sign: %v", err)
	}
	sendMessage(t, addr, good)

	select {
	case h := <-accepted:
		if h.HostID != "peer-signed" {
			t.Fatalf("accepted wrong host: %+v", h)
		}
		if h.Fingerprint != peer.Fingerprint() {
			t.Fatalf("fingerprint = %q, want signer's", h.Fingerprint)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("signed announce never accepted")
	}
	if len(reg.Hosts()) != 1 {
		t.Fatalf("registry has %d hosts, want only the signed one", len(reg.Hosts()))
	}
}

func TestSignedModeDropsReplayAndStale(t *testing.T) {
	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	peer, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	svc, _ := newTestService(t,
		Config{Mode: ModeSigned, MaxMessageAge: 50 * time.Millisecond},
		WithIdentity(self))
	accepted := make(chan models.Host, 8)
	svc.OnPeer(func(h models.Host) { accepted <- h })
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	addr := serviceAddr(t, svc)

	fresh := &Message{Type: TypeAnnounce, HostID: "replayed-peer"}
	if err := fresh.sign(peer); err != nil {
		t.Fatalf("sign: %v", err)
	}
	sendMessage(t, addr, fresh)
	select {
	case <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("first copy never accepted")
	}

	// The identical datagram again: same nonce, replay.
	sendMessage(t, addr, fresh)
	select {
	case h := <-accepted:
		t.Fatalf("replayed announce accepted: %+v", h)
	case <-time.After(300 * time.Millisecond):
	}

	// A fresh signature past the freshness window is stale.
	stale := &Message{Type: TypeAnnounce, HostID: "stale-peer"}
	if err := stale.sign(peer); err != nil {
		t.Fatalf("sign: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	sendMessage(t, addr, stale)
	select {
	case h := <-accepted:
		t.Fatalf("stale announce accepted: %+v", h)
	case <-time.After(300 * time.Millisecond):
	}
}

type fakeTrust struct {
	mu          sync.Mutex
	trusted     map[string]bool
	revoked     map[string]bool
	autoTrust   bool
	autoTrusted string
}

func newFakeTrust(autoTrust bool) *fakeTrust {
	return &fakeTrust{
		trusted:   make(map[string]bool),
		revoked:   make(map[string]bool),
		autoTrust: autoTrust,
	}
}

func (f *fakeTrust) IsTrusted(fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trusted[fp]
}

func (f *fakeTrust) IsRevoked(fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[fp]
}

func (f *fakeTrust) MaybeAutoTrust(p models.TrustedPeer) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.autoTrust || f.autoTrusted != "" || len(f.trusted) > 0 {
		return false, nil
	}
	if f.revoked[p.Fingerprint] {
		return false, nil
	}
	f.trusted[p.Fingerprint] = true
	f.autoTrusted = p.Fingerprint
	return true, nil
}

func TestTrustedModeGatesOnTrustAndRevocation(t *testing.T) {
	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	peer, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	trust := newFakeTrust(false)

	svc, _ := newTestService(t,
		Config{Mode: ModeTrusted},
		WithIdentity(self), WithTrustStore(trust))
	accepted := make(chan models.Host, 8)
	svc.OnPeer(func(h models.Host) { accepted <- h })
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	addr := serviceAddr(t, svc)

	announce := func(hostID string) {
		msg := &Message{Type: TypeAnnounce, HostID: hostID}
		if err := msg.sign(peer); err != nil {
			t.Fatalf("sign: %v", err)
		}
		sendMessage(t, addr, msg)
	}

	// Validly signed but unknown: refused.
	announce("stranger")
	select {
	case h := <-accepted:
		t.Fatalf("untrusted peer accepted: %+v", h)
	case <-time.After(300 * time.Millisecond):
	}

	// Trusted now: accepted.
	trust.mu.Lock()
	trust.trusted[peer.Fingerprint()] = true
	trust.mu.Unlock()
	announce("now-trusted")
	select {
	case h := <-accepted:
		if h.HostID != "now-trusted" {
			t.Fatalf("wrong host accepted: %+v", h)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("trusted peer never accepted")
	}

	// Revoked while still in the trusted map: revocation wins.
	trust.mu.Lock()
	trust.revoked[peer.Fingerprint()] = true
	trust.mu.Unlock()
	announce("revoked-now")
	select {
	case h := <-accepted:
		t.Fatalf("revoked peer accepted: %+v", h)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTrustedModeAutoTrustsFirstPeerOnly(t *testing.T) {
	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	first, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	trust := newFakeTrust(true)

	svc, _ := newTestService(t,
		Config{Mode: ModeTrusted},
		WithIdentity(self), WithTrustStore(trust))
	accepted := make(chan models.Host, 8)
	svc.OnPeer(func(h models.Host) { accepted <- h })
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	addr := serviceAddr(t, svc)

	msg := &Message{Type: TypeAnnounce, HostID: "first-peer"}
	if err := msg.sign(first); err != nil {
		t.Fatalf("sign: %v", err)
	}
	sendMessage(t, addr, msg)
	select {
	case h := <-accepted:
		if h.HostID != "first-peer" {
			t.Fatalf("wrong host auto-trusted: %+v", h)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("first peer not auto-trusted")
	}
	if !trust.IsTrusted(first.Fingerprint()) {
		t.Fatal("auto-trust did not record the fingerprint")
	}

	// The window is spent: a second unknown identity stays out.
	msg2 := &Message{Type: TypeAnnounce, HostID: "second-peer"}
	if err := msg2.sign(second); err != nil {
		t.Fatalf("sign: %v", err)
	}
	sendMessage(t, addr, msg2)
	select {
	case h := <-accepted:
		t.Fatalf("second unknown peer accepted: %+v", h)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDiscoverPeersCollectsWindow(t *testing.T) {
	group := newGroupListener(t)
	svc, _ := newTestService(t, Config{GroupAddress: group.LocalAddr().String()})
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	addr := serviceAddr(t, svc)

	// Stand-in peer: answer the query with announces, one duplicated.
	go func() {
		for {
			msg, ok := readMessage(t, group, 5*time.Second)
			if !ok {
				return
			}
			if msg.Type != TypeQuery {
				continue
			}
			for _, id := range []string{"peer-a", "peer-b", "peer-a"} {
				sendMessage(t, addr, &Message{
					Type:      TypeAnnounce,
					HostID:    id,
					Timestamp: time.Now().UnixMilli(),
				})
			}
			return
		}
	}()

	hosts, err := svc.DiscoverPeers(context.Background(), 700*time.Millisecond)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("discovered %d hosts, want 2 deduplicated", len(hosts))
	}
}

func TestRateLimiterGatesFloods(t *testing.T) {
	svc, reg := newTestService(t, Config{
		RatePerSource:  1,
		BurstPerSource: 2,
	})
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	addr := serviceAddr(t, svc)

	for i := 0; i < 10; i++ {
		sendMessage(t, addr, &Message{
			Type:      TypeAnnounce,
			HostID:    "flood-" + string(rune('a'+i)),
			Timestamp: time.Now().UnixMilli(),
		})
	}

	waitFor(t, "burst to land", func() bool { return len(reg.Hosts()) >= 2 })
	time.Sleep(200 * time.Millisecond)
	if n := len(reg.Hosts()); n > 4 {
		t.Fatalf("flood admitted %d hosts past the burst", n)
	}
}
