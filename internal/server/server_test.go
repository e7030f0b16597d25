package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"skillmesh/go-mesh/internal/auth"
	"skillmesh/go-mesh/internal/identity"
	"skillmesh/go-mesh/internal/keystore"
	"skillmesh/go-mesh/internal/metrics"
	"skillmesh/go-mesh/internal/registry"
	"skillmesh/go-mesh/pkg/models"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "hosts.json"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return reg
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := New("127.0.0.1:0", newTestRegistry(t), opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, WithVersion("1.2.3"))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		HostID  string `json:"hostId"`
	}
	resp := getJSON(t, ts, "/health", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body.Status != "online" {
		t.Fatalf("expected status=online, got %q", body.Status)
	}
	if body.Version != "1.2.3" {
		t.Fatalf("expected version=1.2.3, got %q", body.Version)
	}
	if body.HostID == "" {
		t.Fatal("expected a hostId")
	}
}

func TestStatusEndpointIncludesIdentity(t *testing.T) {
	ks, err := keystore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	id, err := ks.LoadOrCreateIdentity()
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	mgr, err := auth.NewManager(id)
	if err != nil {
		t.Fatalf("new auth manager: %v", err)
	}

	s := newTestServer(t, WithKeystore(ks), WithAuth(mgr, time.Minute))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	var body struct {
		Fingerprint       string `json:"fingerprint"`
		PeerID            string `json:"peerId"`
		KnownHosts        int    `json:"knownHosts"`
		PendingChallenges int    `json:"pendingChallenges"`
	}
	getJSON(t, ts, "/status", &body)
	if body.Fingerprint != id.Fingerprint() {
		t.Fatalf("expected fingerprint %q, got %q", id.Fingerprint(), body.Fingerprint)
	}
	if body.PeerID != id.PeerID() {
		t.Fatalf("expected peerId %q, got %q", id.PeerID(), body.PeerID)
	}
	if body.KnownHosts != 0 {
		t.Fatalf("expected 0 known hosts, got %d", body.KnownHosts)
	}
}

func TestMetricsEndpointServedWhenConfigured(t *testing.T) {
	s := newTestServer(t, WithMetrics(metrics.New()))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp := getJSON(t, ts, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.StatusCode)
	}

	bare := newTestServer(t)
	tsBare := httptest.NewServer(bare.Router())
	defer tsBare.Close()
	resp = getJSON(t, tsBare, "/metrics", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", resp.StatusCode)
	}
}

func TestAuthEndpointsAbsentWithoutManager(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/auth/challenge", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without auth manager, got %d", resp.StatusCode)
	}
}

func TestChallengeTokenExchange(t *testing.T) {
	verifier, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	peer, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := auth.NewManager(verifier)
	if err != nil {
		t.Fatal(err)
	}

	s := newTestServer(t, WithAuth(mgr, time.Minute))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	// Hosts is locked down before authentication.
	resp := getJSON(t, ts, "/hosts", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", resp.StatusCode)
	}

	var ch auth.Challenge
	resp, err = ts.Client().Post(ts.URL+"/auth/challenge", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ch.Challenge == "" {
		t.Fatal("expected a challenge value")
	}

	env, err := auth.SolveChallenge(ch.Challenge, peer)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = ts.Client().Post(ts.URL+"/auth/token", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	var issued struct {
		Token       string `json:"token"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&issued); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from token exchange, got %d", resp.StatusCode)
	}
	if issued.Fingerprint != peer.Fingerprint() {
		t.Fatalf("expected fingerprint %q, got %q", peer.Fingerprint(), issued.Fingerprint)
	}

	// The issued token opens /hosts.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/hosts", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+issued.Token)
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var hosts struct {
		LocalHost models.Host `json:"localHost"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hosts); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d", resp.StatusCode)
	}
	if hosts.LocalHost.HostID == "" {
		t.Fatal("expected the local host in the response")
	}

	// Replaying the same challenge response fails: single use.
	resp, err = ts.Client().Post(ts.URL+"/auth/token", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on challenge replay, got %d", resp.StatusCode)
	}
}

func TestBearerRejectsGarbageToken(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := auth.NewManager(id)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, WithAuth(mgr, time.Minute))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/hosts", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer not.a.token")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a garbage token, got %d", resp.StatusCode)
	}
}

func TestTokenEndpointRejectsMalformedBody(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := auth.NewManager(id)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, WithAuth(mgr, time.Minute))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/auth/token", "application/json",
		bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
}
