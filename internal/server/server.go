// Package server is the daemon's HTTP surface: liveness for peer
// health probes, an operator status view, prometheus scraping, and the
// challenge/token exchange remote peers authenticate through.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"skillmesh/go-mesh/internal/auth"
	"skillmesh/go-mesh/internal/discovery"
	"skillmesh/go-mesh/internal/envelope"
	"skillmesh/go-mesh/internal/keystore"
	"skillmesh/go-mesh/internal/metrics"
	"skillmesh/go-mesh/internal/registry"
	"skillmesh/go-mesh/pkg/models"
)

const (
	shutdownGrace  = 5 * time.Second
	maxRequestBody = 64 << 10
)

type Server struct {
	addr    string
	version string
	started time.Time

	reg     *registry.Registry
	disc    *discovery.Service
	authMgr *auth.Manager
	ks      *keystore.Keystore
	met     *metrics.Metrics
	log     *slog.Logger

	tokenTTL time.Duration

	httpServer *http.Server
	listener   net.Listener
}

type Option func(*Server)

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithDiscovery exposes the discovery service's state on /status.
func WithDiscovery(d *discovery.Service) Option {
	return func(s *Server) { s.disc = d }
}

// WithAuth enables the /auth endpoints and bearer protection on
// /hosts. Without it those routes answer 404 and /hosts is open.
func WithAuth(m *auth.Manager, tokenTTL time.Duration) Option {
	return func(s *Server) {
		s.authMgr = m
		if tokenTTL > 0 {
			s.tokenTTL = tokenTTL
		}
	}
}

func WithKeystore(ks *keystore.Keystore) Option {
	return func(s *Server) { s.ks = ks }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.met = m }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

func New(addr string, reg *registry.Registry, opts ...Option) (*Server, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	s := &Server{
		addr:     addr,
		version:  "dev",
		reg:      reg,
		log:      slog.Default(),
		tokenTTL: auth.DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router builds the route table. Exposed so tests can drive the
// handlers through httptest without a real listener.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/hosts", s.requireBearer(http.HandlerFunc(s.handleHosts))).Methods(http.MethodGet)
	if s.met != nil {
		r.Handle("/metrics", s.met.Handler()).Methods(http.MethodGet)
	}
	if s.authMgr != nil {
		r.HandleFunc("/auth/challenge", s.handleChallenge).Methods(http.MethodPost)
		r.HandleFunc("/auth/token", s.handleToken).Methods(http.MethodPost)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.started = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	s.log.Info("http server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr reports the bound listen address, empty before Run.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthReport{
		Status:  string(models.StatusOnline),
		Version: s.version,
		HostID:  s.reg.LocalHost().HostID,
		Uptime:  int64(s.uptime().Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	local := s.reg.LocalHost()
	resp := map[string]any{
		"hostId":     local.HostID,
		"hostName":   local.HostName,
		"version":    s.version,
		"uptime":     s.uptime().String(),
		"knownHosts": s.reg.Len(),
	}
	if s.disc != nil {
		resp["discovery"] = s.disc.State().String()
	}
	if s.ks != nil {
		if id := s.ks.Identity(); id != nil {
			resp["fingerprint"] = id.Fingerprint()
			resp["peerId"] = id.PeerID()
		}
		resp["trustedPeers"] = len(s.ks.TrustedPeers())
	}
	if s.authMgr != nil {
		resp["pendingChallenges"] = s.authMgr.PendingChallenges()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"localHost": s.reg.LocalHost(),
		"hosts":     s.reg.Hosts(),
	})
}

// handleChallenge mints a challenge for a peer about to authenticate.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	ch, err := s.authMgr.NewChallenge()
	if err != nil {
		s.log.Error("challenge creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "challenge creation failed")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleToken exchanges a solved challenge for a bearer token. The
// request body is the signed envelope produced by auth.SolveChallenge.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var env envelope.SignedEnvelope
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed challenge response")
		return
	}
	res := s.authMgr.VerifyResponse(&env)
	if !res.Authenticated {
		s.log.Debug("challenge response rejected", "error", res.Err)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	hostID := s.hostIDFor(res.Fingerprint)
	token, err := s.authMgr.IssueToken(hostID, nil, s.tokenTTL)
	if err != nil {
		s.log.Error("token issuance failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":       token,
		"fingerprint": res.Fingerprint,
		"expiresIn":   int64(s.tokenTTL.Seconds()),
	})
}

// hostIDFor maps an authenticated fingerprint back to a registry host
// when one is linked, else the fingerprint itself names the subject.
func (s *Server) hostIDFor(fingerprint string) string {
	for _, h := range s.reg.Hosts() {
		if h.Fingerprint == fingerprint {
			return h.HostID
		}
	}
	return fingerprint
}

// requireBearer guards a route with token verification. With no auth
// manager configured the route is open; a LAN daemon without auth has
// nothing to verify against.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authMgr == nil {
			next.ServeHTTP(w, r)
			return
		}
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		res := s.authMgr.VerifyToken(token)
		if !res.Valid {
			s.log.Debug("bearer token rejected", "error", res.Err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) uptime() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started).Round(time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
