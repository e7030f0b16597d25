package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"skillmesh/go-mesh/internal/auth"
	"skillmesh/go-mesh/internal/bootstrap/meshconfig"
	"skillmesh/go-mesh/internal/discovery"
	"skillmesh/go-mesh/internal/keystore"
	"skillmesh/go-mesh/internal/metrics"
	"skillmesh/go-mesh/internal/platform/securelog"
	"skillmesh/go-mesh/internal/registry"
	"skillmesh/go-mesh/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	errUntrustedPeer = errors.New("peer fingerprint is not trusted")
	errRevokedPeer   = errors.New("peer fingerprint is revoked")
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to mesh.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for daemon local data (optional)")
	httpAddr := flag.String("http-addr", "", "HTTP listen address override (optional)")
	mode := flag.String("mode", "", "Discovery mode override: open | signed | trusted")
	flag.Parse()
	if *showVersion {
		fmt.Printf("meshd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	log := slog.New(securelog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))
	slog.SetDefault(log)

	cfg := meshconfig.LoadFromPath(*configPath)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *httpAddr != "" {
		cfg.HTTPAddress = *httpAddr
	}
	if *mode != "" {
		cfg.Discovery.Mode = *mode
	}
	if err := cfg.Validate(); err != nil {
		fatal(log, "invalid configuration", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		fatal(log, "create data directory", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ksOpts := []keystore.Option{}
	if cfg.Trust.Passphrase != "" {
		ksOpts = append(ksOpts, keystore.WithPassphrase(cfg.Trust.Passphrase))
	}
	if cfg.AutoTrust() {
		ksOpts = append(ksOpts, keystore.WithAutoTrustFirstPeer())
	}
	ks, err := keystore.Open(cfg.DataDir, ksOpts...)
	if err != nil {
		fatal(log, "open keystore", err)
	}
	// Identity corruption or a failed first persist is the one condition
	// the daemon refuses to run through.
	id, err := ks.LoadOrCreateIdentity()
	if err != nil {
		fatal(log, "load identity", err)
	}
	log.Info("identity ready", "fingerprint", id.Fingerprint(), "peerId", id.PeerID())

	reg, err := registry.Open(filepath.Join(cfg.DataDir, "hosts.json"))
	if err != nil {
		fatal(log, "open host registry", err)
	}
	local := reg.LocalHost()
	if cfg.HostName != "" {
		local.HostName = cfg.HostName
	}
	local.Port = cfg.AdvertisePort
	local.OverlayAddress = cfg.OverlayAddress
	local.Version = version
	local.Fingerprint = id.Fingerprint()
	if _, err := reg.SetLocalHost(local); err != nil {
		fatal(log, "update local host", err)
	}

	met := metrics.New()

	disc, err := discovery.New(discovery.Config{
		GroupAddress:     cfg.Discovery.GroupAddress,
		Mode:             discovery.Mode(cfg.Discovery.Mode),
		AnnounceInterval: cfg.Discovery.AnnounceInterval,
		MaxMessageAge:    cfg.Discovery.MaxMessageAge,
		RatePerSource:    cfg.Discovery.RatePerSource,
		BurstPerSource:   cfg.Discovery.BurstPerSource,
	}, reg,
		discovery.WithIdentity(id),
		discovery.WithTrustStore(ks),
		discovery.WithLogger(log),
		discovery.WithMetrics(met),
	)
	if err != nil {
		fatal(log, "configure discovery", err)
	}

	authOpts := []auth.Option{
		auth.WithChallengeTTL(cfg.Auth.ChallengeTTL),
		auth.WithLogger(log),
		auth.WithMetrics(met),
	}
	if discovery.Mode(cfg.Discovery.Mode) == discovery.ModeTrusted {
		authOpts = append(authOpts, auth.WithGate(trustGate(ks)))
	}
	authMgr, err := auth.NewManager(id, authOpts...)
	if err != nil {
		fatal(log, "configure auth", err)
	}

	checker := registry.NewChecker(registry.WithProbeTimeout(cfg.Health.ProbeTimeout))
	monitor := registry.NewMonitor(reg, checker,
		registry.WithSweepInterval(cfg.Health.SweepInterval),
		registry.WithMonitorLogger(log),
		registry.WithMonitorMetrics(met),
	)

	srv, err := server.New(cfg.HTTPAddress, reg,
		server.WithVersion(version),
		server.WithDiscovery(disc),
		server.WithAuth(authMgr, cfg.Auth.TokenTTL),
		server.WithKeystore(ks),
		server.WithMetrics(met),
		server.WithLogger(log),
	)
	if err != nil {
		fatal(log, "configure http server", err)
	}

	if err := disc.Start(); err != nil {
		fatal(log, "start discovery", err)
	}
	monitor.Start(ctx)

	log.Info("meshd started",
		"dataDir", cfg.DataDir,
		"httpAddr", cfg.HTTPAddress,
		"mode", cfg.Discovery.Mode)
	err = srv.Run(ctx)

	// Timers stop before sockets close so no callback fires into a
	// half-torn-down daemon.
	monitor.Stop()
	disc.Stop()
	if err != nil {
		fatal(log, "http server failed", err)
	}
	log.Info("meshd stopped")
}

// trustGate rejects credentials from fingerprints outside the trust
// store. Revocation is checked first; a revoked peer stays out even if
// a trusted entry lingers.
func trustGate(ks *keystore.Keystore) func(fingerprint string) error {
	return func(fingerprint string) error {
		if ks.IsRevoked(fingerprint) {
			return errRevokedPeer
		}
		if !ks.IsTrusted(fingerprint) {
			return errUntrustedPeer
		}
		return nil
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
