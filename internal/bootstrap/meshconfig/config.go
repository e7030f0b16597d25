// Package meshconfig loads the daemon configuration: built-in defaults,
// overlaid by the first readable YAML candidate, overlaid by
// SKILLMESH_* environment variables.
package meshconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"skillmesh/go-mesh/internal/discovery"
)

// Durations in the YAML file are integer nanoseconds, matching the
// yaml.v3 decoding of time.Duration.
type Config struct {
	DataDir     string `yaml:"dataDir"`
	HTTPAddress string `yaml:"httpAddress"`

	HostName       string `yaml:"hostName"`
	AdvertisePort  int    `yaml:"advertisePort"`
	OverlayAddress string `yaml:"overlayAddress"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Health    HealthConfig    `yaml:"health"`
	Auth      AuthConfig      `yaml:"auth"`
	Trust     TrustConfig     `yaml:"trust"`
}

type DiscoveryConfig struct {
	GroupAddress     string        `yaml:"groupAddress"`
	Mode             string        `yaml:"mode"`
	AnnounceInterval time.Duration `yaml:"announceInterval"`
	MaxMessageAge    time.Duration `yaml:"maxMessageAge"`
	RatePerSource    float64       `yaml:"ratePerSource"`
	BurstPerSource   int           `yaml:"burstPerSource"`
}

type HealthConfig struct {
	ProbeTimeout  time.Duration `yaml:"probeTimeout"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type AuthConfig struct {
	TokenTTL     time.Duration `yaml:"tokenTtl"`
	ChallengeTTL time.Duration `yaml:"challengeTtl"`
}

type TrustConfig struct {
	AutoTrustFirstPeer *bool `yaml:"autoTrustFirstPeer"`
	// Passphrase never comes from the file; SKILLMESH_PASSPHRASE only.
	Passphrase string `yaml:"-"`
}

func Default() Config {
	return Config{
		DataDir:       defaultDataDir(),
		HTTPAddress:   "127.0.0.1:7338",
		AdvertisePort: 7338,
		Discovery: DiscoveryConfig{
			GroupAddress:     discovery.DefaultGroupAddress,
			Mode:             string(discovery.ModeSigned),
			AnnounceInterval: discovery.DefaultAnnounceInterval,
		},
		Health: HealthConfig{
			ProbeTimeout:  3 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL:     1 * time.Hour,
			ChallengeTTL: 30 * time.Second,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".skillmesh"
	}
	return home + "/.skillmesh"
}

// LoadFromPath resolves the effective configuration. An explicit path
// is the only candidate; otherwise the conventional locations are
// tried in order. Unreadable or unparseable candidates are skipped,
// never fatal: the daemon can always come up on defaults.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/mesh.yaml",
			defaultDataDir()+"/mesh.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

// Merge overlays the non-zero fields of src onto dst.
func Merge(dst *Config, src Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.HTTPAddress != "" {
		dst.HTTPAddress = src.HTTPAddress
	}
	if src.HostName != "" {
		dst.HostName = src.HostName
	}
	if src.AdvertisePort != 0 {
		dst.AdvertisePort = src.AdvertisePort
	}
	if src.OverlayAddress != "" {
		dst.OverlayAddress = src.OverlayAddress
	}
	if src.Discovery.GroupAddress != "" {
		dst.Discovery.GroupAddress = src.Discovery.GroupAddress
	}
	if src.Discovery.Mode != "" {
		dst.Discovery.Mode = src.Discovery.Mode
	}
	if src.Discovery.AnnounceInterval != 0 {
		dst.Discovery.AnnounceInterval = src.Discovery.AnnounceInterval
	}
	if src.Discovery.MaxMessageAge != 0 {
		dst.Discovery.MaxMessageAge = src.Discovery.MaxMessageAge
	}
	if src.Discovery.RatePerSource != 0 {
		dst.Discovery.RatePerSource = src.Discovery.RatePerSource
	}
	if src.Discovery.BurstPerSource != 0 {
		dst.Discovery.BurstPerSource = src.Discovery.BurstPerSource
	}
	if src.Health.ProbeTimeout != 0 {
		dst.Health.ProbeTimeout = src.Health.ProbeTimeout
	}
	if src.Health.SweepInterval != 0 {
		dst.Health.SweepInterval = src.Health.SweepInterval
	}
	if src.Auth.TokenTTL != 0 {
		dst.Auth.TokenTTL = src.Auth.TokenTTL
	}
	if src.Auth.ChallengeTTL != 0 {
		dst.Auth.ChallengeTTL = src.Auth.ChallengeTTL
	}
	if src.Trust.AutoTrustFirstPeer != nil {
		dst.Trust.AutoTrustFirstPeer = src.Trust.AutoTrustFirstPeer
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if dir := strings.TrimSpace(os.Getenv("SKILLMESH_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}
	if addr := strings.TrimSpace(os.Getenv("SKILLMESH_HTTP_ADDR")); addr != "" {
		cfg.HTTPAddress = addr
	}
	if mode := strings.TrimSpace(os.Getenv("SKILLMESH_DISCOVERY_MODE")); mode != "" {
		cfg.Discovery.Mode = mode
	}
	if group := strings.TrimSpace(os.Getenv("SKILLMESH_DISCOVERY_GROUP")); group != "" {
		cfg.Discovery.GroupAddress = group
	}
	// The passphrase is deliberately env-only so it never lands in a
	// world-readable config file.
	cfg.Trust.Passphrase = os.Getenv("SKILLMESH_PASSPHRASE")

	raw := strings.TrimSpace(os.Getenv("SKILLMESH_AUTO_TRUST_FIRST_PEER"))
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return
	}
	cfg.Trust.AutoTrustFirstPeer = &v
}

func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("dataDir must not be empty"))
	}
	if c.HTTPAddress == "" {
		errs = append(errs, errors.New("httpAddress must not be empty"))
	}
	if c.AdvertisePort <= 0 || c.AdvertisePort > 65535 {
		errs = append(errs, fmt.Errorf("advertisePort %d out of range", c.AdvertisePort))
	}
	if _, err := discovery.ParseMode(c.Discovery.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Health.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("health probeTimeout must be positive"))
	}
	if c.Health.SweepInterval <= 0 {
		errs = append(errs, errors.New("health sweepInterval must be positive"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth tokenTtl must be positive"))
	}
	return errors.Join(errs...)
}

// AutoTrust reports the effective trust-on-first-use setting, off by
// default.
func (c Config) AutoTrust() bool {
	return c.Trust.AutoTrustFirstPeer != nil && *c.Trust.AutoTrustFirstPeer
}
