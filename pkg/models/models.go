package models

import (
	"net"
	"strconv"
	"strings"
	"time"
)

type HostStatus string

const (
	StatusUnknown HostStatus = "unknown"
	StatusOnline  HostStatus = "online"
	StatusOffline HostStatus = "offline"
)

func (s HostStatus) Valid() bool {
	switch s {
	case StatusUnknown, StatusOnline, StatusOffline:
		return true
	}
	return false
}

func ParseHostStatus(raw string) HostStatus {
	s := HostStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return StatusUnknown
	}
	return s
}

type Host struct {
	HostID         string     `json:"hostId"`
	HostName       string     `json:"hostName"`
	Address        string     `json:"address"`
	Port           int        `json:"port"`
	OverlayAddress string     `json:"overlayAddress,omitempty"`
	Version        string     `json:"version,omitempty"`
	Fingerprint    string     `json:"fingerprint,omitempty"`
	Status         HostStatus `json:"status,omitempty"`
	LastSeen       time.Time  `json:"lastSeen,omitempty"`
}

// Endpoint is the host:port the health endpoint listens on.
func (h Host) Endpoint() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

func (h Host) Addressable() bool {
	return h.Address != "" && h.Port > 0 && h.Port <= 65535
}

type HostsFile struct {
	Version     int       `json:"version"`
	LocalHost   Host      `json:"localHost"`
	KnownHosts  []Host    `json:"knownHosts"`
	LastUpdated time.Time `json:"lastUpdated"`
}

const HostsFileVersion = 1

type HealthResult struct {
	Status    HostStatus    `json:"status"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checkedAt"`
}

type TrustedPeer struct {
	Fingerprint string    `json:"fingerprint"`
	PublicKey   string    `json:"publicKey"`
	ExchangeKey string    `json:"exchangeKey"`
	Name        string    `json:"name,omitempty"`
	TrustedAt   time.Time `json:"trustedAt"`
}

type HealthReport struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	HostID  string `json:"hostId"`
	Uptime  int64  `json:"uptime"`
}
