package registry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"skillmesh/go-mesh/pkg/models"
)

const (
	DefaultProbeTimeout = 3 * time.Second
	DefaultWaitInterval = 2 * time.Second
)

var ErrWaitTimeout = errors.New("host did not come online in time")

// Checker probes a single host's health endpoint. One probe, one
// verdict: HTTP 200 within the timeout means online, anything else
// means offline. Retry policy belongs to callers.
type Checker struct {
	client  *http.Client
	timeout time.Duration
	clk     clock.Clock
}

type CheckerOption func(*Checker)

func WithProbeTimeout(d time.Duration) CheckerOption {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(client *http.Client) CheckerOption {
	return func(c *Checker) { c.client = client }
}

func WithCheckerClock(clk clock.Clock) CheckerOption {
	return func(c *Checker) { c.clk = clk }
}

func NewChecker(opts ...CheckerOption) *Checker {
	c := &Checker{
		client:  http.DefaultClient,
		timeout: DefaultProbeTimeout,
		clk:     clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check probes host once. A host without a usable address is offline by
// definition.
func (c *Checker) Check(ctx context.Context, host models.Host) models.HealthResult {
	result := models.HealthResult{Status: models.StatusOffline, CheckedAt: c.clk.Now()}
	if !host.Addressable() {
		return result
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host.Endpoint()+"/health", nil)
	if err != nil {
		return result
	}
	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result.Latency = time.Since(started)
	if resp.StatusCode == http.StatusOK {
		result.Status = models.StatusOnline
	}
	return result
}

// WaitForHost polls until the host reports online. The context bounds
// the wait; expiry yields ErrWaitTimeout.
func (c *Checker) WaitForHost(ctx context.Context, host models.Host, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := c.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		if res := c.Check(ctx, host); res.Status == models.StatusOnline {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrWaitTimeout
		case <-ticker.C:
		}
	}
}
