package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"skillmesh/go-mesh/internal/metrics"
	"skillmesh/go-mesh/pkg/models"
)

const DefaultSweepInterval = 30 * time.Second

// StatusChange is delivered to monitor observers on transitions only.
// Repeated confirmations of the same status are silent.
type StatusChange struct {
	Host models.Host
	Old  models.HostStatus
	New  models.HostStatus
}

// Monitor sweeps the registry's known hosts on an interval. A sweep
// that outlives the interval causes the next tick to be skipped, never
// queued, so slow networks cannot pile up probes.
type Monitor struct {
	registry *Registry
	checker  *Checker
	interval time.Duration
	clk      clock.Clock
	log      *slog.Logger
	met      *metrics.Metrics

	mu        sync.Mutex
	observers []func(StatusChange)

	running  atomic.Bool
	sweeping atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

type MonitorOption func(*Monitor)

func WithSweepInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithMonitorClock(clk clock.Clock) MonitorOption {
	return func(m *Monitor) { m.clk = clk }
}

func WithMonitorLogger(log *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.log = log }
}

func WithMonitorMetrics(met *metrics.Metrics) MonitorOption {
	return func(m *Monitor) { m.met = met }
}

func NewMonitor(reg *Registry, checker *Checker, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		registry: reg,
		checker:  checker,
		interval: DefaultSweepInterval,
		clk:      clock.New(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnChange registers an observer for status transitions. Observers run
// on the sweep goroutine and should return quickly.
func (m *Monitor) OnChange(fn func(StatusChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Start launches the sweep loop. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		m.log.Debug("health monitor already running")
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := m.clk.Ticker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
	m.log.Info("health monitor started", "interval", m.interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	<-m.done
	m.log.Info("health monitor stopped")
}

// Sweep probes every known host once. Overlapping calls collapse: if a
// sweep is already in flight the new one is skipped entirely.
func (m *Monitor) Sweep(ctx context.Context) {
	if !m.sweeping.CompareAndSwap(false, true) {
		m.met.SweepSkipped()
		m.log.Debug("health sweep still in flight, skipping tick")
		return
	}
	defer m.sweeping.Store(false)

	hosts := m.registry.Hosts()
	m.met.SetKnownHosts(len(hosts))
	for _, host := range hosts {
		if ctx.Err() != nil {
			return
		}
		result := m.checker.Check(ctx, host)
		m.met.HealthCheck(string(result.Status), result.Latency.Seconds())

		old, changed, err := m.registry.MarkStatus(host.HostID, result.Status)
		if err != nil {
			// Best effort: the next successful write persists the
			// full snapshot anyway.
			m.log.Warn("failed to record host status", "hostId", host.HostID, "error", err)
		}
		if !changed {
			continue
		}
		host.Status = result.Status
		m.notify(StatusChange{Host: host, Old: old, New: result.Status})
	}
}

func (m *Monitor) notify(change StatusChange) {
	m.mu.Lock()
	observers := make([]func(StatusChange), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	m.log.Info("host status changed",
		"hostId", change.Host.HostID,
		"hostName", change.Host.HostName,
		"from", change.Old,
		"to", change.New)
	for _, fn := range observers {
		fn(change)
	}
}
