package registry

import (
	"context"
	"time"

	"github.com/watchmanio/relay/pkg/logger"
)

// MonitorConfig configures the staleness sweep.
type MonitorConfig struct {
	// StalenessThreshold is how long a node may go without an accepted
	// heartbeat or batch before it is marked offline.
	StalenessThreshold time.Duration

	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration
}

// DefaultMonitorConfig matches the documented 300s staleness window.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		StalenessThreshold: 300 * time.Second,
		SweepInterval:      30 * time.Second,
	}
}

// OfflineFunc is notified with the ids flipped offline by a sweep, for
// metrics and alerting. Offline satellites are expected and tolerated,
// so this is an observability event, not a failure path.
type OfflineFunc func(nodeIDs []string)

// Monitor periodically flips stale nodes offline.
type Monitor struct {
	cfg      MonitorConfig
	registry *Registry
	onStale  OfflineFunc
	onSweep  func()
}

// OnSweep registers a hook invoked after every sweep, flips or not.
// Used to feed sweep counters.
func (m *Monitor) OnSweep(fn func()) {
	m.onSweep = fn
}

// NewMonitor creates a health monitor over the registry.
func NewMonitor(cfg MonitorConfig, reg *Registry, onStale OfflineFunc) *Monitor {
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 300 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Monitor{cfg: cfg, registry: reg, onStale: onStale}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	log := logger.Component("health-monitor")
	log.Debug().Dur("threshold", m.cfg.StalenessThreshold).Msg("staleness sweep started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one staleness pass. Exposed separately so tests can drive
// it without waiting on the ticker.
func (m *Monitor) Sweep(ctx context.Context) {
	if m.onSweep != nil {
		m.onSweep()
	}
	cutoff := m.registry.now().UTC().Add(-m.cfg.StalenessThreshold)
	flipped, err := m.registry.Store().MarkStaleOffline(ctx, cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("staleness sweep failed")
		return
	}
	if len(flipped) == 0 {
		return
	}
	logger.Warn().Strs("node_ids", flipped).Msg("nodes went stale, marked offline")
	if m.onStale != nil {
		m.onStale(flipped)
	}
}
