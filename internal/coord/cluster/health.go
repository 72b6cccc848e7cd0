package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Health is the probe-derived state of one node.
type Health int

const (
	// HealthUnknown means no probe has completed yet. Unknown nodes
	// are not placement-eligible and report as offline.
	HealthUnknown Health = iota
	HealthOnline
	HealthOffline
)

func (h Health) String() string {
	switch h {
	case HealthOnline:
		return "online"
	case HealthOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Prober checks whether a node daemon is reachable and serving.
type Prober interface {
	Probe(ctx context.Context, node Node) error
}

// MonitorConfig tunes the health monitor.
type MonitorConfig struct {
	Interval time.Duration // probe cadence
	Timeout  time.Duration // per-probe deadline
	// OfflineThreshold is the number of consecutive failed probes
	// before a node is marked offline. A single success brings it
	// back online.
	OfflineThreshold int
}

// Monitor probes every registered node on a fixed interval and keeps a
// debounced online/offline flag per node. One dropped probe never
// flips a node; OfflineThreshold consecutive failures do.
type Monitor struct {
	registry *Registry
	prober   Prober
	cfg      MonitorConfig
	logger   zerolog.Logger
	metrics  *Metrics

	mu     sync.RWMutex
	states map[string]*nodeState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type nodeState struct {
	health   Health
	failures int
	lastSeen time.Time
}

// NewMonitor creates a health monitor for all nodes in the registry.
func NewMonitor(registry *Registry, prober Prober, cfg MonitorConfig, logger zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.OfflineThreshold < 1 {
		cfg.OfflineThreshold = 3
	}

	states := make(map[string]*nodeState, registry.Len())
	for _, id := range registry.IDs() {
		states[id] = &nodeState{health: HealthUnknown}
	}

	return &Monitor{
		registry: registry,
		prober:   prober,
		cfg:      cfg,
		logger:   logger.With().Str("component", "health-monitor").Logger(),
		metrics:  InitMetrics(nil),
		states:   states,
	}
}

// Start launches the probe loop. The first round runs immediately so
// placement has health data as soon as possible.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts the probe loop and waits for in-flight probes.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	m.probeAll(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// probeAll probes every node concurrently and waits for the round to
// finish. Rounds never overlap: a slow probe is bounded by the probe
// timeout, which is shorter than the interval.
func (m *Monitor) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, node := range m.registry.Nodes() {
		wg.Add(1)
		go func(n Node) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
			defer cancel()
			err := m.prober.Probe(pctx, n)
			m.record(n.ID, err)
		}(node)
	}
	wg.Wait()
}

// record applies one probe result to the node's debounced state.
func (m *Monitor) record(id string, probeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok {
		return
	}

	if probeErr == nil {
		m.metrics.ProbesTotal.WithLabelValues(id, "ok").Inc()
		st.failures = 0
		st.lastSeen = time.Now()
		if st.health != HealthOnline {
			m.logger.Info().Str("node", id).Str("was", st.health.String()).Msg("node online")
			st.health = HealthOnline
		}
		m.metrics.NodeOnline.WithLabelValues(id).Set(1)
		return
	}

	m.metrics.ProbesTotal.WithLabelValues(id, "error").Inc()
	st.failures++
	if st.health == HealthOffline {
		return
	}
	if st.failures >= m.cfg.OfflineThreshold {
		m.logger.Warn().Str("node", id).Int("failures", st.failures).
			Err(probeErr).Msg("node offline")
		st.health = HealthOffline
		m.metrics.NodeOnline.WithLabelValues(id).Set(0)
	}
}

// Online reports whether a node is currently known to be online.
func (m *Monitor) Online(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	return ok && st.health == HealthOnline
}

// HealthOf returns the current health state of a node.
func (m *Monitor) HealthOf(id string) Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return HealthUnknown
	}
	return st.health
}

// Snapshot returns the online flag for every registered node, the
// payload of the status endpoint.
func (m *Monitor) Snapshot() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]bool, len(m.states))
	for id, st := range m.states {
		out[id] = st.health == HealthOnline
	}
	return out
}

// LastSeen returns the time of the last successful probe of a node.
func (m *Monitor) LastSeen(id string) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return time.Time{}
	}
	return st.lastSeen
}
