package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeProber fails probes for the node IDs marked down.
type fakeProber struct {
	mu   sync.Mutex
	down map[string]bool
}

func (f *fakeProber) Probe(_ context.Context, node Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[node.ID] {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeProber) setDown(id string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down == nil {
		f.down = make(map[string]bool)
	}
	f.down[id] = down
}

func newTestMonitor(t *testing.T, prober Prober) *Monitor {
	t.Helper()
	reg, err := NewRegistry(testNodes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := MonitorConfig{
		Interval:         50 * time.Millisecond,
		Timeout:          20 * time.Millisecond,
		OfflineThreshold: 3,
	}
	return NewMonitor(reg, prober, cfg, zerolog.Nop())
}

func TestMonitorStartsUnknown(t *testing.T) {
	m := newTestMonitor(t, &fakeProber{})

	if m.Online("node-1") {
		t.Error("expected node-1 to not be online before any probe")
	}
	if got := m.HealthOf("node-1"); got != HealthUnknown {
		t.Errorf("expected unknown, got %s", got)
	}

	snap := m.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	for id, online := range snap {
		if online {
			t.Errorf("expected %s offline in snapshot before probing", id)
		}
	}
}

func TestMonitorOnlineAfterOneSuccess(t *testing.T) {
	m := newTestMonitor(t, &fakeProber{})

	m.probeAll(context.Background())

	for _, id := range []string{"node-1", "node-2", "node-3"} {
		if !m.Online(id) {
			t.Errorf("expected %s online after successful probe", id)
		}
	}
	if m.LastSeen("node-1").IsZero() {
		t.Error("expected lastSeen to be set after successful probe")
	}
}

func TestMonitorOfflineNeedsConsecutiveFailures(t *testing.T) {
	prober := &fakeProber{}
	m := newTestMonitor(t, prober)

	ctx := context.Background()
	m.probeAll(ctx)
	if !m.Online("node-2") {
		t.Fatal("expected node-2 online")
	}

	prober.setDown("node-2", true)

	// Two failures stay below the threshold of three.
	m.probeAll(ctx)
	m.probeAll(ctx)
	if !m.Online("node-2") {
		t.Error("expected node-2 still online after 2 failures")
	}

	m.probeAll(ctx)
	if m.Online("node-2") {
		t.Error("expected node-2 offline after 3 consecutive failures")
	}
	if got := m.HealthOf("node-2"); got != HealthOffline {
		t.Errorf("expected offline, got %s", got)
	}

	// The other nodes are unaffected.
	if !m.Online("node-1") || !m.Online("node-3") {
		t.Error("expected other nodes to remain online")
	}
}

func TestMonitorSingleSuccessResets(t *testing.T) {
	prober := &fakeProber{}
	m := newTestMonitor(t, prober)
	ctx := context.Background()

	prober.setDown("node-1", true)
	m.probeAll(ctx)
	m.probeAll(ctx)
	m.probeAll(ctx)
	if m.Online("node-1") {
		t.Fatal("expected node-1 offline")
	}

	prober.setDown("node-1", false)
	m.probeAll(ctx)
	if !m.Online("node-1") {
		t.Error("expected node-1 online after a single successful probe")
	}
}

func TestMonitorFailureCounterResetOnSuccess(t *testing.T) {
	prober := &fakeProber{}
	m := newTestMonitor(t, prober)
	ctx := context.Background()

	m.probeAll(ctx)

	// Two failures, then a success, then two more failures: the node
	// never crosses the threshold.
	prober.setDown("node-3", true)
	m.probeAll(ctx)
	m.probeAll(ctx)
	prober.setDown("node-3", false)
	m.probeAll(ctx)
	prober.setDown("node-3", true)
	m.probeAll(ctx)
	m.probeAll(ctx)

	if !m.Online("node-3") {
		t.Error("expected node-3 online, failures were not consecutive")
	}
}

func TestMonitorStartStop(t *testing.T) {
	m := newTestMonitor(t, &fakeProber{})
	m.Start()
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for !m.Online("node-1") {
		select {
		case <-deadline:
			t.Fatal("node-1 never came online")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMonitorSnapshotAfterMixedRound(t *testing.T) {
	prober := &fakeProber{}
	m := newTestMonitor(t, prober)
	ctx := context.Background()

	prober.setDown("node-2", true)
	m.probeAll(ctx)
	m.probeAll(ctx)
	m.probeAll(ctx)

	snap := m.Snapshot()
	if !snap["node-1"] || !snap["node-3"] {
		t.Error("expected node-1 and node-3 online")
	}
	if snap["node-2"] {
		t.Error("expected node-2 offline")
	}
}
