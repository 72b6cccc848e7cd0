package store

import (
	"errors"
	"sync"
	"testing"
)

// fakeHealth is a HealthView for tests. Nodes default to online.
type fakeHealth struct {
	mu      sync.Mutex
	nodes   []string
	offline map[string]bool
}

func newFakeHealth(nodes ...string) *fakeHealth {
	return &fakeHealth{nodes: nodes, offline: make(map[string]bool)}
}

func (f *fakeHealth) setOnline(id string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline[id] = !online
}

func (f *fakeHealth) Online(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline[id]
}

func (f *fakeHealth) Snapshot() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.nodes))
	for _, id := range f.nodes {
		out[id] = !f.offline[id]
	}
	return out
}

func plannerNodes() []NodeInfo {
	return []NodeInfo{
		{ID: "node-a", Capacity: 100},
		{ID: "node-b", Capacity: 100},
		{ID: "node-c", Capacity: 100},
	}
}

func TestPlannerPicksLeastLoaded(t *testing.T) {
	nodes := plannerNodes()
	ledger := NewLedger(nodes)
	ledger.AddUsed("node-a", 50)
	ledger.AddUsed("node-b", 10)
	ledger.AddUsed("node-c", 30)
	p := NewPlanner(ledger, newFakeHealth("node-a", "node-b", "node-c"), nodes)

	pl, err := p.PlanBlock(5, nil)
	if err != nil {
		t.Fatalf("PlanBlock: %v", err)
	}
	if pl.Primary != "node-b" || pl.Replica != "node-c" {
		t.Fatalf("placement = %+v, want primary node-b replica node-c", pl)
	}

	u, _ := ledger.Usage("node-b")
	if u.Reserved != 5 {
		t.Fatalf("node-b reserved = %d, want 5", u.Reserved)
	}
	u, _ = ledger.Usage("node-c")
	if u.Reserved != 5 {
		t.Fatalf("node-c reserved = %d, want 5", u.Reserved)
	}
}

func TestPlannerTieBreaksByNodeID(t *testing.T) {
	nodes := plannerNodes()
	ledger := NewLedger(nodes)
	p := NewPlanner(ledger, newFakeHealth("node-a", "node-b", "node-c"), nodes)

	pl, err := p.PlanBlock(10, nil)
	if err != nil {
		t.Fatalf("PlanBlock: %v", err)
	}
	if pl.Primary != "node-a" || pl.Replica != "node-b" {
		t.Fatalf("placement = %+v, want primary node-a replica node-b", pl)
	}
}

func TestPlannerSkipsOfflineNodes(t *testing.T) {
	nodes := plannerNodes()
	ledger := NewLedger(nodes)
	health := newFakeHealth("node-a", "node-b", "node-c")
	health.setOnline("node-a", false)
	p := NewPlanner(ledger, health, nodes)

	pl, err := p.PlanBlock(10, nil)
	if err != nil {
		t.Fatalf("PlanBlock: %v", err)
	}
	if pl.Primary == "node-a" || pl.Replica == "node-a" {
		t.Fatalf("offline node placed: %+v", pl)
	}
}

func TestPlannerHonorsExclusions(t *testing.T) {
	nodes := plannerNodes()
	ledger := NewLedger(nodes)
	p := NewPlanner(ledger, newFakeHealth("node-a", "node-b", "node-c"), nodes)

	pl, err := p.PlanBlock(10, map[string]bool{"node-a": true})
	if err != nil {
		t.Fatalf("PlanBlock: %v", err)
	}
	if pl.Primary != "node-b" || pl.Replica != "node-c" {
		t.Fatalf("placement = %+v, want primary node-b replica node-c", pl)
	}
}

func TestPlannerRequiresTwoOnlineNodes(t *testing.T) {
	nodes := plannerNodes()
	ledger := NewLedger(nodes)
	health := newFakeHealth("node-a", "node-b", "node-c")
	health.setOnline("node-b", false)
	health.setOnline("node-c", false)
	p := NewPlanner(ledger, health, nodes)

	_, err := p.PlanBlock(10, nil)
	if !errors.Is(err, ErrInsufficientReplicas) {
		t.Fatalf("err = %v, want ErrInsufficientReplicas", err)
	}
}

func TestPlannerRequiresTwoNodesWithSpace(t *testing.T) {
	nodes := []NodeInfo{
		{ID: "node-a", Capacity: 10},
		{ID: "node-b", Capacity: 10},
		{ID: "node-c", Capacity: 100},
	}
	ledger := NewLedger(nodes)
	p := NewPlanner(ledger, newFakeHealth("node-a", "node-b", "node-c"), nodes)

	_, err := p.PlanBlock(50, nil)
	if !errors.Is(err, ErrInsufficientReplicas) {
		t.Fatalf("err = %v, want ErrInsufficientReplicas", err)
	}
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		u, _ := ledger.Usage(id)
		if u.Reserved != 0 {
			t.Fatalf("node %s reserved = %d after failed plan, want 0", id, u.Reserved)
		}
	}
}

func TestPlanBlocksReleasesOnFailure(t *testing.T) {
	nodes := []NodeInfo{
		{ID: "node-a", Capacity: 10},
		{ID: "node-b", Capacity: 10},
	}
	ledger := NewLedger(nodes)
	p := NewPlanner(ledger, newFakeHealth("node-a", "node-b"), nodes)

	blocks := []Block{
		{Num: 0, Data: make([]byte, 4)},
		{Num: 1, Data: make([]byte, 4)},
		{Num: 2, Data: make([]byte, 4)},
	}
	_, err := p.PlanBlocks(blocks)
	if !errors.Is(err, ErrInsufficientReplicas) {
		t.Fatalf("err = %v, want ErrInsufficientReplicas", err)
	}
	for _, id := range []string{"node-a", "node-b"} {
		u, _ := ledger.Usage(id)
		if u.Reserved != 0 || u.Used != 0 {
			t.Fatalf("node %s usage = %+v after failed plan, want zero", id, u)
		}
	}
}

func TestPlanBlocksSpreadsLoad(t *testing.T) {
	nodes := plannerNodes()
	ledger := NewLedger(nodes)
	p := NewPlanner(ledger, newFakeHealth("node-a", "node-b", "node-c"), nodes)

	blocks := []Block{
		{Num: 0, Data: make([]byte, 10)},
		{Num: 1, Data: make([]byte, 10)},
		{Num: 2, Data: make([]byte, 10)},
	}
	placements, err := p.PlanBlocks(blocks)
	if err != nil {
		t.Fatalf("PlanBlocks: %v", err)
	}
	if len(placements) != 3 {
		t.Fatalf("got %d placements, want 3", len(placements))
	}

	copies := make(map[string]int)
	for _, pl := range placements {
		if pl.Primary == pl.Replica {
			t.Fatalf("primary and replica collide: %+v", pl)
		}
		copies[pl.Primary]++
		copies[pl.Replica]++
	}
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		if copies[id] != 2 {
			t.Fatalf("node %s holds %d copies, want 2", id, copies[id])
		}
	}
}

func TestPlannerCommitAndRelease(t *testing.T) {
	nodes := plannerNodes()
	ledger := NewLedger(nodes)
	p := NewPlanner(ledger, newFakeHealth("node-a", "node-b", "node-c"), nodes)

	pl, err := p.PlanBlock(20, nil)
	if err != nil {
		t.Fatalf("PlanBlock: %v", err)
	}

	p.CommitPlacement(pl, 20)
	u, _ := ledger.Usage(pl.Primary)
	if u.Used != 20 || u.Reserved != 0 {
		t.Fatalf("primary usage after commit = %+v, want used 20 reserved 0", u)
	}

	pl2, err := p.PlanBlock(20, nil)
	if err != nil {
		t.Fatalf("PlanBlock: %v", err)
	}
	p.ReleasePlacement(pl2, 20)
	u, _ = ledger.Usage(pl2.Primary)
	if u.Reserved != 0 {
		t.Fatalf("primary reserved after release = %d, want 0", u.Reserved)
	}
}
