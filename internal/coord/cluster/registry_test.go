package cluster

import (
	"testing"
)

func testNodes() []Node {
	return []Node{
		{ID: "node-2", Address: "127.0.0.1:8082", Capacity: 50 << 20},
		{ID: "node-1", Address: "127.0.0.1:8081", Capacity: 70 << 20},
		{ID: "node-3", Address: "127.0.0.1:8083", Capacity: 100 << 20},
	}
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(testNodes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reg.Len() != 3 {
		t.Errorf("expected 3 nodes, got %d", reg.Len())
	}
}

func TestNewRegistryRejectsEmpty(t *testing.T) {
	if _, err := NewRegistry(nil); err == nil {
		t.Fatal("expected error for empty node list")
	}
}

func TestNewRegistryRejectsDuplicateID(t *testing.T) {
	nodes := []Node{
		{ID: "node-1", Address: "127.0.0.1:8081", Capacity: 1 << 20},
		{ID: "node-1", Address: "127.0.0.1:8082", Capacity: 1 << 20},
	}

	if _, err := NewRegistry(nodes); err == nil {
		t.Fatal("expected error for duplicate node ID")
	}
}

func TestRegistryGet(t *testing.T) {
	reg, err := NewRegistry(testNodes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	node, ok := reg.Get("node-2")
	if !ok {
		t.Fatal("expected node-2 to be present")
	}
	if node.Address != "127.0.0.1:8082" {
		t.Errorf("expected address 127.0.0.1:8082, got %s", node.Address)
	}
	if node.Capacity != 50<<20 {
		t.Errorf("expected capacity %d, got %d", 50<<20, node.Capacity)
	}

	if _, ok := reg.Get("node-9"); ok {
		t.Error("expected node-9 to be absent")
	}
}

func TestRegistryIDsSorted(t *testing.T) {
	reg, err := NewRegistry(testNodes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids := reg.IDs()
	want := []string{"node-1", "node-2", "node-3"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d IDs, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], ids[i])
		}
	}
}

func TestRegistryNodesSorted(t *testing.T) {
	reg, err := NewRegistry(testNodes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	nodes := reg.Nodes()
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(nodes))
	}
	for i, want := range []string{"node-1", "node-2", "node-3"} {
		if nodes[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, nodes[i].ID)
		}
	}
}

func TestRegistryCapacity(t *testing.T) {
	reg, err := NewRegistry(testNodes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := reg.Capacity("node-3"); got != 100<<20 {
		t.Errorf("expected %d, got %d", 100<<20, got)
	}
	if got := reg.Capacity("node-9"); got != 0 {
		t.Errorf("expected 0 for unknown node, got %d", got)
	}
}
