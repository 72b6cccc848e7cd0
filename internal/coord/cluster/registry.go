// Package cluster tracks the static storage node membership, per-node
// health state, and the HTTP client used to reach node daemons.
package cluster

import (
	"fmt"
	"sort"
)

// Node is one configured storage node.
type Node struct {
	ID       string
	Address  string // host:port of the node daemon
	Capacity int64  // declared capacity in bytes
}

// Registry is the static node membership. Nodes are configured at
// startup and never join or leave at runtime.
type Registry struct {
	nodes map[string]Node
	order []string // node IDs sorted for deterministic iteration
}

// NewRegistry builds a registry from the configured nodes.
func NewRegistry(nodes []Node) (*Registry, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no nodes configured")
	}

	r := &Registry{nodes: make(map[string]Node, len(nodes))}
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node with empty id")
		}
		if _, ok := r.nodes[n.ID]; ok {
			return nil, fmt.Errorf("duplicate node id: %s", n.ID)
		}
		r.nodes[n.ID] = n
		r.order = append(r.order, n.ID)
	}
	sort.Strings(r.order)
	return r, nil
}

// Get returns the node with the given ID.
func (r *Registry) Get(id string) (Node, bool) {
	n, ok := r.nodes[id]
	return n, ok
}

// IDs returns all node IDs in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Nodes returns all nodes sorted by ID.
func (r *Registry) Nodes() []Node {
	out := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id])
	}
	return out
}

// Capacity returns the declared capacity of a node in bytes, or 0 for
// an unknown node.
func (r *Registry) Capacity(id string) int64 {
	return r.nodes[id].Capacity
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	return len(r.nodes)
}
