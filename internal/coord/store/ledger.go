package store

import (
	"fmt"
	"sync"
)

// NodeInfo is the slice of registry state the store core needs: a
// node's identity and its declared capacity in bytes.
type NodeInfo struct {
	ID       string
	Capacity int64
}

// NodeUsage is one node's ledger snapshot.
type NodeUsage struct {
	Capacity int64
	Used     int64 // committed bytes, both roles
	Reserved int64 // held by in-flight uploads
}

// Free returns the bytes still open for new reservations.
func (u NodeUsage) Free() int64 {
	free := u.Capacity - u.Used - u.Reserved
	if free < 0 {
		return 0
	}
	return free
}

// account tracks one node's committed usage and in-flight
// reservations under its own lock.
type account struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	reserved int64
}

// Ledger tracks bytes consumed per node, counting both the primary
// and replica role of every committed block. Uploads reserve space
// while blocks are in flight and convert the reservation to usage at
// commit, so concurrent uploads cannot oversubscribe a node.
//
// The account set is fixed at construction; each node has its own
// lock so traffic on one node never contends with another.
type Ledger struct {
	accounts map[string]*account
}

// NewLedger creates a ledger with one zeroed account per node.
func NewLedger(nodes []NodeInfo) *Ledger {
	accounts := make(map[string]*account, len(nodes))
	for _, n := range nodes {
		accounts[n.ID] = &account{capacity: n.Capacity}
	}
	return &Ledger{accounts: accounts}
}

func (l *Ledger) account(nodeID string) (*account, error) {
	acct, ok := l.accounts[nodeID]
	if !ok {
		return nil, fmt.Errorf("ledger: unknown node %q", nodeID)
	}
	return acct, nil
}

// TryReserve holds n bytes on a node for an in-flight block write.
// It fails when the node cannot fit the bytes on top of its committed
// and already-reserved load.
func (l *Ledger) TryReserve(nodeID string, n int64) bool {
	acct, err := l.account(nodeID)
	if err != nil {
		return false
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.used+acct.reserved+n > acct.capacity {
		return false
	}
	acct.reserved += n
	return true
}

// Commit converts a reservation into committed usage.
func (l *Ledger) Commit(nodeID string, n int64) {
	acct, err := l.account(nodeID)
	if err != nil {
		return
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.reserved -= n
	if acct.reserved < 0 {
		acct.reserved = 0
	}
	acct.used += n
}

// Release drops a reservation without committing it (upload rollback).
func (l *Ledger) Release(nodeID string, n int64) {
	acct, err := l.account(nodeID)
	if err != nil {
		return
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.reserved -= n
	if acct.reserved < 0 {
		acct.reserved = 0
	}
}

// ReleaseUsed returns committed bytes to the pool (file deletion).
// Usage never goes negative; the ledger is the accounting source of
// truth and a would-be underflow is clamped.
func (l *Ledger) ReleaseUsed(nodeID string, n int64) {
	acct, err := l.account(nodeID)
	if err != nil {
		return
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.used -= n
	if acct.used < 0 {
		acct.used = 0
	}
}

// AddUsed records committed bytes directly, used when rebuilding the
// ledger from the persisted directory at startup.
func (l *Ledger) AddUsed(nodeID string, n int64) {
	acct, err := l.account(nodeID)
	if err != nil {
		return
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.used += n
}

// Usage returns one node's snapshot.
func (l *Ledger) Usage(nodeID string) (NodeUsage, bool) {
	acct, err := l.account(nodeID)
	if err != nil {
		return NodeUsage{}, false
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	return NodeUsage{Capacity: acct.capacity, Used: acct.used, Reserved: acct.reserved}, true
}

// Snapshot returns every node's usage keyed by node ID.
func (l *Ledger) Snapshot() map[string]NodeUsage {
	out := make(map[string]NodeUsage, len(l.accounts))
	for id, acct := range l.accounts {
		acct.mu.Lock()
		out[id] = NodeUsage{Capacity: acct.capacity, Used: acct.used, Reserved: acct.reserved}
		acct.mu.Unlock()
	}
	return out
}
