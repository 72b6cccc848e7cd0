package store

import (
	"sort"
	"sync"
	"time"
)

// pendingDelete is one block copy whose physical deletion is still
// owed to a node.
type pendingDelete struct {
	FileID     string    `json:"file_id"`
	BlockID    string    `json:"block_id"`
	NodeID     string    `json:"node_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

func pendingKey(blockID, nodeID string) string {
	return blockID + "\x00" + nodeID
}

// reconcileQueue tracks block deletions not yet confirmed by the
// owning node. The store snapshots it into the coordinator state file
// alongside the directory, so the backlog survives restarts and
// copies on an offline node are reclaimed when it returns.
type reconcileQueue struct {
	mu      sync.Mutex
	entries map[string]*pendingDelete
	signal  chan struct{}
}

func newReconcileQueue(saved []pendingDelete) *reconcileQueue {
	q := &reconcileQueue{
		entries: make(map[string]*pendingDelete, len(saved)),
		signal:  make(chan struct{}, 1),
	}
	for i := range saved {
		e := saved[i]
		q.entries[pendingKey(e.BlockID, e.NodeID)] = &e
	}
	return q
}

// enqueue records deletions owed for one block. Re-enqueueing an
// outstanding copy collapses onto the existing entry.
func (q *reconcileQueue) enqueue(fileID, blockID string, nodes ...string) {
	q.mu.Lock()
	for _, node := range nodes {
		key := pendingKey(blockID, node)
		if _, ok := q.entries[key]; ok {
			continue
		}
		q.entries[key] = &pendingDelete{
			FileID:     fileID,
			BlockID:    blockID,
			NodeID:     node,
			EnqueuedAt: time.Now().UTC(),
		}
	}
	q.mu.Unlock()
	q.wake()
}

// wake nudges the drain worker without blocking.
func (q *reconcileQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// snapshot returns a copy of the outstanding entries, oldest first.
func (q *reconcileQueue) snapshot() []pendingDelete {
	q.mu.Lock()
	out := make([]pendingDelete, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return pendingKey(out[i].BlockID, out[i].NodeID) < pendingKey(out[j].BlockID, out[j].NodeID)
	})
	return out
}

// resolve drops a confirmed deletion and reports whether that was the
// file's last outstanding copy. At most one caller observes true per
// file, so the purge of the tombstone runs exactly once.
func (q *reconcileQueue) resolve(fileID, blockID, nodeID string) (fileDone bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, pendingKey(blockID, nodeID))
	for _, other := range q.entries {
		if other.FileID == fileID {
			return false
		}
	}
	return true
}

// fail counts a delivery attempt that did not get through.
func (q *reconcileQueue) fail(blockID, nodeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[pendingKey(blockID, nodeID)]; ok {
		e.Attempts++
	}
}

// hasFile reports whether any copy of the file is still outstanding.
func (q *reconcileQueue) hasFile(fileID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.FileID == fileID {
			return true
		}
	}
	return false
}

func (q *reconcileQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
