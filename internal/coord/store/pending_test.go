package store

import (
	"testing"
)

func TestReconcileQueueEnqueueAndResolve(t *testing.T) {
	q := newReconcileQueue(nil)

	q.enqueue("aaa111bbb222", "aaa111bbb222_block_0", "node-a", "node-b")
	q.enqueue("aaa111bbb222", "aaa111bbb222_block_1", "node-b", "node-c")
	if q.len() != 4 {
		t.Fatalf("len = %d, want 4", q.len())
	}
	if !q.hasFile("aaa111bbb222") {
		t.Fatal("hasFile = false for enqueued file")
	}

	if done := q.resolve("aaa111bbb222", "aaa111bbb222_block_0", "node-a"); done {
		t.Fatal("file reported done with three copies outstanding")
	}
	if done := q.resolve("aaa111bbb222", "aaa111bbb222_block_0", "node-b"); done {
		t.Fatal("file reported done with two copies outstanding")
	}
	if done := q.resolve("aaa111bbb222", "aaa111bbb222_block_1", "node-b"); done {
		t.Fatal("file reported done with one copy outstanding")
	}
	if done := q.resolve("aaa111bbb222", "aaa111bbb222_block_1", "node-c"); !done {
		t.Fatal("last resolve did not report the file done")
	}
	if q.hasFile("aaa111bbb222") {
		t.Fatal("hasFile = true after full reconciliation")
	}
}

func TestReconcileQueueDeduplicates(t *testing.T) {
	q := newReconcileQueue(nil)

	q.enqueue("aaa111bbb222", "aaa111bbb222_block_0", "node-a")
	q.fail("aaa111bbb222_block_0", "node-a")
	q.enqueue("aaa111bbb222", "aaa111bbb222_block_0", "node-a")

	entries := q.snapshot()
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	// The original entry with its attempt count survives.
	if entries[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", entries[0].Attempts)
	}
}

func TestReconcileQueueSnapshotRebuild(t *testing.T) {
	q := newReconcileQueue(nil)
	q.enqueue("aaa111bbb222", "aaa111bbb222_block_0", "node-a", "node-b")
	q.fail("aaa111bbb222_block_0", "node-b")

	rebuilt := newReconcileQueue(q.snapshot())
	if rebuilt.len() != 2 {
		t.Fatalf("rebuilt len = %d, want 2", rebuilt.len())
	}
	if !rebuilt.hasFile("aaa111bbb222") {
		t.Fatal("rebuilt queue lost the file")
	}
	var attempts int
	for _, e := range rebuilt.snapshot() {
		if e.NodeID == "node-b" {
			attempts = e.Attempts
		}
	}
	if attempts != 1 {
		t.Fatalf("attempt count lost in rebuild: %d", attempts)
	}
}

func TestReconcileQueueWakeDoesNotBlock(t *testing.T) {
	q := newReconcileQueue(nil)

	// No reader on the signal channel; repeated wakes must not block.
	for i := 0; i < 10; i++ {
		q.wake()
	}
	select {
	case <-q.signal:
	default:
		t.Fatal("signal channel empty after wake")
	}
}
