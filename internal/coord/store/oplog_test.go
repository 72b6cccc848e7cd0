package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/blockgrid/blockgrid/pkg/proto"
	"github.com/blockgrid/blockgrid/testutil"
)

func TestOpLogRecordAndRecent(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "operations.json")
	l, err := newOpLog(path)
	if err != nil {
		t.Fatalf("newOpLog: %v", err)
	}

	if err := l.record(proto.OperationRecord{Op: opUpload, FileID: "aaa111bbb222", Filename: "a.txt"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.record(proto.OperationRecord{Op: opDelete, FileID: "aaa111bbb222", Filename: "a.txt"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	ops := l.recent()
	if len(ops) != 2 {
		t.Fatalf("got %d operations, want 2", len(ops))
	}
	if ops[0].Op != opDelete || ops[1].Op != opUpload {
		t.Fatalf("operations not newest first: %+v", ops)
	}
}

func TestOpLogSurvivesRestart(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "operations.json")
	l, err := newOpLog(path)
	if err != nil {
		t.Fatalf("newOpLog: %v", err)
	}
	if err := l.record(proto.OperationRecord{Op: opUpload, FileID: "aaa111bbb222", Filename: "a.txt", Size: 42}); err != nil {
		t.Fatalf("record: %v", err)
	}

	reopened, err := newOpLog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ops := reopened.recent()
	if len(ops) != 1 || ops[0].FileID != "aaa111bbb222" || ops[0].Size != 42 {
		t.Fatalf("history lost across restart: %+v", ops)
	}
}

func TestOpLogTrimsHistory(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "operations.json")
	l, err := newOpLog(path)
	if err != nil {
		t.Fatalf("newOpLog: %v", err)
	}

	for i := 0; i < opLogLimit+25; i++ {
		op := proto.OperationRecord{Op: opUpload, FileID: fmt.Sprintf("file%08d0000", i)}
		if err := l.record(op); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	ops := l.recent()
	if len(ops) != opLogLimit {
		t.Fatalf("retained %d operations, want %d", len(ops), opLogLimit)
	}
	// The newest entry survives the trim, the oldest does not.
	if ops[0].FileID != fmt.Sprintf("file%08d0000", opLogLimit+24) {
		t.Fatalf("newest entry = %q", ops[0].FileID)
	}
}
