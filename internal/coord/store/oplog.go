package store

import (
	"sync"

	"github.com/blockgrid/blockgrid/pkg/proto"
)

// Operation names recorded in the log.
const (
	opUpload = "upload"
	opDelete = "delete"
)

// opLogLimit caps the retained history.
const opLogLimit = 200

// opLog is the persisted history of completed uploads and deletes.
type opLog struct {
	mu   sync.Mutex
	path string
	ops  []proto.OperationRecord
}

func newOpLog(path string) (*opLog, error) {
	l := &opLog{path: path}
	if err := loadJSON(path, &l.ops); err != nil {
		return nil, err
	}
	return l, nil
}

// record appends an operation and persists the trimmed history.
func (l *opLog) record(op proto.OperationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
	if len(l.ops) > opLogLimit {
		l.ops = append([]proto.OperationRecord(nil), l.ops[len(l.ops)-opLogLimit:]...)
	}
	return saveJSON(l.path, l.ops)
}

// recent returns the history, newest first.
func (l *opLog) recent() []proto.OperationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]proto.OperationRecord, len(l.ops))
	for i, op := range l.ops {
		out[len(l.ops)-1-i] = op
	}
	return out
}
