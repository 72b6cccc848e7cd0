package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// State file names under the coordinator data directory. The
// directory and the reconciliation queue share one snapshot so a
// crash can never separate a tombstone from its pending deletions.
const (
	stateFile = "metadata.json"
	oplogFile = "operations.json"
)

// coordinatorState is the persisted shape of the metadata file.
type coordinatorState struct {
	Files      []*FileRecord   `json:"files"`
	Tombstones []*FileRecord   `json:"tombstones"`
	Pending    []pendingDelete `json:"pending_deletes"`
}

// syncedWriteFile writes data through a temp file and renames it into
// place so a crash never leaves a torn state file behind. The fsync
// is skipped under BLOCKGRID_TEST to keep the test suite fast.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if os.Getenv("BLOCKGRID_TEST") == "" {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("sync temp file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// saveJSON persists v as indented JSON.
func saveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return syncedWriteFile(path, data, 0644)
}

// loadJSON loads path into target. A missing file is not an error;
// the target keeps its zero value.
func loadJSON(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
