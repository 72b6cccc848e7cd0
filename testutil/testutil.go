// Package testutil provides shared test utilities for blockgrid tests.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// TempDir creates a scratch directory and returns it together with a
// cleanup function for the caller to defer.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "blockgrid-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	return dir, cleanup
}

// TempFile writes content to name under dir and returns the full path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// Payload returns n deterministic pseudo-random bytes. The same seed
// always produces the same bytes, so round-trip tests can regenerate
// expected content instead of holding it.
func Payload(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	_, _ = r.Read(data)
	return data
}

// HashOf returns the SHA-256 hex digest of data, the block hash format
// used throughout blockgrid.
func HashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
