package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockgrid/blockgrid/pkg/proto"
	"github.com/blockgrid/blockgrid/testutil"
)

func newTestClient(t *testing.T, srvURL string) *Client {
	t.Helper()
	addr := strings.TrimPrefix(srvURL, "http://")
	reg, err := NewRegistry([]Node{{ID: "node-1", Address: addr, Capacity: 1 << 30}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return NewClient(reg, ClientConfig{Timeout: 2 * time.Second}, zerolog.Nop())
}

func TestClientStoreBlock(t *testing.T) {
	data := testutil.Payload(1, 2048)
	hash := testutil.HashOf(data)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if r.URL.Path != "/v1/blocks/f1_block_0" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get(proto.BlockHashHeader); got != hash {
			t.Errorf("expected hash header %s, got %s", hash, got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != string(data) {
			t.Error("body does not match uploaded block")
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(proto.OKResponse{Status: proto.StatusOK})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.StoreBlock(context.Background(), "node-1", "f1_block_0", data, hash); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientStoreBlockRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
			Status:  proto.StatusError,
			Message: "hash mismatch",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.StoreBlock(context.Background(), "node-1", "f1_block_0", []byte("x"), "bogus")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Errorf("expected node message in error, got: %v", err)
	}
}

func TestClientStoreBlockUnknownNode(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.StoreBlock(context.Background(), "node-9", "b", []byte("x"), "h")
	if !errors.Is(err, ErrNodeUnknown) {
		t.Errorf("expected ErrNodeUnknown, got: %v", err)
	}
}

func TestClientStoreBlockRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	reg, err := NewRegistry([]Node{{ID: "node-1", Address: addr, Capacity: 1 << 30}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := NewClient(reg, ClientConfig{Timeout: 2 * time.Second, TransferRate: 1 << 30}, zerolog.Nop())

	data := testutil.Payload(2, 4096)
	if err := c.StoreBlock(context.Background(), "node-1", "b", data, testutil.HashOf(data)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientFetchBlock(t *testing.T) {
	data := testutil.Payload(3, 1024)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/v1/blocks/f2_block_1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set(proto.BlockHashHeader, testutil.HashOf(data))
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	got, err := c.FetchBlock(context.Background(), "node-1", "f2_block_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(data) {
		t.Error("fetched block does not match stored data")
	}
}

func TestClientFetchBlockNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
			Status:  proto.StatusError,
			Message: "block not found",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.FetchBlock(context.Background(), "node-1", "missing")
	if !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound, got: %v", err)
	}
}

func TestClientDeleteBlock(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    bool
	}{
		{"Deleted", http.StatusOK, false},
		{"AlreadyGone", http.StatusNotFound, false},
		{"ServerError", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete {
					t.Errorf("expected DELETE, got %s", r.Method)
				}
				w.WriteHeader(tt.statusCode)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			err := c.DeleteBlock(context.Background(), "node-1", "b")
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestClientProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(proto.NodeHealth{
			Status: proto.StatusOK,
			NodeID: "node-1",
		})
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	c := newTestClient(t, srv.URL)
	node := Node{ID: "node-1", Address: addr}

	if err := c.Probe(context.Background(), node); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientProbeIdentityMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(proto.NodeHealth{
			Status: proto.StatusOK,
			NodeID: "node-7",
		})
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	c := newTestClient(t, srv.URL)

	err := c.Probe(context.Background(), Node{ID: "node-1", Address: addr})
	if err == nil {
		t.Fatal("expected identity mismatch error")
	}
}

func TestClientProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c := newTestClient(t, "http://"+addr)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := c.Probe(ctx, Node{ID: "node-1", Address: addr}); err == nil {
		t.Fatal("expected error probing closed server")
	}
}

func TestClientStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/stats" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(proto.NodeStats{
			Status:        proto.StatusOK,
			NodeID:        "node-1",
			Blocks:        4,
			LogicalBytes:  4 << 20,
			PhysicalBytes: 1 << 20,
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	stats, err := c.Stats(context.Background(), "node-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Blocks != 4 {
		t.Errorf("expected 4 blocks, got %d", stats.Blocks)
	}
	if stats.LogicalBytes != 4<<20 {
		t.Errorf("expected logical bytes %d, got %d", 4<<20, stats.LogicalBytes)
	}
}
