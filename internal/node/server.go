package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockgrid/blockgrid/pkg/proto"
)

// maxBlockBody caps a single block upload. The coordinator chunks
// files into 1 MiB blocks by default; 64 MiB leaves generous headroom
// for larger configured block sizes.
const maxBlockBody = 64 << 20

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Note: Not thread-safe. Must only be used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Server exposes one BlockStore over the block protocol:
//
//	GET    /v1/health      liveness and identity
//	GET    /v1/stats       block and byte counters
//	PUT    /v1/blocks/{id} store a block (X-Block-Hash verified)
//	GET    /v1/blocks/{id} fetch a block
//	DELETE /v1/blocks/{id} drop a block (404 when absent)
type Server struct {
	nodeID  string
	store   *BlockStore
	mux     *http.ServeMux
	logger  zerolog.Logger
	metrics *Metrics
}

// NewServer creates the HTTP front for a block store.
func NewServer(nodeID string, store *BlockStore, logger zerolog.Logger) *Server {
	s := &Server{
		nodeID:  nodeID,
		store:   store,
		mux:     http.NewServeMux(),
		logger:  logger.With().Str("component", "node-server").Logger(),
		metrics: InitMetrics(nil),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/v1/health", s.handleHealth)
	s.mux.HandleFunc("/v1/stats", s.handleStats)
	s.mux.HandleFunc("/v1/blocks/", s.handleBlock)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w}
	start := time.Now()

	s.mux.ServeHTTP(rec, r)

	s.logger.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.getStatus()).
		Dur("duration", time.Since(start)).
		Msg("request")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	blocks, logical, _ := s.store.Stats()
	s.writeJSON(w, http.StatusOK, proto.NodeHealth{
		Status:    proto.StatusOK,
		NodeID:    s.nodeID,
		Blocks:    blocks,
		BytesUsed: logical,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	blocks, logical, physical := s.store.Stats()
	s.writeJSON(w, http.StatusOK, proto.NodeStats{
		Status:        proto.StatusOK,
		NodeID:        s.nodeID,
		Blocks:        blocks,
		LogicalBytes:  logical,
		PhysicalBytes: physical,
	})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	blockID := strings.TrimPrefix(r.URL.Path, "/v1/blocks/")
	if blockID == "" || strings.Contains(blockID, "/") {
		s.jsonError(w, "block id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.putBlock(w, r, blockID)
	case http.MethodGet:
		s.getBlock(w, r, blockID)
	case http.MethodDelete:
		s.deleteBlock(w, r, blockID)
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) putBlock(w http.ResponseWriter, r *http.Request, blockID string) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		s.metrics.RequestsTotal.WithLabelValues("put", classifyStatus(rec.getStatus())).Inc()
		s.metrics.RequestDuration.WithLabelValues("put").Observe(time.Since(start).Seconds())
	}()

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBlockBody+1))
	if err != nil {
		s.jsonError(rec, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) > maxBlockBody {
		s.jsonError(rec, fmt.Sprintf("block exceeds %d bytes", maxBlockBody), http.StatusRequestEntityTooLarge)
		return
	}

	declared := r.Header.Get(proto.BlockHashHeader)
	hash, err := s.store.WriteBlock(blockID, data, declared)
	if err != nil {
		switch {
		case errors.Is(err, ErrBadBlockID):
			s.jsonError(rec, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrHashMismatch):
			s.jsonError(rec, err.Error(), http.StatusBadRequest)
		default:
			s.jsonError(rec, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	rec.Header().Set(proto.BlockHashHeader, hash)
	s.writeJSON(rec, http.StatusCreated, proto.OKResponse{Status: proto.StatusOK})
}

func (s *Server) getBlock(w http.ResponseWriter, r *http.Request, blockID string) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		s.metrics.RequestsTotal.WithLabelValues("get", classifyStatus(rec.getStatus())).Inc()
		s.metrics.RequestDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	}()

	data, hash, err := s.store.ReadBlock(blockID)
	if err != nil {
		switch {
		case errors.Is(err, ErrBlockMissing):
			s.jsonError(rec, "block not found", http.StatusNotFound)
		case errors.Is(err, ErrBadBlockID):
			s.jsonError(rec, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrHashMismatch):
			// Stored content is corrupt. Reporting 502 lets the
			// coordinator fall back to the other replica.
			s.jsonError(rec, err.Error(), http.StatusBadGateway)
		default:
			s.jsonError(rec, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	rec.Header().Set("Content-Type", "application/octet-stream")
	rec.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	rec.Header().Set(proto.BlockHashHeader, hash)
	rec.WriteHeader(http.StatusOK)
	if _, err := rec.Write(data); err != nil {
		s.logger.Error().Err(err).Str("block", blockID).Msg("failed to stream block")
	}
}

func (s *Server) deleteBlock(w http.ResponseWriter, r *http.Request, blockID string) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		s.metrics.RequestsTotal.WithLabelValues("delete", classifyStatus(rec.getStatus())).Inc()
		s.metrics.RequestDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	}()

	if err := s.store.DeleteBlock(blockID); err != nil {
		switch {
		case errors.Is(err, ErrBlockMissing):
			s.jsonError(rec, "block not found", http.StatusNotFound)
		case errors.Is(err, ErrBadBlockID):
			s.jsonError(rec, err.Error(), http.StatusBadRequest)
		default:
			s.jsonError(rec, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(rec, http.StatusOK, proto.OKResponse{Status: proto.StatusOK})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Status:  proto.StatusError,
		Message: message,
	})
}

func classifyStatus(httpStatus int) string {
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	default:
		return "error"
	}
}
