// Package coord implements the coordination server for blockgrid. It
// owns the static node registry, the health monitor, and the block
// store, and exposes the dashboard-facing JSON API.
package coord

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blockgrid/blockgrid/internal/config"
	"github.com/blockgrid/blockgrid/internal/coord/cluster"
	"github.com/blockgrid/blockgrid/internal/coord/store"
	"github.com/blockgrid/blockgrid/internal/metrics"
	"github.com/blockgrid/blockgrid/pkg/proto"
)

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

// Server is the coordination server that fronts the storage node fleet.
type Server struct {
	cfg      *config.CoordConfig
	mux      *http.ServeMux
	registry *cluster.Registry
	monitor  *cluster.Monitor
	store    *store.Store
	metrics  *CoordMetrics
	version  string // server version for the health endpoint
}

// NewServer assembles a coordination server from its configuration:
// node registry, node client, health monitor, and block store. Start
// must be called to begin probing and deletion reconciliation.
func NewServer(cfg *config.CoordConfig) (*Server, error) {
	nodes := make([]cluster.Node, 0, len(cfg.Nodes))
	infos := make([]store.NodeInfo, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodes = append(nodes, cluster.Node{ID: n.ID, Address: n.Address, Capacity: int64(n.Capacity)})
		infos = append(infos, store.NodeInfo{ID: n.ID, Capacity: int64(n.Capacity)})
	}

	registry, err := cluster.NewRegistry(nodes)
	if err != nil {
		return nil, fmt.Errorf("build node registry: %w", err)
	}

	client := cluster.NewClient(registry, cluster.ClientConfig{
		Timeout:      cfg.RequestTimeoutDuration(),
		TransferRate: cfg.TransferRateBytes(),
	}, log.Logger)

	monitor := cluster.NewMonitor(registry, client, cluster.MonitorConfig{
		Interval:         cfg.ProbeIntervalDuration(),
		Timeout:          cfg.ProbeTimeoutDuration(),
		OfflineThreshold: cfg.OfflineThreshold,
	}, log.Logger)

	st, err := store.New(store.Config{
		DataDir:           cfg.DataDir,
		BlockSize:         int64(cfg.BlockSize),
		UploadConcurrency: cfg.UploadConcurrency,
		RequestTimeout:    cfg.RequestTimeoutDuration(),
		ReconcileInterval: cfg.ReconcileIntervalDuration(),
		Prefetch:          store.PrefetchConfig{Parallelism: cfg.FetchConcurrency},
	}, infos, client, monitor, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}

	srv := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		registry: registry,
		monitor:  monitor,
		store:    st,
		metrics:  InitCoordMetrics(nil),
	}
	srv.setupRoutes()
	return srv, nil
}

// SetVersion sets the server version reported on the health endpoint.
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Start launches the health monitor and the store's reconciliation
// worker. The first probe round runs immediately so placement has
// health data before the first upload arrives.
func (s *Server) Start() {
	s.monitor.Start()
	s.store.Start()
}

// Shutdown stops the probe and reconciliation workers. Pending
// deletions get one final bounded drain attempt.
func (s *Server) Shutdown() error {
	s.monitor.Stop()
	return s.store.Close()
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/api/distributed_files", s.instrument("files", s.handleFiles))
	s.mux.HandleFunc("/api/status", s.instrument("status", s.handleStatus))
	s.mux.HandleFunc("/api/system_stats", s.instrument("system_stats", s.handleSystemStats))
	s.mux.HandleFunc("/api/upload", s.instrument("upload", s.handleUpload))
	s.mux.HandleFunc("/api/download/", s.instrument("download", s.handleDownload))
	s.mux.HandleFunc("/api/view_distributed/", s.instrument("view", s.handleView))
	s.mux.HandleFunc("/api/delete_distributed/", s.instrument("delete", s.handleDelete))
	s.mux.HandleFunc("/api/file_attributes/", s.instrument("attributes", s.handleAttributes))
	s.mux.HandleFunc("/api/block_table", s.instrument("block_table", s.handleBlockTable))
	s.mux.HandleFunc("/api/operation_log", s.instrument("operation_log", s.handleOperationLog))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// instrument wraps a handler with request counting and debug logging.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		next(rec, r)

		status := rec.getStatus()
		s.metrics.RequestsTotal.WithLabelValues(endpoint, classifyStatus(status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("api request")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records := s.store.Files()
	files := make([]proto.FileEntry, 0, len(records))
	for _, rec := range records {
		files = append(files, proto.FileEntry{
			FileID:      rec.FileID,
			Filename:    rec.Filename,
			Size:        rec.Size,
			TotalBlocks: len(rec.Blocks),
			CreatedAt:   rec.CreatedAt.Format(proto.TimeFormat),
		})
	}

	s.writeJSON(w, http.StatusOK, proto.FilesResponse{Status: proto.StatusOK, Files: files})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.monitor.Snapshot()
	online := 0
	for _, up := range snapshot {
		if up {
			online++
		}
	}
	s.metrics.OnlineNodes.Set(float64(online))

	// The dashboard expects a bare node→bool map here, not an
	// enveloped response.
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	files, blocks := s.store.Counts()
	stats := proto.SystemStats{
		TotalFiles:    files,
		TotalBlocks:   blocks,
		NodeUsage:     make(map[string]float64),
		NodeCapacity:  make(map[string]float64),
		NodeFreeSpace: make(map[string]float64),
	}
	for id, u := range s.store.UsageSnapshot() {
		stats.NodeUsage[id] = toMB(u.Used)
		stats.NodeCapacity[id] = toMB(u.Capacity)
		stats.NodeFreeSpace[id] = toMB(u.Free())
	}

	s.writeJSON(w, http.StatusOK, proto.StatsResponse{Status: proto.StatusOK, Stats: stats})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.jsonError(w, "no file provided", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		s.jsonError(w, "filename required", http.StatusBadRequest)
		return
	}

	rec, err := s.store.Upload(r.Context(), filename, file)
	if err != nil {
		s.storeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, proto.UploadResponse{
		Status:      proto.StatusOK,
		Filename:    rec.Filename,
		TotalBlocks: len(rec.Blocks),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := strings.TrimPrefix(r.URL.Path, "/api/download/")
	if fileID == "" || strings.Contains(fileID, "/") {
		s.jsonError(w, "file id required", http.StatusBadRequest)
		return
	}

	rc, rec, err := s.store.Download(r.Context(), fileID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	// Prime the first block before committing a status so a file whose
	// leading block is unreadable surfaces as a JSON error rather than
	// a truncated 200.
	br := bufio.NewReader(rc)
	if _, err := br.Peek(1); err != nil && err != io.EOF {
		s.storeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Filename))
	if _, err := io.Copy(w, br); err != nil {
		// Too late for an error status; the short body lets the client
		// detect the abort against Content-Length.
		log.Error().Err(err).Str("file_id", fileID).Msg("download aborted mid-stream")
	}
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := strings.TrimPrefix(r.URL.Path, "/api/view_distributed/")
	if fileID == "" || strings.Contains(fileID, "/") {
		s.jsonError(w, "file id required", http.StatusBadRequest)
		return
	}

	view, err := s.store.View(r.Context(), fileID)
	if err != nil {
		s.storeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := strings.TrimPrefix(r.URL.Path, "/api/delete_distributed/")
	if fileID == "" || strings.Contains(fileID, "/") {
		s.jsonError(w, "file id required", http.StatusBadRequest)
		return
	}

	if err := s.store.Delete(r.Context(), fileID); err != nil {
		s.storeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, proto.OKResponse{Status: proto.StatusOK})
}

func (s *Server) handleAttributes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := strings.TrimPrefix(r.URL.Path, "/api/file_attributes/")
	if fileID == "" || strings.Contains(fileID, "/") {
		s.jsonError(w, "file id required", http.StatusBadRequest)
		return
	}

	rec, ok := s.store.Lookup(fileID)
	if !ok {
		s.jsonError(w, "file not found: "+fileID, http.StatusNotFound)
		return
	}

	details := make([]proto.BlockDetail, 0, len(rec.Blocks))
	for _, b := range rec.Blocks {
		details = append(details, proto.BlockDetail{
			BlockNum:    b.Num,
			Size:        b.Size,
			PrimaryNode: b.Primary,
			ReplicaNode: b.Replica,
			Hash:        b.Hash,
		})
	}

	s.writeJSON(w, http.StatusOK, proto.AttributesResponse{
		Status: proto.StatusOK,
		Attributes: proto.FileAttributes{
			OriginalFilename: rec.Filename,
			Size:             rec.Size,
			TotalBlocks:      len(rec.Blocks),
			CreatedAt:        rec.CreatedAt.Format(proto.TimeFormat),
			BlocksDetail:     details,
		},
	})
}

func (s *Server) handleBlockTable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rows := s.store.BlockTable()
	blocks := make(map[string]proto.BlockRecord, len(rows))
	for _, row := range rows {
		blocks[row.BlockID] = proto.BlockRecord{
			BlockID:          row.BlockID,
			FileID:           row.FileID,
			OriginalFilename: row.Filename,
			BlockNum:         row.Num,
			Size:             row.Size,
			PrimaryNode:      row.Primary,
			ReplicaNode:      row.Replica,
			Status:           row.Status,
		}
	}

	s.writeJSON(w, http.StatusOK, proto.BlockTableResponse{
		Status:     proto.StatusOK,
		BlockTable: proto.BlockTable{Blocks: blocks},
	})
}

func (s *Server) handleOperationLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, proto.OperationLogResponse{
		Status:     proto.StatusOK,
		Operations: s.store.Operations(),
	})
}

// storeError maps a block store error to its HTTP status.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrFileNotFound):
		s.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrInsufficientReplicas):
		s.jsonError(w, err.Error(), http.StatusInsufficientStorage)
	case errors.Is(err, store.ErrNotViewable):
		s.jsonError(w, err.Error(), http.StatusUnsupportedMediaType)
	case errors.Is(err, store.ErrIntegrityFailure),
		errors.Is(err, store.ErrNodeUnavailable),
		errors.Is(err, store.ErrPartialUpload):
		s.jsonError(w, err.Error(), http.StatusBadGateway)
	default:
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
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

// toMB converts bytes to megabytes rounded to two decimals, the unit
// the dashboard charts expect.
func toMB(n int64) float64 {
	return math.Round(float64(n)/(1<<20)*100) / 100
}

// ListenAndServe starts the coordination server.
func (s *Server) ListenAndServe() error {
	log.Info().Str("listen", s.cfg.Listen).Msg("starting coordination server")
	return http.ListenAndServe(s.cfg.Listen, s)
}
