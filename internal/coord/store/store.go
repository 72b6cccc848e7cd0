package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blockgrid/blockgrid/pkg/proto"
)

// NodeTransport is the coordinator's view of the storage node block
// API. The cluster client implements it; keeping an interface here
// avoids a dependency cycle with the cluster package and lets tests
// substitute fakes.
type NodeTransport interface {
	StoreBlock(ctx context.Context, nodeID, blockID string, data []byte, hash string) error
	FetchBlock(ctx context.Context, nodeID, blockID string) ([]byte, error)
	DeleteBlock(ctx context.Context, nodeID, blockID string) error
}

// Config holds block store tunables.
type Config struct {
	DataDir           string
	BlockSize         int64          // upload split size (default 1 MiB)
	UploadConcurrency int            // parallel block placements per upload (default 4)
	RequestTimeout    time.Duration  // per node round trip (default 5s)
	ReconcileInterval time.Duration  // pending deletion retry cadence (default 5s)
	Prefetch          PrefetchConfig // download pipeline settings
}

const (
	defaultBlockSize         = 1 << 20
	defaultUploadConcurrency = 4
	defaultRequestTimeout    = 5 * time.Second
	defaultReconcileInterval = 5 * time.Second

	// maxReconcileConcurrency bounds parallel deletion requests per
	// drain so a large backlog cannot flood the nodes.
	maxReconcileConcurrency = 5
)

// Store coordinates chunked, replicated file storage across the node
// fleet. It splits uploads into fixed size blocks, places each block
// on two nodes through the capacity ledger, publishes file metadata
// atomically, serves hash verified reads with replica fallback, and
// reconciles physical deletions with nodes that were offline when a
// file was removed.
type Store struct {
	cfg       Config
	nodes     []NodeInfo
	ledger    *Ledger
	planner   *Planner
	dir       *Directory
	queue     *reconcileQueue
	oplog     *opLog
	transport NodeTransport
	health    HealthView
	logger    zerolog.Logger
	metrics   *Metrics

	saveMu sync.Mutex // serializes state file snapshots

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads persisted metadata and assembles the store. Start must be
// called to begin deletion reconciliation.
func New(cfg Config, nodes []NodeInfo, transport NodeTransport, health HealthView, logger zerolog.Logger) (*Store, error) {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = defaultUploadConcurrency
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no storage nodes configured")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var saved coordinatorState
	if err := loadJSON(filepath.Join(cfg.DataDir, stateFile), &saved); err != nil {
		return nil, err
	}

	dir := NewDirectory()
	dir.restore(&directoryState{Files: saved.Files, Tombstones: saved.Tombstones})
	queue := newReconcileQueue(saved.Pending)

	// A tombstone with no outstanding deletions finished reconciling
	// right before a shutdown; drop it now.
	for _, rec := range dir.Tombstoned() {
		if !queue.hasFile(rec.FileID) {
			dir.Purge(rec.FileID)
		}
	}

	ledger := NewLedger(nodes)
	for _, n := range nodes {
		if used := dir.UsageOnNode(n.ID); used > 0 {
			ledger.AddUsed(n.ID, used)
		}
	}

	oplog, err := newOpLog(filepath.Join(cfg.DataDir, oplogFile))
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:       cfg,
		nodes:     nodes,
		ledger:    ledger,
		planner:   NewPlanner(ledger, health, nodes),
		dir:       dir,
		queue:     queue,
		oplog:     oplog,
		transport: transport,
		health:    health,
		logger:    logger.With().Str("component", "store").Logger(),
		metrics:   GetMetrics(),
	}
	s.publishGauges()

	files, blocks := dir.Counts()
	s.logger.Info().
		Int("files", files).
		Int("blocks", blocks).
		Int("pending_deletes", queue.len()).
		Int64("block_size", cfg.BlockSize).
		Msg("block store loaded")
	return s, nil
}

// Start launches the deletion reconciliation worker.
func (s *Store) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.reconcileLoop(ctx)
}

// Close stops the worker, then makes one bounded drain attempt so a
// clean shutdown reclaims whatever the nodes will still acknowledge.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.queue.len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.drainPending(ctx)
	}
	return nil
}

// Upload splits the stream into blocks, reserves replicated
// placements for all of them up front, writes both copies of every
// block, and publishes the file record in one step. Any unrecoverable
// failure rolls back written copies and reservations; readers never
// observe a partially stored file.
func (s *Store) Upload(ctx context.Context, filename string, src io.Reader) (*FileRecord, error) {
	start := time.Now()

	blocks, err := ChunkReader(src, s.cfg.BlockSize)
	if err != nil {
		s.metrics.UploadFailures.WithLabelValues("read").Inc()
		return nil, err
	}

	fileID := newFileID()
	placements, err := s.planner.PlanBlocks(blocks)
	if err != nil {
		s.metrics.UploadFailures.WithLabelValues("placement").Inc()
		return nil, err
	}

	final := make([]Placement, len(blocks))
	copy(final, placements)
	written := make([]bool, len(blocks))

	var (
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, s.cfg.UploadConcurrency)
	var wg sync.WaitGroup
	for i := range blocks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			mu.Lock()
			failed := firstErr != nil
			mu.Unlock()
			if failed {
				// Another block already sank the upload; just give
				// the reservation back.
				s.planner.ReleasePlacement(final[i], int64(len(blocks[i].Data)))
				return
			}

			pl, err := s.writeBlock(ctx, fileID, blocks[i], final[i])
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			final[i] = pl
			written[i] = true
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		for i := range blocks {
			if !written[i] {
				continue
			}
			s.scrubBlock(fileID, BlockID(fileID, blocks[i].Num), final[i])
			s.planner.ReleasePlacement(final[i], int64(len(blocks[i].Data)))
		}
		if err := s.persistState(); err != nil {
			s.logger.Error().Err(err).Msg("persist state after upload rollback")
		}
		s.metrics.UploadFailures.WithLabelValues(uploadFailureReason(firstErr)).Inc()
		s.logger.Warn().
			Err(firstErr).
			Str("file_id", fileID).
			Str("filename", filename).
			Msg("upload rolled back")
		if errors.Is(firstErr, ErrInsufficientReplicas) {
			return nil, firstErr
		}
		return nil, fmt.Errorf("%w: %v", ErrPartialUpload, firstErr)
	}

	size := TotalSize(blocks)
	rec := &FileRecord{
		FileID:    fileID,
		Filename:  filename,
		Size:      size,
		CreatedAt: time.Now().UTC(),
		Blocks:    make([]BlockRef, len(blocks)),
	}
	for i, b := range blocks {
		s.planner.CommitPlacement(final[i], int64(len(b.Data)))
		rec.Blocks[i] = BlockRef{
			BlockID: BlockID(fileID, b.Num),
			Num:     b.Num,
			Size:    int64(len(b.Data)),
			Hash:    b.Hash,
			Primary: final[i].Primary,
			Replica: final[i].Replica,
		}
	}

	if err := s.dir.Publish(rec); err != nil {
		return nil, fmt.Errorf("publish %s: %w", fileID, err)
	}
	if err := s.persistState(); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}
	if err := s.oplog.record(proto.OperationRecord{
		Op:          opUpload,
		FileID:      fileID,
		Filename:    filename,
		Size:        size,
		TotalBlocks: len(blocks),
		Timestamp:   rec.CreatedAt.Format(proto.TimeFormat),
	}); err != nil {
		s.logger.Warn().Err(err).Msg("record upload in operation log")
	}

	s.metrics.UploadsTotal.Inc()
	s.metrics.BytesUploaded.Add(float64(size))
	s.metrics.UploadDuration.Observe(time.Since(start).Seconds())
	s.publishGauges()

	s.logger.Info().
		Str("file_id", fileID).
		Str("filename", filename).
		Int64("size", size).
		Int("blocks", len(blocks)).
		Dur("elapsed", time.Since(start)).
		Msg("file uploaded")
	return rec, nil
}

// writeBlock stores both copies of one block. When a node rejects or
// drops the write, the block is re-planned once onto the remaining
// nodes; a second failure aborts the upload.
func (s *Store) writeBlock(ctx context.Context, fileID string, b Block, pl Placement) (Placement, error) {
	blockID := BlockID(fileID, b.Num)
	size := int64(len(b.Data))
	exclude := make(map[string]bool)
	current := pl

	for attempt := 0; ; attempt++ {
		failedNode, err := s.writeCopies(ctx, blockID, b, current)
		if err == nil {
			return current, nil
		}

		// Undo whatever this attempt managed to place and give the
		// reservations back before deciding what to do next.
		s.scrubBlock(fileID, blockID, current)
		s.planner.ReleasePlacement(current, size)

		if attempt >= 1 || ctx.Err() != nil {
			return Placement{}, err
		}

		exclude[failedNode] = true
		next, perr := s.planner.PlanBlock(size, exclude)
		if perr != nil {
			return Placement{}, fmt.Errorf("re-plan after failure on %s: %w", failedNode, err)
		}
		s.logger.Warn().
			Str("block_id", blockID).
			Str("failed_node", failedNode).
			Str("new_primary", next.Primary).
			Str("new_replica", next.Replica).
			Msg("block write failed, re-planned")
		current = next
	}
}

// writeCopies pushes the block to its primary and replica in turn and
// names the node that failed.
func (s *Store) writeCopies(ctx context.Context, blockID string, b Block, pl Placement) (string, error) {
	for _, nodeID := range []string{pl.Primary, pl.Replica} {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		err := s.transport.StoreBlock(wctx, nodeID, blockID, b.Data, b.Hash)
		cancel()
		if err != nil {
			return nodeID, fmt.Errorf("store block %s on %s: %w", blockID, nodeID, err)
		}
	}
	return "", nil
}

// scrubBlock deletes both copies of a block that will not be
// published. Copies a node cannot confirm right now go to the
// reconciliation queue.
func (s *Store) scrubBlock(fileID, blockID string, pl Placement) {
	for _, nodeID := range []string{pl.Primary, pl.Replica} {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		err := s.transport.DeleteBlock(ctx, nodeID, blockID)
		cancel()
		if err != nil {
			s.queue.enqueue(fileID, blockID, nodeID)
		}
	}
}

// Download opens an ordered, hash verified stream of the file.
func (s *Store) Download(ctx context.Context, fileID string) (io.ReadCloser, *FileRecord, error) {
	rec, ok := s.dir.Lookup(fileID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	s.metrics.DownloadsTotal.Inc()
	return newFileReader(ctx, s, rec), rec, nil
}

// ReadFile buffers a whole file in memory, for the inline view path.
func (s *Store) ReadFile(ctx context.Context, fileID string) ([]byte, *FileRecord, error) {
	rc, rec, err := s.Download(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, err
	}
	return data, rec, nil
}

// View renders a file for inline preview.
func (s *Store) View(ctx context.Context, fileID string) (*proto.ViewResponse, error) {
	data, rec, err := s.ReadFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return renderView(rec.Filename, data)
}

// Delete removes a file. The record is tombstoned first so the file
// disappears from listings and reads immediately, its capacity is
// returned to the ledger, and a physical deletion per block copy is
// queued for every node. Copies on unreachable nodes stay queued
// until the node returns.
func (s *Store) Delete(ctx context.Context, fileID string) error {
	rec, err := s.dir.Tombstone(fileID)
	if err != nil {
		return err
	}

	for _, ref := range rec.Blocks {
		s.ledger.ReleaseUsed(ref.Primary, ref.Size)
		s.ledger.ReleaseUsed(ref.Replica, ref.Size)
		s.queue.enqueue(fileID, ref.BlockID, ref.Primary, ref.Replica)
	}

	if err := s.persistState(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	if err := s.oplog.record(proto.OperationRecord{
		Op:          opDelete,
		FileID:      fileID,
		Filename:    rec.Filename,
		Size:        rec.Size,
		TotalBlocks: len(rec.Blocks),
		Timestamp:   time.Now().UTC().Format(proto.TimeFormat),
	}); err != nil {
		s.logger.Warn().Err(err).Msg("record delete in operation log")
	}

	s.metrics.DeletesTotal.Inc()
	s.publishGauges()

	s.logger.Info().
		Str("file_id", fileID).
		Str("filename", rec.Filename).
		Int("blocks", len(rec.Blocks)).
		Msg("file deleted, physical cleanup queued")
	return nil
}

// Files lists committed files, oldest first.
func (s *Store) Files() []*FileRecord {
	return s.dir.Files()
}

// Lookup returns one committed file record.
func (s *Store) Lookup(fileID string) (*FileRecord, bool) {
	return s.dir.Lookup(fileID)
}

// BlockTable lists every known block with placement and lifecycle
// status, including tombstoned blocks whose copies still hold disk.
func (s *Store) BlockTable() []BlockRow {
	return s.dir.BlockRows()
}

// Counts reports committed files and blocks.
func (s *Store) Counts() (files, blocks int) {
	return s.dir.Counts()
}

// UsageSnapshot reports the per node ledger state.
func (s *Store) UsageSnapshot() map[string]NodeUsage {
	return s.ledger.Snapshot()
}

// Operations returns the recent operation history, newest first.
func (s *Store) Operations() []proto.OperationRecord {
	return s.oplog.recent()
}

// PendingDeletes reports the reconciliation backlog size.
func (s *Store) PendingDeletes() int {
	return s.queue.len()
}

// reconcileLoop drives pending deletions until the store closes. It
// wakes on new work and on a steady tick for nodes that come back.
func (s *Store) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.signal:
		case <-ticker.C:
		}
		s.drainPending(ctx)
	}
}

// drainPending pushes outstanding deletions to reachable nodes.
// Entries stay queued until their node confirms; once a file's last
// copy is confirmed its tombstone is purged from the block table.
func (s *Store) drainPending(ctx context.Context) {
	entries := s.queue.snapshot()
	s.metrics.PendingDeletes.Set(float64(len(entries)))
	if len(entries) == 0 {
		return
	}

	sem := make(chan struct{}, maxReconcileConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	changed := false

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !s.health.Online(e.NodeID) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(e pendingDelete) {
			defer wg.Done()
			defer func() { <-sem }()

			dctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
			err := s.transport.DeleteBlock(dctx, e.NodeID, e.BlockID)
			cancel()
			if err != nil {
				s.queue.fail(e.BlockID, e.NodeID)
				s.logger.Debug().
					Err(err).
					Str("block_id", e.BlockID).
					Str("node", e.NodeID).
					Msg("pending delete attempt failed")
				return
			}

			mu.Lock()
			changed = true
			mu.Unlock()
			if s.queue.resolve(e.FileID, e.BlockID, e.NodeID) {
				s.dir.Purge(e.FileID)
				s.logger.Info().Str("file_id", e.FileID).Msg("file fully reconciled")
			}
		}(e)
	}
	wg.Wait()

	if changed {
		if err := s.persistState(); err != nil {
			s.logger.Error().Err(err).Msg("persist state after reconciliation")
		}
	}
	s.metrics.PendingDeletes.Set(float64(s.queue.len()))
}

// persistState snapshots the directory and the reconciliation queue
// into the metadata file in one atomic write.
func (s *Store) persistState() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	st := s.dir.state()
	full := coordinatorState{
		Files:      st.Files,
		Tombstones: st.Tombstones,
		Pending:    s.queue.snapshot(),
	}
	return saveJSON(filepath.Join(s.cfg.DataDir, stateFile), &full)
}

func (s *Store) publishGauges() {
	files, blocks := s.dir.Counts()
	s.metrics.FilesStored.Set(float64(files))
	s.metrics.BlocksStored.Set(float64(blocks))
	s.metrics.PendingDeletes.Set(float64(s.queue.len()))
}

// newFileID returns a short unique file handle, the first 12 hex
// digits of a random UUID.
func newFileID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func uploadFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientReplicas):
		return "insufficient_replicas"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "write"
	}
}
