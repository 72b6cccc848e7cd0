package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PrefetchConfig controls the parallel block prefetch pipeline.
type PrefetchConfig struct {
	WindowSize  int // Max blocks to prefetch ahead (default 8)
	Parallelism int // Number of parallel fetch workers (default 4)
}

// DefaultPrefetchConfig returns the default prefetch configuration.
func DefaultPrefetchConfig() PrefetchConfig {
	return PrefetchConfig{
		WindowSize:  8,
		Parallelism: 4,
	}
}

// prefetchResult holds the result of fetching a single block.
type prefetchResult struct {
	index int
	data  []byte
	err   error
}

// fileReader streams a stored file in block order while workers fetch
// blocks from nodes in parallel. It implements io.ReadCloser. Each
// block is served by its primary node unless the health monitor marks
// it offline, in which case the replica is tried first; either way a
// failed or corrupt read falls back to the other copy once. Every
// block is hash verified before it reaches the caller, so corrupt or
// truncated node responses never surface as partial output.
type fileReader struct {
	ctx       context.Context
	cancel    context.CancelFunc // cancels prefetch goroutines
	rec       *FileRecord
	transport NodeTransport
	health    HealthView
	metrics   *Metrics
	logger    zerolog.Logger
	timeout   time.Duration
	started   time.Time
	bytesRead int64

	// Prefetch pipeline state
	prefetchCfg PrefetchConfig
	resultCh    chan prefetchResult
	readyBuf    map[int]*prefetchResult // out-of-order buffer
	nextRead    int                     // next block index Read() expects
	prefetching bool                    // lazy-start flag
	closeOnce   sync.Once

	// Sequential fallback state (used when parallelism <= 1)
	current  []byte
	offset   int
	seqIndex int
}

func newFileReader(ctx context.Context, s *Store, rec *FileRecord) *fileReader {
	cfg := s.cfg.Prefetch
	if cfg.WindowSize == 0 {
		cfg.WindowSize = DefaultPrefetchConfig().WindowSize
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = DefaultPrefetchConfig().Parallelism
	}

	childCtx, cancel := context.WithCancel(ctx)
	return &fileReader{
		ctx:         childCtx,
		cancel:      cancel,
		rec:         rec,
		transport:   s.transport,
		health:      s.health,
		metrics:     s.metrics,
		logger:      s.logger,
		timeout:     s.cfg.RequestTimeout,
		started:     time.Now(),
		prefetchCfg: cfg,
		readyBuf:    make(map[int]*prefetchResult),
	}
}

func (r *fileReader) useParallel() bool {
	return r.prefetchCfg.Parallelism > 1
}

// Read implements io.Reader, delivering block data in order.
func (r *fileReader) Read(p []byte) (int, error) {
	if r.useParallel() {
		return r.readParallel(p)
	}
	return r.readSequential(p)
}

func (r *fileReader) readSequential(p []byte) (int, error) {
	if r.current == nil || r.offset >= len(r.current) {
		if r.seqIndex >= len(r.rec.Blocks) {
			return 0, io.EOF
		}
		data, err := r.fetchBlock(r.seqIndex)
		if err != nil {
			return 0, err
		}
		r.current = data
		r.offset = 0
		r.seqIndex++
	}

	n := copy(p, r.current[r.offset:])
	r.offset += n
	r.bytesRead += int64(n)
	return n, nil
}

func (r *fileReader) readParallel(p []byte) (int, error) {
	if !r.prefetching {
		r.startPrefetch()
		r.prefetching = true
	}

	if r.current == nil || r.offset >= len(r.current) {
		if r.nextRead >= len(r.rec.Blocks) {
			return 0, io.EOF
		}
		if err := r.loadNextPrefetched(); err != nil {
			return 0, err
		}
	}

	n := copy(p, r.current[r.offset:])
	r.offset += n
	r.bytesRead += int64(n)
	return n, nil
}

// startPrefetch launches the producer and worker goroutines.
func (r *fileReader) startPrefetch() {
	// Buffer up to WindowSize results so workers can run ahead.
	r.resultCh = make(chan prefetchResult, r.prefetchCfg.WindowSize)
	workCh := make(chan int, r.prefetchCfg.WindowSize)

	go func() {
		defer close(workCh)
		for i := range r.rec.Blocks {
			select {
			case workCh <- i:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	parallelism := r.prefetchCfg.Parallelism
	if parallelism > len(r.rec.Blocks) {
		parallelism = len(r.rec.Blocks)
	}

	var wg sync.WaitGroup
	for w := 0; w < parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workCh {
				data, err := r.fetchBlock(idx)
				select {
				case r.resultCh <- prefetchResult{index: idx, data: data, err: err}:
				case <-r.ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(r.resultCh)
	}()
}

// loadNextPrefetched waits for the next block in order from the
// prefetch pipeline, buffering results that arrive out of order.
func (r *fileReader) loadNextPrefetched() error {
	for {
		if res, ok := r.readyBuf[r.nextRead]; ok {
			delete(r.readyBuf, r.nextRead)
			if res.err != nil {
				return res.err
			}
			r.current = res.data
			r.offset = 0
			r.nextRead++
			return nil
		}

		res, ok := <-r.resultCh
		if !ok {
			if r.nextRead >= len(r.rec.Blocks) {
				return io.EOF
			}
			if res, ok := r.readyBuf[r.nextRead]; ok {
				delete(r.readyBuf, r.nextRead)
				if res.err != nil {
					return res.err
				}
				r.current = res.data
				r.offset = 0
				r.nextRead++
				return nil
			}
			return fmt.Errorf("prefetch pipeline closed before block %d was delivered", r.nextRead)
		}

		if res.index == r.nextRead {
			if res.err != nil {
				return res.err
			}
			r.current = res.data
			r.offset = 0
			r.nextRead++
			return nil
		}

		r.readyBuf[res.index] = &res
	}
}

// fetchBlock retrieves one verified block, falling back to the other
// copy once when the first attempt fails or fails verification.
func (r *fileReader) fetchBlock(idx int) ([]byte, error) {
	ref := r.rec.Blocks[idx]

	first, second := ref.Primary, ref.Replica
	if !r.health.Online(first) && r.health.Online(second) {
		first, second = second, first
	}

	data, firstErr := r.fetchVerified(first, ref)
	if firstErr == nil {
		return data, nil
	}
	if errors.Is(firstErr, ErrIntegrityFailure) {
		r.metrics.IntegrityRetries.Inc()
	}
	r.logger.Warn().
		Err(firstErr).
		Str("block_id", ref.BlockID).
		Str("node", first).
		Str("fallback", second).
		Msg("block fetch failed, trying other copy")

	data, secondErr := r.fetchVerified(second, ref)
	if secondErr == nil {
		return data, nil
	}

	if errors.Is(firstErr, ErrIntegrityFailure) && errors.Is(secondErr, ErrIntegrityFailure) {
		return nil, fmt.Errorf("%w: block %s corrupt on %s and %s", ErrIntegrityFailure, ref.BlockID, ref.Primary, ref.Replica)
	}
	return nil, fmt.Errorf("%w: block %s: %v", ErrNodeUnavailable, ref.BlockID, secondErr)
}

// fetchVerified requests one block copy and checks it against the
// directory hash.
func (r *fileReader) fetchVerified(nodeID string, ref BlockRef) ([]byte, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	data, err := r.transport.FetchBlock(ctx, nodeID, ref.BlockID)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", nodeID, err)
	}
	if got := hashBytes(data); got != ref.Hash {
		return nil, fmt.Errorf("%w: node %s returned %d bytes with hash %s", ErrIntegrityFailure, nodeID, len(data), got)
	}
	return data, nil
}

// Close cancels prefetch goroutines and records read metrics.
func (r *fileReader) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.metrics.BytesDownloaded.Add(float64(r.bytesRead))
		r.metrics.DownloadDuration.Observe(time.Since(r.started).Seconds())
	})
	return nil
}
