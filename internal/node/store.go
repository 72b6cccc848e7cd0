// Package node implements the blockgrid storage node daemon: a flat
// block store on a local filesystem fronted by a small HTTP protocol.
// The coordinator decides placement; a node only stores, serves, and
// deletes the block bodies it is handed.
package node

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

var (
	// ErrBlockMissing is returned when a block is not on this node.
	ErrBlockMissing = errors.New("block not found")

	// ErrHashMismatch is returned when block content does not match
	// its declared or recorded SHA-256 digest.
	ErrHashMismatch = errors.New("block hash mismatch")

	// ErrBadBlockID is returned for block IDs that could escape the
	// store directory or that no coordinator would generate.
	ErrBadBlockID = errors.New("invalid block id")
)

// blockIDPattern matches coordinator-generated block IDs and nothing
// that could traverse outside the blocks directory.
var blockIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

const maxBlockIDLen = 128

// blockMeta is the JSON sidecar stored next to each block body.
type blockMeta struct {
	Hash       string `json:"hash"` // SHA-256 hex of the logical bytes
	Size       int64  `json:"size"` // logical (uncompressed) bytes
	Stored     int64  `json:"stored"`
	Compressed bool   `json:"compressed"`
}

// BlockStore holds block bodies under blocks/<id[:2]>/<id>.bin with a
// .json meta sidecar. Bodies are zstd-compressed at rest unless
// compression is disabled. Writes land in a temp file and are renamed
// into place, so readers see either a complete block or nothing.
type BlockStore struct {
	fs       billy.Filesystem
	compress bool
	logger   zerolog.Logger
	metrics  *Metrics

	encoderPool sync.Pool
	decoderPool sync.Pool

	// mu serializes filesystem mutations and guards the counters.
	// Reads hold the read lock; not every billy backend tolerates
	// concurrent mutation.
	mu       sync.RWMutex
	blocks   int
	logical  int64
	physical int64
}

// NewBlockStore opens a block store rooted at fs. Existing blocks are
// scanned once to rebuild the usage counters.
func NewBlockStore(fs billy.Filesystem, compress bool, logger zerolog.Logger) (*BlockStore, error) {
	s := &BlockStore{
		fs:       fs,
		compress: compress,
		logger:   logger.With().Str("component", "block-store").Logger(),
		metrics:  InitMetrics(nil),
	}

	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	if err := fs.MkdirAll("blocks", 0755); err != nil {
		return nil, fmt.Errorf("create blocks dir: %w", err)
	}
	if err := s.scan(); err != nil {
		return nil, fmt.Errorf("scan blocks: %w", err)
	}

	s.logger.Info().
		Int("blocks", s.blocks).
		Int64("logical_bytes", s.logical).
		Int64("physical_bytes", s.physical).
		Bool("compression", compress).
		Msg("block store opened")

	return s, nil
}

// scan rebuilds the block and byte counters from the meta sidecars.
func (s *BlockStore) scan() error {
	shards, err := s.fs.ReadDir("blocks")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := s.fs.ReadDir(s.fs.Join("blocks", shard.Name()))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || len(name) < 6 || name[len(name)-5:] != ".json" {
				continue
			}
			meta, err := s.readMeta(name[:len(name)-5])
			if err != nil {
				s.logger.Warn().Str("sidecar", name).Err(err).Msg("skipping unreadable block meta")
				continue
			}
			s.blocks++
			s.logical += meta.Size
			s.physical += meta.Stored
		}
	}

	s.publishGauges()
	return nil
}

func validateBlockID(id string) error {
	if len(id) == 0 || len(id) > maxBlockIDLen || !blockIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrBadBlockID, id)
	}
	return nil
}

func (s *BlockStore) shardDir(id string) string {
	if len(id) < 2 {
		return "blocks"
	}
	return s.fs.Join("blocks", id[:2])
}

func (s *BlockStore) bodyPath(id string) string {
	return s.fs.Join(s.shardDir(id), id+".bin")
}

func (s *BlockStore) metaPath(id string) string {
	return s.fs.Join(s.shardDir(id), id+".json")
}

// WriteBlock stores one block. The declared hash, when present, is
// checked against the body before anything touches disk; a mismatch
// rejects the write so a corrupted upload can never be acknowledged.
// Rewriting an existing block ID replaces the previous body.
func (s *BlockStore) WriteBlock(id string, data []byte, declaredHash string) (string, error) {
	if err := validateBlockID(id); err != nil {
		return "", err
	}

	hash := contentHash(data)
	if declaredHash != "" && declaredHash != hash {
		return "", fmt.Errorf("%w: declared %s, computed %s", ErrHashMismatch, declaredHash, hash)
	}

	payload := data
	compressed := false
	if s.compress {
		payload = s.compressBody(data)
		compressed = true
	}

	meta := blockMeta{
		Hash:       hash,
		Size:       int64(len(data)),
		Stored:     int64(len(payload)),
		Compressed: compressed,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode block meta: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(s.shardDir(id), 0755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}

	prev, prevErr := s.readMeta(id)

	if err := s.writeAtomic(s.bodyPath(id), payload); err != nil {
		return "", fmt.Errorf("write block body: %w", err)
	}
	if err := s.writeAtomic(s.metaPath(id), raw); err != nil {
		return "", fmt.Errorf("write block meta: %w", err)
	}

	if prevErr == nil {
		s.logical -= prev.Size
		s.physical -= prev.Stored
	} else {
		s.blocks++
	}
	s.logical += meta.Size
	s.physical += meta.Stored
	s.publishGauges()

	s.logger.Debug().
		Str("block", id).
		Int64("size", meta.Size).
		Int64("stored", meta.Stored).
		Msg("block written")

	return hash, nil
}

// ReadBlock returns the logical bytes of one block along with their
// SHA-256 hex digest. Content is verified against the recorded hash
// before it is returned, so corruption surfaces as an error rather
// than as bad data.
func (s *BlockStore) ReadBlock(id string) ([]byte, string, error) {
	if err := validateBlockID(id); err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	meta, err := s.readMeta(id)
	if err != nil {
		s.mu.RUnlock()
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("read block %s: %w", id, ErrBlockMissing)
		}
		return nil, "", fmt.Errorf("read block meta %s: %w", id, err)
	}

	payload, err := util.ReadFile(s.fs, s.bodyPath(id))
	s.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("read block %s: %w", id, ErrBlockMissing)
		}
		return nil, "", fmt.Errorf("read block body %s: %w", id, err)
	}

	data := payload
	if meta.Compressed {
		data, err = s.decompressBody(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decompress block %s: %w", id, err)
		}
	}

	if got := contentHash(data); got != meta.Hash {
		return nil, "", fmt.Errorf("block %s: %w: recorded %s, computed %s", id, ErrHashMismatch, meta.Hash, got)
	}

	return data, meta.Hash, nil
}

// DeleteBlock removes one block. Deleting an absent block returns
// ErrBlockMissing so the caller can report 404.
func (s *BlockStore) DeleteBlock(id string) error {
	if err := validateBlockID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete block %s: %w", id, ErrBlockMissing)
		}
		return fmt.Errorf("read block meta %s: %w", id, err)
	}

	// Meta goes first: once the sidecar is gone the block reads as
	// missing even if removing the body fails midway.
	if err := s.fs.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove block meta %s: %w", id, err)
	}
	if err := s.fs.Remove(s.bodyPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove block body %s: %w", id, err)
	}

	s.blocks--
	s.logical -= meta.Size
	s.physical -= meta.Stored
	s.publishGauges()

	s.logger.Debug().Str("block", id).Msg("block deleted")
	return nil
}

// HasBlock reports whether a block is present.
func (s *BlockStore) HasBlock(id string) bool {
	if validateBlockID(id) != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.fs.Stat(s.metaPath(id))
	return err == nil
}

// Stats returns the current block count and byte counters.
func (s *BlockStore) Stats() (blocks int, logical, physical int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks, s.logical, s.physical
}

func (s *BlockStore) publishGauges() {
	s.metrics.BlocksHeld.Set(float64(s.blocks))
	s.metrics.LogicalBytes.Set(float64(s.logical))
	s.metrics.PhysicalBytes.Set(float64(s.physical))
}

func (s *BlockStore) readMeta(id string) (blockMeta, error) {
	var meta blockMeta
	raw, err := util.ReadFile(s.fs, s.metaPath(id))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("decode block meta: %w", err)
	}
	return meta, nil
}

// writeAtomic writes data to a unique temp file in the target's
// directory and renames it into place.
func (s *BlockStore) writeAtomic(path string, data []byte) error {
	dir := s.fs.Join(path, "..")
	tmp, err := s.fs.TempFile(dir, ".write-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if syncer, ok := tmp.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			_ = tmp.Close()
			_ = s.fs.Remove(tmpPath)
			return fmt.Errorf("sync temp file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := s.fs.Rename(tmpPath, path); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (s *BlockStore) compressBody(data []byte) []byte {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (s *BlockStore) decompressBody(data []byte) ([]byte, error) {
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// contentHash computes the SHA-256 hex digest of data.
func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
