package store

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Block lifecycle states reported in the block table.
const (
	BlockStatusCommitted = "committed"
	BlockStatusDeleted   = "deleted"
)

// BlockRef describes one placed block of a file.
type BlockRef struct {
	BlockID string `json:"block_id"`
	Num     int    `json:"block_num"`
	Size    int64  `json:"size"`
	Hash    string `json:"hash"`
	Primary string `json:"primary_node"`
	Replica string `json:"replica_node"`
}

// FileRecord is one stored file and its ordered block placements.
// Records are immutable once published.
type FileRecord struct {
	FileID    string     `json:"file_id"`
	Filename  string     `json:"filename"`
	Size      int64      `json:"size"`
	CreatedAt time.Time  `json:"created_at"`
	Blocks    []BlockRef `json:"blocks"`
}

// BlockRow is one block table entry: a block's placement plus its
// lifecycle status and owning file.
type BlockRow struct {
	BlockRef
	FileID   string
	Filename string
	Status   string
}

// Directory is the coordinator's file and block metadata table.
// A file becomes visible atomically when its record is published and
// disappears atomically when tombstoned; tombstoned records stay in a
// separate set until every node copy has been physically reclaimed,
// so the block table can report copies that still occupy disk.
type Directory struct {
	mu     sync.RWMutex
	files  map[string]*FileRecord
	tombs  map[string]*FileRecord
	byNode map[string]map[string]string // node ID -> block ID -> file ID
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		files:  make(map[string]*FileRecord),
		tombs:  make(map[string]*FileRecord),
		byNode: make(map[string]map[string]string),
	}
}

// Publish makes a file visible. The record and all of its blocks
// appear together or not at all; readers never observe a prefix.
func (d *Directory) Publish(rec *FileRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.files[rec.FileID]; ok {
		return fmt.Errorf("file id %s already published", rec.FileID)
	}
	if _, ok := d.tombs[rec.FileID]; ok {
		return fmt.Errorf("file id %s awaiting deletion", rec.FileID)
	}

	d.files[rec.FileID] = rec
	d.index(rec)
	return nil
}

// Lookup returns a committed file record.
func (d *Directory) Lookup(fileID string) (*FileRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.files[fileID]
	return rec, ok
}

// Tombstone removes a file from the visible set and parks its record
// for physical cleanup. Unknown files fail with ErrFileNotFound;
// a repeated delete therefore reports not found as well.
func (d *Directory) Tombstone(fileID string) (*FileRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.files[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	delete(d.files, fileID)
	d.tombs[fileID] = rec
	d.unindex(rec)
	return rec, nil
}

// Purge drops a tombstoned record once all its node copies are gone.
func (d *Directory) Purge(fileID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tombs, fileID)
}

// Files returns committed records ordered by creation time.
func (d *Directory) Files() []*FileRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*FileRecord, 0, len(d.files))
	for _, rec := range d.files {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

// Tombstoned returns records awaiting physical cleanup.
func (d *Directory) Tombstoned() []*FileRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*FileRecord, 0, len(d.tombs))
	for _, rec := range d.tombs {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

// Counts reports the number of committed files and blocks.
func (d *Directory) Counts() (files, blocks int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, rec := range d.files {
		blocks += len(rec.Blocks)
	}
	return len(d.files), blocks
}

// BlockRows returns every known block, committed and tombstoned,
// ordered by file then block number.
func (d *Directory) BlockRows() []BlockRow {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var rows []BlockRow
	for _, rec := range d.files {
		for _, ref := range rec.Blocks {
			rows = append(rows, BlockRow{BlockRef: ref, FileID: rec.FileID, Filename: rec.Filename, Status: BlockStatusCommitted})
		}
	}
	for _, rec := range d.tombs {
		for _, ref := range rec.Blocks {
			rows = append(rows, BlockRow{BlockRef: ref, FileID: rec.FileID, Filename: rec.Filename, Status: BlockStatusDeleted})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].FileID != rows[j].FileID {
			return rows[i].FileID < rows[j].FileID
		}
		return rows[i].Num < rows[j].Num
	})
	return rows
}

// BlocksOnNode lists committed block copies held by one node in
// either role.
func (d *Directory) BlocksOnNode(nodeID string) []BlockRef {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := d.byNode[nodeID]
	out := make([]BlockRef, 0, len(ids))
	for blockID, fileID := range ids {
		rec, ok := d.files[fileID]
		if !ok {
			continue
		}
		for _, ref := range rec.Blocks {
			if ref.BlockID == blockID {
				out = append(out, ref)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out
}

// UsageOnNode sums the committed bytes a node holds in either role.
// The ledger is rebuilt from this at startup.
func (d *Directory) UsageOnNode(nodeID string) int64 {
	var total int64
	for _, ref := range d.BlocksOnNode(nodeID) {
		total += ref.Size
	}
	return total
}

// index and unindex maintain the node to block map. Both run under
// the write lock.
func (d *Directory) index(rec *FileRecord) {
	for _, ref := range rec.Blocks {
		for _, node := range []string{ref.Primary, ref.Replica} {
			m, ok := d.byNode[node]
			if !ok {
				m = make(map[string]string)
				d.byNode[node] = m
			}
			m[ref.BlockID] = rec.FileID
		}
	}
}

func (d *Directory) unindex(rec *FileRecord) {
	for _, ref := range rec.Blocks {
		for _, node := range []string{ref.Primary, ref.Replica} {
			if m, ok := d.byNode[node]; ok {
				delete(m, ref.BlockID)
				if len(m) == 0 {
					delete(d.byNode, node)
				}
			}
		}
	}
}

// directoryState is the persisted shape of the directory.
type directoryState struct {
	Files      []*FileRecord `json:"files"`
	Tombstones []*FileRecord `json:"tombstones"`
}

func (d *Directory) state() *directoryState {
	return &directoryState{Files: d.Files(), Tombstones: d.Tombstoned()}
}

func (d *Directory) restore(st *directoryState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range st.Files {
		d.files[rec.FileID] = rec
		d.index(rec)
	}
	for _, rec := range st.Tombstones {
		d.tombs[rec.FileID] = rec
	}
}

func sortRecords(recs []*FileRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].FileID < recs[j].FileID
	})
}
