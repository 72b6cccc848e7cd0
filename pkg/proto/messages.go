// Package proto defines the shared JSON payloads for blockgrid: the
// dashboard-facing coordinator API and the coordinator-to-node block
// protocol.
package proto

// Response status values. Every JSON body carries one of these in its
// "status" field except /api/status, which is a bare node→bool map.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// BlockHashHeader carries the SHA-256 hex digest of a block body on
// node protocol requests and responses.
const BlockHashHeader = "X-Block-Hash"

// TimeFormat is the timestamp layout used in API payloads.
const TimeFormat = "2006-01-02 15:04:05"

// FileEntry is one stored file as returned by /api/distributed_files.
type FileEntry struct {
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"` // bytes
	TotalBlocks int    `json:"total_blocks"`
	CreatedAt   string `json:"created_at"` // "2006-01-02 15:04:05"
}

// FilesResponse is the /api/distributed_files payload.
type FilesResponse struct {
	Status string      `json:"status"`
	Files  []FileEntry `json:"files"`
}

// SystemStats aggregates directory and ledger counters. All per-node
// figures are megabytes (MiB) rounded to two decimals.
type SystemStats struct {
	TotalFiles    int                `json:"total_files"`
	TotalBlocks   int                `json:"total_blocks"`
	NodeUsage     map[string]float64 `json:"node_usage"`
	NodeCapacity  map[string]float64 `json:"node_capacity"`
	NodeFreeSpace map[string]float64 `json:"node_free_space"`
}

// StatsResponse is the /api/system_stats payload.
type StatsResponse struct {
	Status string      `json:"status"`
	Stats  SystemStats `json:"stats"`
}

// UploadResponse is returned after a fully committed upload.
type UploadResponse struct {
	Status      string `json:"status"`
	Filename    string `json:"filename"`
	TotalBlocks int    `json:"total_blocks"`
}

// ViewResponse is the inline preview payload. Content holds the file
// text verbatim for text types and base64 bytes for image types.
type ViewResponse struct {
	Status   string `json:"status"`
	FileType string `json:"file_type"` // "text" or "image"
	Content  string `json:"content"`
	MimeType string `json:"mime_type,omitempty"`
}

// OKResponse is the minimal success body ({"status":"ok"}).
type OKResponse struct {
	Status string `json:"status"`
}

// BlockDetail describes one placed block inside file attributes.
type BlockDetail struct {
	BlockNum    int    `json:"block_num"`
	Size        int64  `json:"size"` // bytes
	PrimaryNode string `json:"primary_node"`
	ReplicaNode string `json:"replica_node"`
	Hash        string `json:"hash"` // SHA-256 hex
}

// FileAttributes is the per-file detail view.
type FileAttributes struct {
	OriginalFilename string        `json:"original_filename"`
	Size             int64         `json:"size"`
	TotalBlocks      int           `json:"total_blocks"`
	CreatedAt        string        `json:"created_at"`
	BlocksDetail     []BlockDetail `json:"blocks_detail"`
}

// AttributesResponse is the /api/file_attributes payload.
type AttributesResponse struct {
	Status     string         `json:"status"`
	Attributes FileAttributes `json:"attributes"`
}

// BlockRecord is one row of the global block table dump.
type BlockRecord struct {
	BlockID          string `json:"block_id"`
	FileID           string `json:"file_id"`
	OriginalFilename string `json:"original_filename"`
	BlockNum         int    `json:"block_num"`
	Size             int64  `json:"size"`
	PrimaryNode      string `json:"primary_node"`
	ReplicaNode      string `json:"replica_node"`
	Status           string `json:"status"` // "committed" or "deleted"
}

// BlockTable is the full directory dump.
type BlockTable struct {
	Blocks map[string]BlockRecord `json:"blocks"`
}

// BlockTableResponse is the /api/block_table payload.
type BlockTableResponse struct {
	Status     string     `json:"status"`
	BlockTable BlockTable `json:"block_table"`
}

// ErrorResponse is the uniform error body for every endpoint.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// OperationRecord is one entry of the coordinator operation log.
type OperationRecord struct {
	Op          string `json:"op"` // "upload" or "delete"
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	TotalBlocks int    `json:"total_blocks"`
	Timestamp   string `json:"timestamp"`
}

// OperationLogResponse is the /api/operation_log payload.
type OperationLogResponse struct {
	Status     string            `json:"status"`
	Operations []OperationRecord `json:"operations"`
}

// NodeHealth is the storage node probe payload (GET /v1/health).
type NodeHealth struct {
	Status    string `json:"status"`
	NodeID    string `json:"node_id"`
	Blocks    int    `json:"blocks"`
	BytesUsed int64  `json:"bytes_used"` // logical (uncompressed) bytes
}

// NodeStats is the storage node counters payload (GET /v1/stats).
// PhysicalBytes reflects on-disk size after compression and may lag
// the coordinator ledger while deferred deletions reconcile.
type NodeStats struct {
	Status        string `json:"status"`
	NodeID        string `json:"node_id"`
	Blocks        int    `json:"blocks"`
	LogicalBytes  int64  `json:"logical_bytes"`
	PhysicalBytes int64  `json:"physical_bytes"`
}
