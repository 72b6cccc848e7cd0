package store

import "errors"

// Block store error types.
var (
	ErrFileNotFound         = errors.New("file not found")
	ErrInsufficientReplicas = errors.New("fewer than two eligible nodes for replication")
	ErrIntegrityFailure     = errors.New("block failed integrity verification")
	ErrNodeUnavailable      = errors.New("node unavailable")
	ErrPartialUpload        = errors.New("upload rolled back after partial block placement")
	ErrNotViewable          = errors.New("file type cannot be viewed inline")
)
