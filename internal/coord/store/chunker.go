// Package store implements the coordinator's block store core: the
// chunker, the capacity ledger, the placement planner, the block
// directory, and the upload, retrieval, and deletion pipelines that
// tie them to the storage nodes.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Block is one fixed-size piece of an uploaded file, hashed for
// independent integrity verification.
type Block struct {
	Num  int
	Data []byte
	Hash string // SHA-256 hex over the block bytes
}

// BlockID derives the node-visible identifier of one block.
func BlockID(fileID string, num int) string {
	return fmt.Sprintf("%s_block_%d", fileID, num)
}

// ChunkReader splits r into blocks of at most blockSize bytes, in
// order, each carrying its own SHA-256 digest. A zero-byte input
// yields a single empty block so every file has at least one block.
func ChunkReader(r io.Reader, blockSize int64) ([]Block, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}

	var blocks []Block
	buf := make([]byte, blockSize)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			blocks = append(blocks, Block{
				Num:  len(blocks),
				Data: data,
				Hash: hashBytes(data),
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read upload stream: %w", err)
		}
	}

	if len(blocks) == 0 {
		blocks = append(blocks, Block{Num: 0, Data: []byte{}, Hash: hashBytes(nil)})
	}

	return blocks, nil
}

// TotalSize sums the logical bytes across blocks.
func TotalSize(blocks []Block) int64 {
	var total int64
	for _, b := range blocks {
		total += int64(len(b.Data))
	}
	return total
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
