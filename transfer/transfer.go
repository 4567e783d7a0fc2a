// Package transfer holds the chunked transfer protocol model shared by the uploading client and
// the receiving server: chunk arithmetic, progress, wire shapes and the error taxonomy.
package transfer

import (
	"fmt"
)

const (
	// DefaultChunkSize is the chunk size used when the caller does not choose one.
	DefaultChunkSize = 2 * 1024
	// DefaultTransferBufferSize bounds a single read from a chunk source.
	DefaultTransferBufferSize = 128 * 1024
	// UnknownSize marks a source whose size has not been read yet.
	UnknownSize int64 = -1
)

// Transfer identifies one logical file moved in fixed-size chunks.
type Transfer struct {
	ID        string
	TotalSize int64
	ChunkSize int64
}

// New validates the parameters of a transfer. A transfer with a non-positive size is rejected
// before anything is sent.
func New(id string, totalSize, chunkSize int64) (Transfer, error) {
	if id == "" {
		return Transfer{}, NewError(KindInvalidInput, "new transfer", fmt.Errorf("%w: empty transfer id", ErrInvalidChunkMetadata))
	}
	if chunkSize <= 0 {
		return Transfer{}, NewError(KindInvalidInput, "new transfer", fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidChunkMetadata, chunkSize))
	}
	if totalSize <= 0 {
		return Transfer{}, NewError(KindInvalidInput, "new transfer", ErrEmptySource)
	}

	return Transfer{ID: id, TotalSize: totalSize, ChunkSize: chunkSize}, nil
}

// TotalChunks returns ceil(TotalSize / ChunkSize).
func (t Transfer) TotalChunks() int {
	return ChunkCount(t.TotalSize, t.ChunkSize)
}

// Offset returns the byte offset of the chunk at index.
func (t Transfer) Offset(index int) int64 {
	return int64(index) * t.ChunkSize
}

// ChunkLength returns the expected size of the chunk at index. Only the final chunk may be
// shorter than ChunkSize.
func (t Transfer) ChunkLength(index int) int64 {
	n := t.TotalChunks()
	if index < 0 || index >= n {
		return 0
	}
	if index == n-1 {
		return t.TotalSize - int64(n-1)*t.ChunkSize
	}
	return t.ChunkSize
}

// ChunkCount returns the number of chunks needed to carry totalSize bytes, or 0 when either
// argument is not positive.
func ChunkCount(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((totalSize + chunkSize - 1) / chunkSize)
}

// Progress returns floor(done * 100 / total) clamped to [0, 100].
func Progress(done, total int64) int {
	if total <= 0 {
		return 0
	}

	p := done * 100 / total
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(p)
}
