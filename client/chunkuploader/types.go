// Package chunkuploader moves a single file to the server as a sequence of fixed-size chunks.
// Chunks are read one at a time from a random-access source and at most one chunk of a transfer
// is in flight at any moment, so the server can detect completion deterministically.
package chunkuploader

import (
	"context"
	"io"
	"time"

	"github.com/bitrise-io/go-chunkupload/transfer"
)

// Source is a random-access byte source. Open is called once per chunk read, so a source whose
// access is revoked mid-transfer fails the next read instead of serving stale data.
type Source interface {
	Open() (io.ReadSeekCloser, error)
	Size() (int64, error)
}

// ChunkSender submits one chunk and returns the server's verdict for it.
type ChunkSender interface {
	UploadChunk(ctx context.Context, chunk transfer.Chunk) (transfer.ChunkResponse, error)
}

// ProgressFunc receives the transfer progress in percent.
type ProgressFunc func(percent int)

// Params describes one chunked transfer.
type Params struct {
	TransferID string
	Source     Source
	// TotalSize is read from Source when set to transfer.UnknownSize.
	TotalSize int64
	// ChunkSize falls back to Config.ChunkSize when zero.
	ChunkSize   int64
	ContentType string
	OnProgress  ProgressFunc
}

// Result is the outcome of a completed transfer.
type Result struct {
	URL        string
	FinishedAt time.Time
	Checksum   string
	ChunksSent int
	BytesSent  int64
}
