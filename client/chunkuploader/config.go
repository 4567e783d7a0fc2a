package chunkuploader

import (
	"github.com/bitrise-io/go-chunkupload/transfer"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// ChunkSize is the size of every chunk except possibly the last one.
	// Default: 2 KiB
	ChunkSize int64

	// TransferBufferSize bounds a single read from the source.
	// Default: 128 KiB
	TransferBufferSize int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:          transfer.DefaultChunkSize,
		TransferBufferSize: transfer.DefaultTransferBufferSize,
	}
}
