package chunkuploader

import (
	"errors"
	"fmt"
	"io"

	"github.com/bitrise-io/go-chunkupload/transfer"
)

// Reader reads bounded byte ranges from a Source without loading the whole source into memory.
type Reader struct {
	transferBufferSize int
}

// NewReader creates a Reader that issues reads of at most transferBufferSize bytes.
func NewReader(transferBufferSize int) *Reader {
	if transferBufferSize <= 0 {
		transferBufferSize = transfer.DefaultTransferBufferSize
	}
	return &Reader{transferBufferSize: transferBufferSize}
}

// ReadChunk fills dst with bytes of source starting at offset. It returns fewer than len(dst)
// bytes only at the end of the source, and 0 once the source is exhausted.
func (r *Reader) ReadChunk(source Source, offset int64, dst []byte) (int, error) {
	rc, err := source.Open()
	if err != nil {
		return 0, transfer.NewError(transfer.KindStorage, "read chunk", fmt.Errorf("%w: %s", transfer.ErrSourceUnavailable, err))
	}
	defer func() {
		_ = rc.Close()
	}()

	if _, err := rc.Seek(offset, io.SeekStart); err != nil {
		return 0, transfer.NewError(transfer.KindStorage, "read chunk", fmt.Errorf("seek to position %d: %w", offset, err))
	}

	read := 0
	for read < len(dst) {
		end := read + r.transferBufferSize
		if end > len(dst) {
			end = len(dst)
		}

		n, err := rc.Read(dst[read:end])
		read += n
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return read, transfer.NewError(transfer.KindStorage, "read chunk", fmt.Errorf("read at position %d: %w", offset+int64(read), err))
		}
		if n == 0 {
			break
		}
	}

	return read, nil
}
