package chunkuploader

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Uploader drives a Reader across a source and submits its chunks sequentially.
type Uploader struct {
	config  Config
	sender  ChunkSender
	reader  *Reader
	buffers *BufferPool
	logger  log.Logger
	stats   *Stats
}

// New creates a new Uploader that submits chunks through sender.
func New(config Config, sender ChunkSender, logger log.Logger) *Uploader {
	if config.ChunkSize <= 0 {
		config.ChunkSize = transfer.DefaultChunkSize
	}

	return &Uploader{
		config:  config,
		sender:  sender,
		reader:  NewReader(config.TransferBufferSize),
		buffers: NewBufferPool(),
		logger:  logger,
		stats:   NewStats(),
	}
}

// Upload sends every chunk of params.Source in index order and returns once the server reports
// the transfer as completed. The first failing chunk aborts the transfer; chunks already
// accepted stay on the server.
func (u *Uploader) Upload(ctx context.Context, params Params) (Result, error) {
	if params.Source == nil {
		return Result{}, transfer.NewError(transfer.KindInvalidInput, "upload", transfer.ErrSourceUnavailable)
	}

	totalSize := params.TotalSize
	if totalSize == transfer.UnknownSize {
		size, err := params.Source.Size()
		if err != nil {
			return Result{}, transfer.NewError(transfer.KindStorage, "upload", fmt.Errorf("%w: %s", transfer.ErrSourceUnavailable, err))
		}
		totalSize = size
	}

	chunkSize := params.ChunkSize
	if chunkSize == 0 {
		chunkSize = u.config.ChunkSize
	}

	t, err := transfer.New(params.TransferID, totalSize, chunkSize)
	if err != nil {
		return Result{}, err
	}

	totalChunks := t.TotalChunks()
	u.logger.Infof("Uploading %s in %d chunks of %s", units.HumanSizeWithPrecision(float64(t.TotalSize), 3), totalChunks, units.HumanSizeWithPrecision(float64(t.ChunkSize), 3))

	var uploaded int64
	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, transfer.NewError(transfer.KindTransport, "upload", fmt.Errorf("chunk %d/%d cancelled: %w", i+1, totalChunks, err))
		}

		resp, n, err := u.uploadChunk(ctx, t, params.Source, i, params.ContentType)
		if err != nil {
			return Result{}, fmt.Errorf("upload chunk %d/%d: %w", i+1, totalChunks, err)
		}

		uploaded += int64(n)

		if resp.Completed {
			if i < totalChunks-1 {
				u.logger.Warnf("Server completed transfer %s after chunk %d/%d", t.ID, i+1, totalChunks)
			}
			report(params.OnProgress, 100)

			result := Result{
				URL:        resp.URL,
				Checksum:   resp.Checksum,
				ChunksSent: i + 1,
				BytesSent:  uploaded,
			}
			if resp.FinishedAt != nil {
				result.FinishedAt = *resp.FinishedAt
			}

			u.logger.Donef("Transfer %s completed in %s (avg chunk round-trip: %s)", t.ID, u.stats.TotalDuration().Round(time.Millisecond), u.stats.Average().Round(time.Millisecond))
			return result, nil
		}

		report(params.OnProgress, transfer.Progress(uploaded, t.TotalSize))
	}

	return Result{}, transfer.NewError(transfer.KindConsistency, "upload", fmt.Errorf("server did not complete transfer %s after %d chunks", t.ID, totalChunks))
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

func (u *Uploader) uploadChunk(ctx context.Context, t transfer.Transfer, source Source, index int, contentType string) (transfer.ChunkResponse, int, error) {
	// A source smaller than one chunk never needs a full chunk buffer.
	buf := u.buffers.Get(int(min(t.ChunkSize, t.TotalSize)))
	defer u.buffers.Put(buf)

	n, err := u.reader.ReadChunk(source, t.Offset(index), buf)
	if err != nil {
		return transfer.ChunkResponse{}, 0, err
	}
	if n == 0 {
		return transfer.ChunkResponse{}, 0, transfer.NewError(transfer.KindStorage, "read chunk", transfer.ErrEmptyChunk)
	}
	if int64(n) != t.ChunkLength(index) {
		u.logger.Warnf("Chunk %d size mismatch, expected %d, got %d", index, t.ChunkLength(index), n)
	}

	u.logger.Debugf("Uploading chunk %d/%d (%d bytes) [finished=%d] [avg=%v]",
		index+1, t.TotalChunks(), n, u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

	start := time.Now()
	resp, err := u.sender.UploadChunk(ctx, transfer.Chunk{
		TransferID:  t.ID,
		Index:       index,
		Total:       t.TotalChunks(),
		ContentType: contentType,
		Data:        buf[:n],
	})
	if err != nil {
		return transfer.ChunkResponse{}, 0, err
	}
	u.stats.Update(time.Since(start), int64(n))

	return resp, n, nil
}

func report(fn ProgressFunc, percent int) {
	if fn != nil {
		fn(percent)
	}
}
