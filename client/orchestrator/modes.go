package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkupload/client/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/client/network"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/docker/go-units"
)

const (
	modeSequential = "sequential"
	modeParallel   = "parallel"
	modeChunked    = "chunked"
)

// UploadSequential uploads the selected items one at a time as whole files. A failed item does
// not stop the batch. The returned error is non-nil only if the batch could not start.
func (o *Orchestrator) UploadSequential(ctx context.Context, message string) (BatchState, error) {
	indices, state, err := o.begin("upload sequential", allIndices)
	if err != nil {
		return BatchState{}, err
	}

	start := time.Now()
	o.tracker.logBatchStarted(modeSequential, len(indices), totalSize(state.Items))
	o.logger.Infof("Uploading %d file(s) one by one", len(indices))

	for _, i := range indices {
		item := state.Items[i]
		itemStart := time.Now()

		index := i
		resp, err := o.transport.UploadFile(ctx, filePart(item), message, func(written, total int64) {
			o.setProgress(index, transfer.Progress(written, total))
		})

		var finished SelectedItem
		if err != nil {
			o.logger.Errorf("Failed to upload %s: %s", item.DisplayName, err)
			finished = o.markFailed(i, err)
		} else {
			o.logger.Donef("Uploaded %s to %s", item.DisplayName, resp.URL)
			finished = o.markDone(i, resp.URL)
		}
		o.tracker.logItemFinished(modeSequential, finished, time.Since(itemStart))
	}

	final := o.finish("Done")
	o.tracker.logBatchFinished(modeSequential, final, time.Since(start))
	return final, nil
}

// UploadParallel submits every selected item in a single request. The request succeeds or
// fails as a whole: on failure every item ends Failed with the same error.
func (o *Orchestrator) UploadParallel(ctx context.Context) (BatchState, error) {
	indices, state, err := o.begin("upload parallel", allIndices)
	if err != nil {
		return BatchState{}, err
	}

	start := time.Now()
	o.tracker.logBatchStarted(modeParallel, len(indices), totalSize(state.Items))
	o.logger.Infof("Uploading %d file(s) in one request", len(indices))

	parts := make([]network.FilePart, 0, len(indices))
	for _, i := range indices {
		parts = append(parts, filePart(state.Items[i]))
	}

	resps, err := o.transport.UploadMany(ctx, parts, func(written, total int64) {
		percent := transfer.Progress(written, total)
		for _, i := range indices {
			o.setProgress(i, percent)
		}
	})
	if err == nil && len(resps) != len(indices) {
		err = transfer.NewError(transfer.KindTransport, "upload many", fmt.Errorf("server returned %d results for %d files", len(resps), len(indices)))
	}

	message := "Done"
	if err != nil {
		o.logger.Errorf("Batch upload failed: %s", err)
		message = "Failed " + err.Error()
		for _, i := range indices {
			o.tracker.logItemFinished(modeParallel, o.markFailed(i, err), time.Since(start))
		}
	} else {
		for n, i := range indices {
			o.tracker.logItemFinished(modeParallel, o.markDone(i, resps[n].URL), time.Since(start))
		}
		o.logger.Donef("Uploaded %d file(s)", len(indices))
	}

	final := o.finish(message)
	o.tracker.logBatchFinished(modeParallel, final, time.Since(start))
	return final, nil
}

// UploadChunked moves the first selected item through the chunk uploader. Other selected items
// keep their state.
func (o *Orchestrator) UploadChunked(ctx context.Context) (BatchState, error) {
	indices, state, err := o.begin("upload chunked", firstIndex)
	if err != nil {
		return BatchState{}, err
	}

	i := indices[0]
	item := state.Items[i]
	start := time.Now()
	o.tracker.logBatchStarted(modeChunked, 1, item.SizeBytes)

	size := item.SizeBytes
	if size <= 0 {
		size = transfer.UnknownSize
	}

	transferID := o.newTransferID()
	o.logger.Infof("Uploading %s (%s) as transfer %s", item.DisplayName, units.HumanSizeWithPrecision(float64(item.SizeBytes), 3), transferID)

	result, err := o.chunks.Upload(ctx, chunkuploader.Params{
		TransferID:  transferID,
		Source:      item.Source,
		TotalSize:   size,
		ContentType: item.MimeType,
		OnProgress: func(percent int) {
			o.setProgress(i, percent)
		},
	})

	message := "Done"
	var finished SelectedItem
	if err != nil {
		o.logger.Errorf("Chunked upload of %s failed: %s", item.DisplayName, err)
		message = "Failed " + err.Error()
		finished = o.markFailed(i, err)
	} else {
		o.logger.Donef("Uploaded %s to %s", item.DisplayName, result.URL)
		finished = o.markDone(i, result.URL)
	}
	o.tracker.logItemFinished(modeChunked, finished, time.Since(start))

	final := o.finish(message)
	o.tracker.logBatchFinished(modeChunked, final, time.Since(start))
	return final, nil
}

func totalSize(items []SelectedItem) int64 {
	var total int64
	for _, item := range items {
		total += itemSize(item)
	}
	return total
}
