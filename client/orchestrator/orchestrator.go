// Package orchestrator coordinates the upload of a batch of selected files and publishes every
// change of the batch as an immutable BatchState snapshot.
package orchestrator

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-chunkupload/client/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/client/network"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/google/uuid"
)

// Transport submits whole files, batches and chunks to the server.
type Transport interface {
	UploadFile(ctx context.Context, part network.FilePart, message string, onProgress network.ProgressFunc) (transfer.UploadResponse, error)
	UploadMany(ctx context.Context, parts []network.FilePart, onProgress network.ProgressFunc) ([]transfer.UploadResponse, error)
	chunkuploader.ChunkSender
}

// Orchestrator owns the BatchState. Writers are serialized; readers load the latest snapshot
// without locking.
type Orchestrator struct {
	transport    Transport
	chunks       *chunkuploader.Uploader
	tracker      batchTracker
	logger       log.Logger
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker

	newTransferID func() string

	mu        sync.Mutex
	state     atomic.Pointer[BatchState]
	observers []func(BatchState)
}

// New creates an Orchestrator with an empty selection.
func New(
	transport Transport,
	config chunkuploader.Config,
	tracker analytics.Tracker,
	logger log.Logger,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
) *Orchestrator {
	o := &Orchestrator{
		transport:     transport,
		chunks:        chunkuploader.New(config, transport, logger),
		tracker:       batchTracker{tracker: tracker},
		logger:        logger,
		pathModifier:  pathModifier,
		pathChecker:   pathChecker,
		newTransferID: uuid.NewString,
	}
	o.state.Store(&BatchState{})
	return o
}

// State returns the latest snapshot.
func (o *Orchestrator) State() BatchState {
	return o.state.Load().clone()
}

// OnChange registers fn to receive every published snapshot, in publication order.
func (o *Orchestrator) OnChange(fn func(BatchState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

// Select appends items to the selection. Selection is rejected while a batch is uploading.
func (o *Orchestrator) Select(items ...SelectedItem) error {
	return o.updateIdle(func(s *BatchState) {
		for _, item := range items {
			item.Status = Idle
			item.Progress = 0
			item.ResultURL = ""
			item.LastError = ""
			s.Items = append(s.Items, item)
		}
	})
}

// Clear drops the selection.
func (o *Orchestrator) Clear() error {
	return o.updateIdle(func(s *BatchState) {
		s.Items = nil
		s.LastMessage = ""
	})
}

// Wait flushes pending analytics events.
func (o *Orchestrator) Wait() {
	o.tracker.tracker.Wait()
}

func (o *Orchestrator) updateIdle(fn func(*BatchState)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Load().IsUploading {
		return transfer.NewError(transfer.KindInvalidInput, "select", transfer.ErrUploadInProgress)
	}
	o.publishLocked(fn)
	return nil
}

func (o *Orchestrator) update(fn func(*BatchState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.publishLocked(fn)
}

func (o *Orchestrator) publishLocked(fn func(*BatchState)) {
	next := o.state.Load().clone()
	fn(&next)
	o.state.Store(&next)

	for _, observer := range o.observers {
		observer(next.clone())
	}
}

// begin marks the batch as uploading and resets the items at indices.
func (o *Orchestrator) begin(op string, indices func(n int) []int) ([]int, BatchState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	current := o.state.Load()
	if current.IsUploading {
		return nil, BatchState{}, transfer.NewError(transfer.KindInvalidInput, op, transfer.ErrUploadInProgress)
	}
	if len(current.Items) == 0 {
		return nil, BatchState{}, transfer.NewError(transfer.KindInvalidInput, op, transfer.ErrNothingSelected)
	}

	selected := indices(len(current.Items))
	o.publishLocked(func(s *BatchState) {
		s.IsUploading = true
		s.LastMessage = "Uploading..."
		for _, i := range selected {
			resetItem(&s.Items[i])
		}
	})

	return selected, o.state.Load().clone(), nil
}

func (o *Orchestrator) finish(message string) BatchState {
	o.update(func(s *BatchState) {
		s.IsUploading = false
		s.LastMessage = message
	})
	return o.State()
}

// setProgress raises the progress of an uploading item; lower values are ignored.
func (o *Orchestrator) setProgress(index, percent int) {
	current := o.state.Load()
	if index >= len(current.Items) || current.Items[index].Status != Uploading || percent <= current.Items[index].Progress {
		return
	}

	o.update(func(s *BatchState) {
		item := &s.Items[index]
		if item.Status == Uploading && percent > item.Progress {
			item.Progress = percent
		}
	})
}

func (o *Orchestrator) markDone(index int, url string) SelectedItem {
	var result SelectedItem
	o.update(func(s *BatchState) {
		item := &s.Items[index]
		item.Status = Done
		item.Progress = 100
		item.ResultURL = url
		item.LastError = ""
		result = *item
	})
	return result
}

func (o *Orchestrator) markFailed(index int, err error) SelectedItem {
	var result SelectedItem
	o.update(func(s *BatchState) {
		item := &s.Items[index]
		item.Status = Failed
		item.ResultURL = ""
		item.LastError = err.Error()
		result = *item
	})
	return result
}

func allIndices(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func firstIndex(int) []int {
	return []int{0}
}

func itemSize(item SelectedItem) int64 {
	if item.SizeBytes > 0 || item.Source == nil {
		return item.SizeBytes
	}
	size, err := item.Source.Size()
	if err != nil {
		return 0
	}
	return size
}

func filePart(item SelectedItem) network.FilePart {
	return network.FilePart{
		FileName:    item.DisplayName,
		ContentType: item.MimeType,
		Size:        itemSize(item),
		Open: func() (io.ReadCloser, error) {
			if item.Source == nil {
				return nil, transfer.ErrSourceUnavailable
			}
			return item.Source.Open()
		},
	}
}
