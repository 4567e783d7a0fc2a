package orchestrator

import (
	"github.com/bitrise-io/go-chunkupload/client/chunkuploader"
)

// Status is the upload state of a single item.
type Status int

const (
	// Idle items have not been uploaded yet.
	Idle Status = iota
	// Uploading items have an upload in flight.
	Uploading
	// Done items were stored by the server; ResultURL is set.
	Done
	// Failed items could not be uploaded; LastError is set.
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Uploading:
		return "uploading"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status ends an upload attempt.
func (s Status) IsTerminal() bool {
	return s == Done || s == Failed
}

// SelectedItem is one file to upload and the outcome of its latest attempt.
type SelectedItem struct {
	Source      chunkuploader.Source
	DisplayName string
	MimeType    string
	SizeBytes   int64

	Status    Status
	Progress  int
	ResultURL string
	LastError string
}

// BatchState is an immutable snapshot of the orchestrator. Every change publishes a new value.
type BatchState struct {
	Items       []SelectedItem
	IsUploading bool
	LastMessage string
}

func (s BatchState) clone() BatchState {
	c := s
	c.Items = make([]SelectedItem, len(s.Items))
	copy(c.Items, s.Items)
	return c
}

func resetItem(item *SelectedItem) {
	item.Status = Uploading
	item.Progress = 0
	item.ResultURL = ""
	item.LastError = ""
}
