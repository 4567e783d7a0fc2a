package transfer

import (
	"errors"
)

// Kind classifies a failure by how it must be handled.
type Kind int

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = iota
	// KindInvalidInput is bad metadata or an empty source, rejected before any I/O.
	KindInvalidInput
	// KindTransport is a network or remote server failure.
	KindTransport
	// KindStorage is a local disk read or write failure.
	KindStorage
	// KindConsistency is a missing chunk at assembly time despite a complete count.
	KindConsistency
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindTransport:
		return "transport failure"
	case KindStorage:
		return "storage failure"
	case KindConsistency:
		return "consistency violation"
	default:
		return "unknown"
	}
}

var (
	// ErrEmptySource is returned when a source has no bytes to transfer.
	ErrEmptySource = errors.New("source is empty")
	// ErrEmptyChunk is returned when a chunk read yields zero bytes mid-transfer.
	ErrEmptyChunk = errors.New("empty chunk")
	// ErrSourceUnavailable is returned when a source cannot be opened.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrInvalidChunkMetadata is returned for a bad transfer id, index or total.
	ErrInvalidChunkMetadata = errors.New("invalid chunk metadata")
	// ErrMissingChunk is returned when an expected chunk is absent at assembly time.
	ErrMissingChunk = errors.New("missing chunk")
	// ErrIO is returned when writing the assembled artifact fails.
	ErrIO = errors.New("i/o failure")
	// ErrTransferNotFound is returned when no record exists for a transfer id.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrNothingSelected is returned when an upload is started without selected items.
	ErrNothingSelected = errors.New("no items selected")
	// ErrUploadInProgress is returned when the batch is already uploading.
	ErrUploadInProgress = errors.New("upload already in progress")
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError wraps err with kind and op.
func NewError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
