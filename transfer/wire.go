package transfer

import (
	"fmt"
	"time"
)

// Multipart form field names used by the upload endpoints.
const (
	FieldFile        = "file"
	FieldFiles       = "files"
	FieldMessage     = "message"
	FieldFileID      = "fileId"
	FieldIndex       = "index"
	FieldTotal       = "total"
	FieldChunk       = "chunk"
	FieldContentType = "contentType"
)

// UploadResponse describes a stored whole-file upload.
type UploadResponse struct {
	ID        string `json:"id"`
	FileName  string `json:"fileName"`
	MediaType string `json:"mediaType,omitempty"`
	SizeBytes int64  `json:"sizeBytes"`
	URL       string `json:"url"`
}

// ChunkResponse is returned for every accepted chunk. URL and FinishedAt are set only when
// Completed is true; ReceivedIndex only when it is false.
type ChunkResponse struct {
	Completed     bool       `json:"completed"`
	URL           string     `json:"url,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	ReceivedIndex *int       `json:"receivedIndex,omitempty"`
	Checksum      string     `json:"checksum,omitempty"`
}

// PendingResponse builds the response for a chunk that did not complete its transfer.
func PendingResponse(index int) ChunkResponse {
	return ChunkResponse{Completed: false, ReceivedIndex: &index}
}

// CompletedResponse builds the response for the chunk that completed its transfer.
func CompletedResponse(url string, finishedAt time.Time, checksum string) ChunkResponse {
	return ChunkResponse{Completed: true, URL: url, FinishedAt: &finishedAt, Checksum: checksum}
}

// TransferStatus reports the server-side progress of a chunked transfer.
type TransferStatus struct {
	FileID       string    `json:"fileId"`
	Total        int       `json:"total"`
	Received     []int     `json:"received"`
	Missing      []int     `json:"missing"`
	Completed    bool      `json:"completed"`
	LastActivity time.Time `json:"lastActivity"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Chunk is one piece of a transfer as handed to the transport.
type Chunk struct {
	TransferID  string
	Index       int
	Total       int
	ContentType string
	Data        []byte
}

// FileName is the name of the multipart part carrying the chunk payload.
func (c Chunk) FileName() string {
	return fmt.Sprintf("chunk_%d.bin", c.Index)
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// API paths served by the upload server.
const (
	PathHealth      = "/api/health"
	PathUpload      = "/api/upload"
	PathUploadMany  = "/api/uploadMany"
	PathUploadChunk = "/api/upload/chunk"
)
