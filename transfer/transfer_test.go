package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		totalSize int64
		chunkSize int64
		wantErr   error
	}{
		{name: "valid", id: "abc", totalSize: 10, chunkSize: 3},
		{name: "empty id", id: "", totalSize: 10, chunkSize: 3, wantErr: ErrInvalidChunkMetadata},
		{name: "zero chunk size", id: "abc", totalSize: 10, chunkSize: 0, wantErr: ErrInvalidChunkMetadata},
		{name: "empty source", id: "abc", totalSize: 0, chunkSize: 3, wantErr: ErrEmptySource},
		{name: "unknown size", id: "abc", totalSize: UnknownSize, chunkSize: 3, wantErr: ErrEmptySource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := New(tt.id, tt.totalSize, tt.chunkSize)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				assert.Equal(t, KindInvalidInput, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Positive(t, tr.TotalChunks())
		})
	}
}

func TestTransfer_ChunkLengthsSumToTotal(t *testing.T) {
	for _, totalSize := range []int64{1, 2, 7, 100, 2047, 2048, 2049, 65537} {
		for _, chunkSize := range []int64{1, 3, 7, 2048, 4096} {
			tr, err := New("id", totalSize, chunkSize)
			require.NoError(t, err)

			n := tr.TotalChunks()
			var sum int64
			for i := 0; i < n; i++ {
				l := tr.ChunkLength(i)
				assert.LessOrEqual(t, l, chunkSize)
				assert.Positive(t, l)
				sum += l
			}

			assert.Equal(t, totalSize, sum, fmt.Sprintf("total=%d chunk=%d", totalSize, chunkSize))
			assert.Equal(t, totalSize-int64(n-1)*chunkSize, tr.ChunkLength(n-1))
			assert.Equal(t, int64(0), tr.ChunkLength(n))
			assert.Equal(t, int64(0), tr.ChunkLength(-1))
		}
	}
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 5120, ChunkCount(10*1024*1024, 2*1024))
	assert.Equal(t, 1, ChunkCount(1, 2048))
	assert.Equal(t, 2, ChunkCount(2049, 2048))
	assert.Equal(t, 0, ChunkCount(0, 2048))
	assert.Equal(t, 0, ChunkCount(10, 0))
}

func TestProgress(t *testing.T) {
	tests := []struct {
		done, total int64
		want        int
	}{
		{0, 100, 0},
		{1, 3, 33},
		{2, 3, 66},
		{3, 3, 100},
		{5, 3, 100},
		{-1, 3, 0},
		{10, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Progress(tt.done, tt.total), fmt.Sprintf("%d/%d", tt.done, tt.total))
	}
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("receive chunk: %w", NewError(KindConsistency, "assemble", ErrMissingChunk))

	assert.Equal(t, KindConsistency, KindOf(err))
	assert.True(t, errors.Is(err, ErrMissingChunk))
	assert.Equal(t, "receive chunk: assemble: missing chunk", err.Error())
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, "consistency violation", KindConsistency.String())
}

func TestChunkResponse_JSON(t *testing.T) {
	pending, err := json.Marshal(PendingResponse(0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"completed":false,"receivedIndex":0}`, string(pending))

	finishedAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	completed, err := json.Marshal(CompletedResponse("/abc.mp4", finishedAt, ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"completed":true,"url":"/abc.mp4","finishedAt":"2024-01-02T03:04:05Z"}`, string(completed))
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".jpg", ExtensionFor("image/jpeg"))
	assert.Equal(t, ".mov", ExtensionFor("Video/QuickTime"))
	assert.Equal(t, ".webm", ExtensionFor("video/webm; codecs=vp9"))
	assert.Equal(t, "", ExtensionFor("application/pdf"))
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "video/mp4", ContentTypeFor(".MP4"))
	assert.Equal(t, "image/jpeg", ContentTypeFor(".jpg"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor(".bin"))
}

func TestPublicURL(t *testing.T) {
	assert.Equal(t, "/abc.mp4", PublicURL("", "abc.mp4"))
	assert.Equal(t, "https://cdn.example.com/abc.mp4", PublicURL("https://cdn.example.com/", "abc.mp4"))
}

func TestChunk_FileName(t *testing.T) {
	assert.Equal(t, "chunk_7.bin", Chunk{Index: 7}.FileName())
}
