package orchestrator

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/client/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/client/network"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/analytics"
)

type fakeTransport struct {
	mu         sync.Mutex
	uploadFile func(part network.FilePart) (transfer.UploadResponse, error)
	uploadMany func(parts []network.FilePart) ([]transfer.UploadResponse, error)
	uploaded   [][]byte
	chunks     []transfer.Chunk
}

func (f *fakeTransport) UploadFile(_ context.Context, part network.FilePart, _ string, onProgress network.ProgressFunc) (transfer.UploadResponse, error) {
	data, err := readPart(part)
	if err != nil {
		return transfer.UploadResponse{}, err
	}
	reportHalves(onProgress, int64(len(data)))

	f.mu.Lock()
	f.uploaded = append(f.uploaded, data)
	f.mu.Unlock()

	if f.uploadFile != nil {
		return f.uploadFile(part)
	}
	return transfer.UploadResponse{ID: part.FileName, FileName: part.FileName, SizeBytes: int64(len(data)), URL: "/" + part.FileName}, nil
}

func (f *fakeTransport) UploadMany(_ context.Context, parts []network.FilePart, onProgress network.ProgressFunc) ([]transfer.UploadResponse, error) {
	var total int64
	for _, p := range parts {
		total += p.Size
	}
	reportHalves(onProgress, total)

	if f.uploadMany != nil {
		return f.uploadMany(parts)
	}

	var resps []transfer.UploadResponse
	for _, p := range parts {
		resps = append(resps, transfer.UploadResponse{ID: p.FileName, FileName: p.FileName, URL: "/many/" + p.FileName})
	}
	return resps, nil
}

func (f *fakeTransport) UploadChunk(_ context.Context, chunk transfer.Chunk) (transfer.ChunkResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := chunk
	stored.Data = append([]byte(nil), chunk.Data...)
	f.chunks = append(f.chunks, stored)

	if chunk.Index == chunk.Total-1 {
		return transfer.CompletedResponse("/"+chunk.TransferID+".bin", time.Now(), ""), nil
	}
	return transfer.PendingResponse(chunk.Index), nil
}

func (f *fakeTransport) chunkPayload() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	for _, c := range f.chunks {
		buf.Write(c.Data)
	}
	return buf.Bytes()
}

func readPart(part network.FilePart) ([]byte, error) {
	rc, err := part.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func reportHalves(onProgress network.ProgressFunc, total int64) {
	if onProgress == nil {
		return
	}
	onProgress(total/2, total)
	onProgress(total, total)
}

type trackedEvent struct {
	name       string
	properties analytics.Properties
}

type fakeTracker struct {
	mu     sync.Mutex
	events []trackedEvent
	waited bool
}

func (t *fakeTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	t.mu.Lock()
	defer t.mu.Unlock()

	merged := analytics.Properties{}
	for _, p := range properties {
		for k, v := range p {
			merged[k] = v
		}
	}
	t.events = append(t.events, trackedEvent{name: eventName, properties: merged})
}

func (t *fakeTracker) Wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waited = true
}

func (t *fakeTracker) names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var names []string
	for _, e := range t.events {
		names = append(names, e.name)
	}
	return names
}

func bytesItem(name, mimeType string, data []byte) SelectedItem {
	return SelectedItem{
		Source:      chunkuploader.NewBytesSource(data),
		DisplayName: name,
		MimeType:    mimeType,
		SizeBytes:   int64(len(data)),
	}
}
