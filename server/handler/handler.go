// Package handler exposes the upload endpoints over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/server/chunkstore"
	"github.com/bitrise-io/go-chunkupload/server/reassembly"
	"github.com/bitrise-io/go-chunkupload/server/validation"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	formMemory       = 8 * units.MiB
	multipartHeadway = 64 * units.KiB
	unknownFileName  = "unknown"
)

// ChunkStore persists chunks and completes transfers.
type ChunkStore interface {
	Receive(transferID string, index, total int, contentType string, payload io.Reader) (chunkstore.Result, error)
	Status(transferID string) (transfer.TransferStatus, error)
	Abort(transferID string) error
}

// FileStore persists whole-file uploads.
type FileStore interface {
	Save(contentType string, r io.Reader) (transfer.Artifact, error)
	Remove(artifact transfer.Artifact) error
}

// Publisher mirrors completed artifacts somewhere else.
type Publisher interface {
	Publish(ctx context.Context, artifact transfer.Artifact) error
}

// Config wires the collaborators of a Handler.
type Config struct {
	// Root is the upload directory served as static content.
	Root         string
	Chunks       ChunkStore
	Files        FileStore
	Rules        validation.Rules
	MaxChunkSize int64
	// MaxBatchSize bounds the whole request body of a multi-file upload.
	MaxBatchSize int64
	// Publisher is optional.
	Publisher Publisher
	Clock     func() time.Time
}

// Handler serves the upload API and the stored artifacts.
type Handler struct {
	config Config
	logger log.Logger
	mux    *http.ServeMux
	wg     sync.WaitGroup
}

// New builds the handler and registers its routes.
func New(config Config, logger log.Logger) *Handler {
	if config.Clock == nil {
		config.Clock = time.Now
	}

	h := &Handler{config: config, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET "+transfer.PathHealth, h.health)
	h.mux.HandleFunc("POST "+transfer.PathUpload, h.upload)
	h.mux.HandleFunc("POST "+transfer.PathUploadMany, h.uploadMany)
	h.mux.HandleFunc("POST "+transfer.PathUploadChunk, h.uploadChunk)
	h.mux.HandleFunc("GET "+transfer.PathUploadChunk+"/{fileId}", h.chunkStatus)
	h.mux.HandleFunc("DELETE "+transfer.PathUploadChunk+"/{fileId}", h.abortChunks)
	h.mux.Handle("GET /", h.static())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Wait blocks until every in-flight publish has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, transfer.HealthResponse{Status: "ok", Time: h.config.Clock().UTC()})
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	form, err := h.parseForm(w, r, h.maxFileSize())
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer removeForm(form)

	headers := form.File[transfer.FieldFile]
	if len(headers) == 0 {
		h.writeError(w, missingPart(transfer.FieldFile))
		return
	}
	header := headers[0]
	if err := h.config.Rules.ValidateFile(partContentType(header), header.Size); err != nil {
		h.writeError(w, err)
		return
	}

	if message := firstValue(form, transfer.FieldMessage); message != "" {
		h.logger.Infof("Upload of %s: %s", header.Filename, message)
	}

	saved, err := h.save(header)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.publish(r.Context(), saved.artifact)
	h.writeJSON(w, http.StatusCreated, saved.response)
}

func (h *Handler) uploadMany(w http.ResponseWriter, r *http.Request) {
	form, err := h.parseForm(w, r, h.config.MaxBatchSize)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer removeForm(form)

	headers := form.File[transfer.FieldFiles]
	if len(headers) == 0 {
		h.writeError(w, missingPart(transfer.FieldFiles))
		return
	}
	for _, header := range headers {
		if err := h.config.Rules.ValidateFile(partContentType(header), header.Size); err != nil {
			h.writeError(w, fmt.Errorf("%s: %w", header.Filename, err))
			return
		}
	}

	saved := make([]savedFile, 0, len(headers))
	for _, header := range headers {
		file, err := h.save(header)
		if err != nil {
			h.rollback(saved)
			h.writeError(w, err)
			return
		}
		saved = append(saved, file)
	}

	responses := make([]transfer.UploadResponse, 0, len(saved))
	for _, file := range saved {
		responses = append(responses, file.response)
		h.publish(r.Context(), file.artifact)
	}
	h.writeJSON(w, http.StatusCreated, responses)
}

func (h *Handler) uploadChunk(w http.ResponseWriter, r *http.Request) {
	form, err := h.parseForm(w, r, h.config.MaxChunkSize)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer removeForm(form)

	transferID := firstValue(form, transfer.FieldFileID)
	index, err := intField(form, transfer.FieldIndex)
	if err != nil {
		h.writeError(w, err)
		return
	}
	total, err := intField(form, transfer.FieldTotal)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := chunkstore.ValidateChunk(transferID, index, total); err != nil {
		h.writeError(w, err)
		return
	}

	headers := form.File[transfer.FieldChunk]
	if len(headers) == 0 {
		h.writeError(w, missingPart(transfer.FieldChunk))
		return
	}
	payload, err := headers[0].Open()
	if err != nil {
		h.writeError(w, transfer.NewError(transfer.KindStorage, "open chunk", err))
		return
	}
	defer func() {
		if err := payload.Close(); err != nil {
			h.logger.Warnf("Failed to close chunk payload: %s", err)
		}
	}()

	result, err := h.config.Chunks.Receive(transferID, index, total, firstValue(form, transfer.FieldContentType), payload)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if !result.Completed {
		h.writeJSON(w, http.StatusAccepted, result.Response())
		return
	}
	if !result.Replayed {
		h.publish(r.Context(), result.Artifact)
	}
	h.writeJSON(w, http.StatusOK, result.Response())
}

func (h *Handler) chunkStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.config.Chunks.Status(r.PathValue("fileId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) abortChunks(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Chunks.Abort(r.PathValue("fileId")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// static serves stored artifacts by name. Scratch areas and directories are never listed.
func (h *Handler) static() http.Handler {
	files := http.FileServer(http.Dir(h.config.Root))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		first, _, _ := strings.Cut(name, "/")
		if name == "" || first == reassembly.ScratchDirName || strings.HasPrefix(first, ".") {
			http.NotFound(w, r)
			return
		}

		info, err := os.Stat(filepath.Join(h.config.Root, filepath.FromSlash(name)))
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}

		files.ServeHTTP(w, r)
	})
}

type savedFile struct {
	artifact transfer.Artifact
	response transfer.UploadResponse
}

func (h *Handler) save(header *multipart.FileHeader) (savedFile, error) {
	file, err := header.Open()
	if err != nil {
		return savedFile{}, transfer.NewError(transfer.KindStorage, "open upload", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			h.logger.Warnf("Failed to close upload %s: %s", header.Filename, err)
		}
	}()

	contentType := partContentType(header)
	artifact, err := h.config.Files.Save(contentType, file)
	if err != nil {
		return savedFile{}, err
	}

	fileName := header.Filename
	if fileName == "" {
		fileName = unknownFileName
	}

	saved := savedFile{
		artifact: artifact,
		response: transfer.UploadResponse{
			ID:        strings.TrimSuffix(artifact.Name, filepath.Ext(artifact.Name)),
			FileName:  fileName,
			MediaType: contentType,
			SizeBytes: artifact.Size,
			URL:       artifact.URL,
		},
	}
	return saved, nil
}

func (h *Handler) rollback(saved []savedFile) {
	for _, file := range saved {
		if err := h.config.Files.Remove(file.artifact); err != nil {
			h.logger.Warnf("Failed to roll back %s: %s", file.artifact.Name, err)
		}
	}
}

func (h *Handler) publish(ctx context.Context, artifact transfer.Artifact) {
	if h.config.Publisher == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.config.Publisher.Publish(ctx, artifact); err != nil {
			h.logger.Warnf("Failed to mirror %s: %s", artifact.Name, err)
		}
	}()
}

func (h *Handler) maxFileSize() int64 {
	limit := h.config.Rules.MaxImageSize
	if h.config.Rules.MaxVideoSize > limit {
		limit = h.config.Rules.MaxVideoSize
	}
	if limit <= 0 {
		return -1
	}
	return limit
}

// parseForm reads a multipart request. A positive limit bounds the payload size.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request, limit int64) (*multipart.Form, error) {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartHeadway)
	}

	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), errRequestTooLarge.Error()) {
			return nil, errRequestTooLarge
		}
		return nil, transfer.NewError(transfer.KindInvalidInput, "parse form", err)
	}

	return r.MultipartForm, nil
}

func removeForm(form *multipart.Form) {
	_ = form.RemoveAll()
}

func partContentType(header *multipart.FileHeader) string {
	return header.Header.Get("Content-Type")
}

func firstValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

func intField(form *multipart.Form, key string) (int, error) {
	raw := firstValue(form, key)
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, transfer.NewError(transfer.KindInvalidInput, "parse form",
			fmt.Errorf("%w: %s must be an integer, got %q", transfer.ErrInvalidChunkMetadata, key, raw))
	}
	return value, nil
}

func missingPart(name string) error {
	return transfer.NewError(transfer.KindInvalidInput, "parse form", fmt.Errorf("missing part %q", name))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warnf("Failed to write response: %s", err)
	}
}
