// Package chunkstore persists the chunks of in-flight transfers and triggers reassembly exactly
// once per transfer, when the last missing chunk arrives.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/internal"
	"github.com/bitrise-io/go-chunkupload/server/reassembly"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gabriel-vasile/mimetype"
)

const (
	stagingDirName   = ".staging"
	defaultExtension = ".bin"
	maxTransferIDLen = 128
)

// Assembler merges the chunks of a complete transfer.
type Assembler interface {
	Assemble(transferID string, total int, outputName string) (transfer.Artifact, error)
}

// Config tunes a Store.
type Config struct {
	// OutputExtension forces the extension of every merged artifact, e.g. ".mp4". When empty the
	// extension follows the declared content type, then the detected type of the first chunk.
	OutputExtension string
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Result is the outcome of receiving one chunk.
type Result struct {
	Completed     bool
	ReceivedIndex int
	Artifact      transfer.Artifact
	FinishedAt    time.Time
	// Replayed is set when the transfer had already been assembled before this chunk arrived.
	Replayed bool
}

// Response converts the result to its wire form.
func (r Result) Response() transfer.ChunkResponse {
	if !r.Completed {
		return transfer.PendingResponse(r.ReceivedIndex)
	}
	return transfer.CompletedResponse(r.Artifact.URL, r.FinishedAt, r.Artifact.Checksum)
}

type transferRecord struct {
	mu          sync.Mutex
	total       int
	contentType string
	received    map[int]struct{}
	lastSeen    time.Time
	completed   *Result
	removed     bool
}

// Store keeps chunks under <root>/chunks/<transferID>/<index>. Transfers never share a lock;
// chunks of the same transfer are serialized by the transfer's own lock.
type Store struct {
	root      string
	assembler Assembler
	fs        internal.FileSystem
	logger    log.Logger
	config    Config

	mu        sync.Mutex
	transfers map[string]*transferRecord
}

// New creates a Store rooted at root.
func New(root string, assembler Assembler, logger log.Logger, config Config) *Store {
	return NewWithFileSystem(root, assembler, internal.OSFileSystem{}, logger, config)
}

// NewWithFileSystem creates a Store on top of fsys.
func NewWithFileSystem(root string, assembler Assembler, fsys internal.FileSystem, logger log.Logger, config Config) *Store {
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Store{
		root:      root,
		assembler: assembler,
		fs:        fsys,
		logger:    logger,
		config:    config,
		transfers: map[string]*transferRecord{},
	}
}

// Receive persists one chunk. Storing the same index twice keeps the latest payload. When the
// chunk completes the transfer, the artifact is assembled before Receive returns.
func (s *Store) Receive(transferID string, index, total int, contentType string, payload io.Reader) (Result, error) {
	if err := ValidateChunk(transferID, index, total); err != nil {
		return Result{}, err
	}

	staged, err := s.stage(transferID, payload)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if staged != "" {
			_ = s.fs.Remove(staged)
		}
	}()

	rec := s.lockRecord(transferID, total)
	defer rec.mu.Unlock()

	if rec.completed != nil {
		s.logger.Debugf("Transfer %s already assembled, ignoring chunk %d", transferID, index)
		replay := *rec.completed
		replay.Replayed = true
		return replay, nil
	}

	if rec.total != total {
		return Result{}, transfer.NewError(transfer.KindInvalidInput, "receive chunk",
			fmt.Errorf("%w: total %d does not match %d announced for transfer %s", transfer.ErrInvalidChunkMetadata, total, rec.total, transferID))
	}

	if rec.received == nil {
		received, err := s.scanReceived(transferID, total)
		if err != nil {
			return Result{}, err
		}
		if len(received) > 0 {
			s.logger.Infof("Transfer %s: resumed with %d chunk(s) already stored", transferID, len(received))
		}
		rec.received = received
	}

	dir := reassembly.ChunkDir(s.root, transferID)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return Result{}, transfer.NewError(transfer.KindStorage, "receive chunk", fmt.Errorf("%w: create %s: %s", transfer.ErrIO, dir, err))
	}
	if err := s.fs.Rename(staged, reassembly.ChunkPath(s.root, transferID, index)); err != nil {
		return Result{}, transfer.NewError(transfer.KindStorage, "receive chunk", fmt.Errorf("%w: store chunk %d: %s", transfer.ErrIO, index, err))
	}
	staged = ""

	rec.received[index] = struct{}{}
	rec.lastSeen = s.config.Clock()
	if rec.contentType == "" && contentType != "" {
		rec.contentType = contentType
	}
	s.logger.Debugf("Transfer %s: stored chunk %d (%d/%d)", transferID, index, len(rec.received), total)

	if len(rec.received) < total {
		return Result{ReceivedIndex: index}, nil
	}

	// The scratch area is the source of truth once every index was seen.
	onDisk, err := s.scanReceived(transferID, total)
	if err != nil {
		return Result{}, err
	}
	if len(onDisk) < total {
		s.logger.Warnf("Transfer %s: %d chunk(s) lost from the scratch area, waiting for resend", transferID, total-len(onDisk))
		rec.received = onDisk
		return Result{ReceivedIndex: index}, nil
	}

	outputName := transferID + s.outputExtension(transferID, rec.contentType)
	artifact, err := s.assembler.Assemble(transferID, total, outputName)
	if err != nil {
		s.logger.Errorf("Failed to assemble transfer %s: %s", transferID, err)
		rec.received = nil
		return Result{}, fmt.Errorf("receive chunk: %w", err)
	}

	result := Result{
		Completed:     true,
		ReceivedIndex: index,
		Artifact:      artifact,
		FinishedAt:    s.config.Clock().UTC(),
	}
	rec.completed = &result
	s.logger.Donef("Transfer %s completed: %s", transferID, artifact.URL)

	return result, nil
}

// Status reports which chunks of a transfer have been received.
func (s *Store) Status(transferID string) (transfer.TransferStatus, error) {
	rec, ok := s.lookup(transferID)
	if !ok {
		return transfer.TransferStatus{}, transfer.NewError(transfer.KindInvalidInput, "transfer status", fmt.Errorf("%w: %s", transfer.ErrTransferNotFound, transferID))
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	status := transfer.TransferStatus{
		FileID:       transferID,
		Total:        rec.total,
		Received:     []int{},
		Missing:      []int{},
		Completed:    rec.completed != nil,
		LastActivity: rec.lastSeen,
	}
	if rec.completed != nil {
		for i := 0; i < rec.total; i++ {
			status.Received = append(status.Received, i)
		}
		return status, nil
	}

	for i := 0; i < rec.total; i++ {
		if _, ok := rec.received[i]; ok {
			status.Received = append(status.Received, i)
		} else {
			status.Missing = append(status.Missing, i)
		}
	}

	return status, nil
}

// Abort discards an in-flight transfer and its chunks. A later chunk with the same id starts a
// new transfer.
func (s *Store) Abort(transferID string) error {
	if err := validateTransferID(transferID); err != nil {
		return err
	}

	rec, ok := s.lookup(transferID)
	if !ok {
		if _, err := s.fs.Stat(reassembly.ChunkDir(s.root, transferID)); err != nil {
			return transfer.NewError(transfer.KindInvalidInput, "abort transfer", fmt.Errorf("%w: %s", transfer.ErrTransferNotFound, transferID))
		}
		return s.removeChunks(transferID)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := s.removeChunks(transferID); err != nil {
		return err
	}
	s.forget(transferID, rec)
	s.logger.Infof("Transfer %s aborted", transferID)

	return nil
}

// CleanupStale drops transfers without activity for longer than olderThan, together with
// orphaned scratch directories and staged payloads. It returns the number of removed transfers.
func (s *Store) CleanupStale(olderThan time.Duration) (int, error) {
	cutoff := s.config.Clock().Add(-olderThan)

	s.mu.Lock()
	candidates := make(map[string]*transferRecord, len(s.transfers))
	for id, rec := range s.transfers {
		candidates[id] = rec
	}
	s.mu.Unlock()

	removed := 0
	for id, rec := range candidates {
		rec.mu.Lock()
		if !rec.removed && rec.lastSeen.Before(cutoff) {
			if err := s.removeChunks(id); err != nil {
				s.logger.Warnf("Failed to clean up transfer %s: %s", id, err)
			} else {
				s.forget(id, rec)
				removed++
			}
		}
		rec.mu.Unlock()
	}

	orphans, err := s.cleanupOrphans(cutoff)
	removed += orphans
	if removed > 0 {
		s.logger.Infof("Cleaned up %d stale transfer(s)", removed)
	}

	return removed, err
}

func (s *Store) cleanupOrphans(cutoff time.Time) (int, error) {
	scratch := filepath.Join(s.root, reassembly.ScratchDirName)
	entries, err := s.fs.ReadDir(scratch)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, transfer.NewError(transfer.KindStorage, "cleanup", fmt.Errorf("%w: list %s: %s", transfer.ErrIO, scratch, err))
	}

	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		if entry.Name() == stagingDirName {
			s.cleanupStaging(cutoff)
			continue
		}
		if _, tracked := s.lookup(entry.Name()); tracked {
			continue
		}

		if err := s.fs.RemoveAll(filepath.Join(scratch, entry.Name())); err != nil {
			s.logger.Warnf("Failed to remove orphaned chunks %s: %s", entry.Name(), err)
			continue
		}
		removed++
	}

	return removed, nil
}

func (s *Store) cleanupStaging(cutoff time.Time) {
	dir := s.stagingDir()
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := s.fs.Remove(filepath.Join(dir, entry.Name())); err != nil {
			s.logger.Warnf("Failed to remove staged payload %s: %s", entry.Name(), err)
		}
	}
}

// ValidateChunk checks the metadata of a chunk before anything is written.
func ValidateChunk(transferID string, index, total int) error {
	if err := validateTransferID(transferID); err != nil {
		return err
	}
	if total <= 0 {
		return transfer.NewError(transfer.KindInvalidInput, "receive chunk", fmt.Errorf("%w: total must be positive, got %d", transfer.ErrInvalidChunkMetadata, total))
	}
	if index < 0 || index >= total {
		return transfer.NewError(transfer.KindInvalidInput, "receive chunk", fmt.Errorf("%w: index %d out of range [0, %d)", transfer.ErrInvalidChunkMetadata, index, total))
	}
	return nil
}

func validateTransferID(transferID string) error {
	switch {
	case transferID == "":
		return transfer.NewError(transfer.KindInvalidInput, "receive chunk", fmt.Errorf("%w: empty transfer id", transfer.ErrInvalidChunkMetadata))
	case len(transferID) > maxTransferIDLen:
		return transfer.NewError(transfer.KindInvalidInput, "receive chunk", fmt.Errorf("%w: transfer id longer than %d characters", transfer.ErrInvalidChunkMetadata, maxTransferIDLen))
	case strings.HasPrefix(transferID, "."), strings.ContainsAny(transferID, "/\\\x00"):
		return transfer.NewError(transfer.KindInvalidInput, "receive chunk", fmt.Errorf("%w: illegal transfer id %q", transfer.ErrInvalidChunkMetadata, transferID))
	}
	return nil
}

func (s *Store) stagingDir() string {
	return filepath.Join(s.root, reassembly.ScratchDirName, stagingDirName)
}

// stage writes the payload outside of the transfer lock so slow uploads do not block other
// chunks of the same transfer.
func (s *Store) stage(transferID string, payload io.Reader) (string, error) {
	dir := s.stagingDir()
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return "", transfer.NewError(transfer.KindStorage, "receive chunk", fmt.Errorf("%w: create %s: %s", transfer.ErrIO, dir, err))
	}

	f, err := s.fs.CreateTemp(dir, transferID+"-*")
	if err != nil {
		return "", transfer.NewError(transfer.KindStorage, "receive chunk", fmt.Errorf("%w: create staging file: %s", transfer.ErrIO, err))
	}

	n, copyErr := io.Copy(f, payload)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = s.fs.Remove(f.Name())
		return "", transfer.NewError(transfer.KindStorage, "receive chunk", fmt.Errorf("%w: write chunk: %s", transfer.ErrIO, copyErr))
	}
	if n == 0 {
		_ = s.fs.Remove(f.Name())
		return "", transfer.NewError(transfer.KindInvalidInput, "receive chunk", transfer.ErrEmptyChunk)
	}

	return f.Name(), nil
}

// lockRecord returns the locked record of a transfer, creating it on first use.
func (s *Store) lockRecord(transferID string, total int) *transferRecord {
	for {
		s.mu.Lock()
		rec, ok := s.transfers[transferID]
		if !ok {
			rec = &transferRecord{total: total, lastSeen: s.config.Clock()}
			s.transfers[transferID] = rec
		}
		s.mu.Unlock()

		rec.mu.Lock()
		if !rec.removed {
			return rec
		}
		rec.mu.Unlock()
	}
}

func (s *Store) lookup(transferID string) (*transferRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.transfers[transferID]
	return rec, ok
}

// forget must be called with rec.mu held.
func (s *Store) forget(transferID string, rec *transferRecord) {
	rec.removed = true

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transfers[transferID] == rec {
		delete(s.transfers, transferID)
	}
}

func (s *Store) removeChunks(transferID string) error {
	if err := s.fs.RemoveAll(reassembly.ChunkDir(s.root, transferID)); err != nil {
		return transfer.NewError(transfer.KindStorage, "remove chunks", fmt.Errorf("%w: %s", transfer.ErrIO, err))
	}
	return nil
}

// scanReceived lists the chunks present on disk.
func (s *Store) scanReceived(transferID string, total int) (map[int]struct{}, error) {
	received := map[int]struct{}{}

	entries, err := s.fs.ReadDir(reassembly.ChunkDir(s.root, transferID))
	if errors.Is(err, fs.ErrNotExist) {
		return received, nil
	}
	if err != nil {
		return nil, transfer.NewError(transfer.KindStorage, "list chunks", fmt.Errorf("%w: %s", transfer.ErrIO, err))
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		index, err := strconv.Atoi(entry.Name())
		if err != nil || index < 0 || index >= total || strconv.Itoa(index) != entry.Name() {
			continue
		}
		received[index] = struct{}{}
	}

	return received, nil
}

func (s *Store) outputExtension(transferID, contentType string) string {
	if s.config.OutputExtension != "" {
		return s.config.OutputExtension
	}
	if ext := transfer.ExtensionFor(contentType); ext != "" {
		return ext
	}

	mtype, err := mimetype.DetectFile(reassembly.ChunkPath(s.root, transferID, 0))
	if err != nil {
		s.logger.Warnf("Failed to detect content type of transfer %s: %s", transferID, err)
		return defaultExtension
	}
	if ext := transfer.ExtensionFor(mtype.String()); ext != "" {
		return ext
	}
	if ext := mtype.Extension(); ext != "" {
		return ext
	}
	return defaultExtension
}
