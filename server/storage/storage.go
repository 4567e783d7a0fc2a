// Package storage keeps whole-file uploads under the upload root.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-chunkupload/internal"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// IncomingDirName holds partially received whole-file uploads.
const IncomingDirName = ".incoming"

// Storage writes uploaded files to <root>/<uuid><ext>.
type Storage struct {
	root          string
	publicBaseURL string
	fs            internal.FileSystem
	logger        log.Logger
	newID         func() string
	now           func() time.Time
}

// New creates a Storage writing under root.
func New(root, publicBaseURL string, logger log.Logger) *Storage {
	return NewWithFileSystem(root, publicBaseURL, internal.OSFileSystem{}, logger)
}

// NewWithFileSystem creates a Storage on top of fsys.
func NewWithFileSystem(root, publicBaseURL string, fsys internal.FileSystem, logger log.Logger) *Storage {
	return &Storage{
		root:          root,
		publicBaseURL: publicBaseURL,
		fs:            fsys,
		logger:        logger,
		newID:         uuid.NewString,
		now:           time.Now,
	}
}

// Save streams r into a new artifact. The file only appears under its final name once it was
// written completely.
func (s *Storage) Save(contentType string, r io.Reader) (transfer.Artifact, error) {
	incoming := filepath.Join(s.root, IncomingDirName)
	if err := s.fs.MkdirAll(incoming, 0755); err != nil {
		return transfer.Artifact{}, transfer.NewError(transfer.KindStorage, "save file", fmt.Errorf("%w: create %s: %s", transfer.ErrIO, incoming, err))
	}

	f, err := s.fs.CreateTemp(incoming, "upload-*")
	if err != nil {
		return transfer.Artifact{}, transfer.NewError(transfer.KindStorage, "save file", fmt.Errorf("%w: %s", transfer.ErrIO, err))
	}

	hash := sha256.New()
	size, copyErr := io.Copy(io.MultiWriter(f, hash), r)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		s.removeQuietly(f.Name())
		return transfer.Artifact{}, transfer.NewError(transfer.KindStorage, "save file", fmt.Errorf("%w: %s", transfer.ErrIO, copyErr))
	}

	name := s.newID() + transfer.ExtensionFor(contentType)
	path := filepath.Join(s.root, name)
	if err := s.fs.Rename(f.Name(), path); err != nil {
		s.removeQuietly(f.Name())
		return transfer.Artifact{}, transfer.NewError(transfer.KindStorage, "save file", fmt.Errorf("%w: %s", transfer.ErrIO, err))
	}

	s.logger.Infof("Stored %s (%s)", name, units.HumanSizeWithPrecision(float64(size), 3))

	return transfer.Artifact{
		Name:     name,
		Path:     path,
		URL:      transfer.PublicURL(s.publicBaseURL, name),
		Size:     size,
		Checksum: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// Remove deletes a previously saved artifact.
func (s *Storage) Remove(artifact transfer.Artifact) error {
	if err := s.fs.Remove(artifact.Path); err != nil {
		return transfer.NewError(transfer.KindStorage, "remove file", fmt.Errorf("%w: %s", transfer.ErrIO, err))
	}
	return nil
}

// CleanupStale removes staged uploads older than olderThan, left behind by interrupted requests.
func (s *Storage) CleanupStale(olderThan time.Duration) (int, error) {
	incoming := filepath.Join(s.root, IncomingDirName)
	entries, err := s.fs.ReadDir(incoming)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, transfer.NewError(transfer.KindStorage, "cleanup", fmt.Errorf("%w: list %s: %s", transfer.ErrIO, incoming, err))
	}

	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || entry.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := s.fs.Remove(filepath.Join(incoming, entry.Name())); err != nil {
			s.logger.Warnf("Failed to remove staged upload %s: %s", entry.Name(), err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Infof("Cleaned up %d interrupted upload(s)", removed)
	}

	return removed, nil
}

func (s *Storage) removeQuietly(path string) {
	if err := s.fs.Remove(path); err != nil {
		s.logger.Warnf("Failed to remove %s: %s", path, err)
	}
}
