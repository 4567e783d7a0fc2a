// Package reassembly merges the stored chunks of a completed transfer into the final artifact.
package reassembly

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strconv"

	"github.com/bitrise-io/go-chunkupload/internal"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// ScratchDirName is the directory under the storage root that holds in-flight chunks.
const ScratchDirName = "chunks"

// ChunkDir returns the scratch directory of a transfer.
func ChunkDir(root, transferID string) string {
	return filepath.Join(root, ScratchDirName, transferID)
}

// ChunkPath returns the path of one stored chunk.
func ChunkPath(root, transferID string, index int) string {
	return filepath.Join(ChunkDir(root, transferID), strconv.Itoa(index))
}

// Reassembler concatenates chunk payloads into artifacts stored at the root.
type Reassembler struct {
	root          string
	publicBaseURL string
	fs            internal.FileSystem
	logger        log.Logger
}

// New creates a Reassembler writing artifacts under root.
func New(root, publicBaseURL string, logger log.Logger) *Reassembler {
	return NewWithFileSystem(root, publicBaseURL, internal.OSFileSystem{}, logger)
}

// NewWithFileSystem creates a Reassembler on top of fsys.
func NewWithFileSystem(root, publicBaseURL string, fsys internal.FileSystem, logger log.Logger) *Reassembler {
	return &Reassembler{
		root:          root,
		publicBaseURL: publicBaseURL,
		fs:            fsys,
		logger:        logger,
	}
}

// Assemble writes chunks 0..total-1 of transferID, in order, to <root>/<outputName> and removes
// the scratch directory. On failure the partial output is removed and the chunks are kept.
func (r *Reassembler) Assemble(transferID string, total int, outputName string) (transfer.Artifact, error) {
	output := filepath.Join(r.root, outputName)

	if err := r.fs.Remove(output); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return transfer.Artifact{}, transfer.NewError(transfer.KindStorage, "assemble", fmt.Errorf("%w: remove existing %s: %s", transfer.ErrIO, output, err))
	}

	size, checksum, err := r.concatenate(transferID, total, output)
	if err != nil {
		if rmErr := r.fs.Remove(output); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			r.logger.Warnf("Failed to remove partial output %s: %s", output, rmErr)
		}
		return transfer.Artifact{}, err
	}

	if err := r.fs.RemoveAll(ChunkDir(r.root, transferID)); err != nil {
		r.logger.Warnf("Failed to remove chunks of transfer %s: %s", transferID, err)
	}

	r.logger.Infof("Assembled %s from %d chunks (%s)", outputName, total, units.HumanSizeWithPrecision(float64(size), 3))

	return transfer.Artifact{
		Name:     outputName,
		Path:     output,
		URL:      transfer.PublicURL(r.publicBaseURL, outputName),
		Size:     size,
		Checksum: checksum,
	}, nil
}

func (r *Reassembler) concatenate(transferID string, total int, output string) (int64, string, error) {
	out, err := r.fs.Create(output)
	if err != nil {
		return 0, "", transfer.NewError(transfer.KindStorage, "assemble", fmt.Errorf("%w: create %s: %s", transfer.ErrIO, output, err))
	}

	hash := sha256.New()
	w := io.MultiWriter(out, hash)

	var size int64
	for i := 0; i < total; i++ {
		n, err := r.appendChunk(w, transferID, i)
		if err != nil {
			_ = out.Close()
			return 0, "", err
		}
		size += n
	}

	if err := out.Close(); err != nil {
		return 0, "", transfer.NewError(transfer.KindStorage, "assemble", fmt.Errorf("%w: close %s: %s", transfer.ErrIO, output, err))
	}

	return size, hex.EncodeToString(hash.Sum(nil)), nil
}

func (r *Reassembler) appendChunk(w io.Writer, transferID string, index int) (int64, error) {
	path := ChunkPath(r.root, transferID, index)

	chunk, err := r.fs.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, transfer.NewError(transfer.KindConsistency, "assemble", fmt.Errorf("%w: transfer %s index %d", transfer.ErrMissingChunk, transferID, index))
	}
	if err != nil {
		return 0, transfer.NewError(transfer.KindStorage, "assemble", fmt.Errorf("%w: open chunk %d: %s", transfer.ErrIO, index, err))
	}
	defer func() {
		_ = chunk.Close()
	}()

	n, err := io.Copy(w, chunk)
	if err != nil {
		return n, transfer.NewError(transfer.KindStorage, "assemble", fmt.Errorf("%w: copy chunk %d: %s", transfer.ErrIO, index, err))
	}
	return n, nil
}
