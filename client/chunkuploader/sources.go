package chunkuploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// FileSource reads chunks from a file on disk.
type FileSource struct {
	Path string
}

// NewFileSource creates a Source backed by the file at path.
func NewFileSource(path string) FileSource {
	return FileSource{Path: path}
}

// Open opens the file for reading.
func (s FileSource) Open() (io.ReadSeekCloser, error) {
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

// Size returns the current size of the file.
func (s FileSource) Size() (int64, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", s.Path)
	}
	return info.Size(), nil
}

// BytesSource serves chunks from an in-memory buffer.
type BytesSource struct {
	data []byte
}

// NewBytesSource creates a Source over data. The slice is not copied.
func NewBytesSource(data []byte) BytesSource {
	return BytesSource{data: data}
}

// Open returns a reader over the buffer.
func (s BytesSource) Open() (io.ReadSeekCloser, error) {
	return nopCloser{bytes.NewReader(s.data)}, nil
}

// Size returns the length of the buffer.
func (s BytesSource) Size() (int64, error) {
	return int64(len(s.data)), nil
}

type nopCloser struct {
	io.ReadSeeker
}

func (nopCloser) Close() error { return nil }
