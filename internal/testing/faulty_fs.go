package testing

import (
	"errors"
	"strings"

	"github.com/bitrise-io/go-chunkupload/internal"
)

// ErrInjected is returned by FaultyFileSystem for every injected failure.
var ErrInjected = errors.New("injected failure")

// FaultyFileSystem behaves like the real filesystem except for the failures it is told to inject.
type FaultyFileSystem struct {
	internal.OSFileSystem

	// FailWritesAfter makes writes to files created through Create fail once this many bytes
	// were written. Zero or negative disables the fault.
	FailWritesAfter int64
	// FailRenameTo makes Rename fail when the target path contains this substring.
	FailRenameTo string
}

// Create creates the file and wraps it with the configured write fault.
func (f *FaultyFileSystem) Create(name string) (internal.File, error) {
	file, err := f.OSFileSystem.Create(name)
	if err != nil {
		return nil, err
	}
	if f.FailWritesAfter <= 0 {
		return file, nil
	}
	return &faultyFile{File: file, remaining: f.FailWritesAfter}, nil
}

// Rename fails for targets matching FailRenameTo.
func (f *FaultyFileSystem) Rename(oldpath, newpath string) error {
	if f.FailRenameTo != "" && strings.Contains(newpath, f.FailRenameTo) {
		return ErrInjected
	}
	return f.OSFileSystem.Rename(oldpath, newpath)
}

type faultyFile struct {
	internal.File
	remaining int64
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if int64(len(p)) > f.remaining {
		n, err := f.File.Write(p[:f.remaining])
		f.remaining -= int64(n)
		if err != nil {
			return n, err
		}
		return n, ErrInjected
	}
	n, err := f.File.Write(p)
	f.remaining -= int64(n)
	return n, err
}
