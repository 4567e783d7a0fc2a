// Package testing provides filesystem assertions and fault injection for the storage tests.
package testing

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// FileChecker collects assertions about one path and evaluates them together.
type FileChecker struct {
	Path   string
	Checks []func(string) error
}

// NewFileChecker creates a FileChecker for path.
func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path}
}

// Check evaluates every collected assertion and reports all failures at once.
func (fc *FileChecker) Check() error {
	var failures MultiError
	for _, check := range fc.Checks {
		AppendErr(&failures, check(fc.Path))
	}
	if len(failures) == 0 {
		return nil
	}
	return failures
}

// IsDir asserts that the path is a directory.
func (fc *FileChecker) IsDir() *FileChecker {
	return fc.withInfo(func(path string, info fs.FileInfo) error {
		if !info.IsDir() {
			return fmt.Errorf("%s: want a directory, got mode %s", path, info.Mode())
		}
		return nil
	})
}

// IsFile asserts that the path is a regular file.
func (fc *FileChecker) IsFile() *FileChecker {
	return fc.withInfo(func(path string, info fs.FileInfo) error {
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s: want a regular file, got mode %s", path, info.Mode())
		}
		return nil
	})
}

// Size asserts the size of the file in bytes.
func (fc *FileChecker) Size(size int64) *FileChecker {
	return fc.withInfo(func(path string, info fs.FileInfo) error {
		if info.Size() != size {
			return fmt.Errorf("%s: want %d bytes, got %d", path, size, info.Size())
		}
		return nil
	})
}

// NotExists asserts that nothing exists at the path.
func (fc *FileChecker) NotExists() *FileChecker {
	return fc.add(func(path string) error {
		_, err := os.Lstat(path)
		switch {
		case err == nil:
			return fmt.Errorf("%s: want absent, but it exists", path)
		case errors.Is(err, fs.ErrNotExist):
			return nil
		default:
			return err
		}
	})
}

// Content asserts the exact bytes of the file. Long payloads are reported by length only.
func (fc *FileChecker) Content(content []byte) *FileChecker {
	return fc.add(func(path string) error {
		got, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if bytes.Equal(got, content) {
			return nil
		}
		if len(got) > 64 || len(content) > 64 {
			return fmt.Errorf("%s: content differs (want %d bytes, got %d)", path, len(content), len(got))
		}
		return fmt.Errorf("%s: want content %q, got %q", path, content, got)
	})
}

// EntryCount asserts the number of entries of a directory.
func (fc *FileChecker) EntryCount(n int) *FileChecker {
	return fc.add(func(path string) error {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		if len(entries) != n {
			return fmt.Errorf("%s: want %d entries, got %d", path, n, len(entries))
		}
		return nil
	})
}

func (fc *FileChecker) add(check func(string) error) *FileChecker {
	fc.Checks = append(fc.Checks, check)
	return fc
}

func (fc *FileChecker) withInfo(check func(string, fs.FileInfo) error) *FileChecker {
	return fc.add(func(path string) error {
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		return check(path, info)
	})
}
