// Package internal holds helpers shared by the server packages.
package internal

import (
	"io"
	"io/fs"
	"os"
)

// File is a writable file handle.
type File interface {
	io.WriteCloser
	Name() string
}

// FileSystem is the subset of the os package the server storage layers use. Tests swap it to
// inject disk failures.
type FileSystem interface {
	Open(name string) (io.ReadCloser, error)
	Create(name string) (File, error)
	CreateTemp(dir, pattern string) (File, error)
	Stat(name string) (fs.FileInfo, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	MkdirAll(path string, perm fs.FileMode) error
	Rename(oldpath, newpath string) error
	Remove(name string) error
	RemoveAll(path string) error
}

// OSFileSystem delegates to the os package.
type OSFileSystem struct{}

func (OSFileSystem) Stat(name string) (fs.FileInfo, error)        { return os.Stat(name) }               //nolint:revive
func (OSFileSystem) ReadDir(name string) ([]fs.DirEntry, error)   { return os.ReadDir(name) }            //nolint:revive
func (OSFileSystem) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }     //nolint:revive
func (OSFileSystem) Rename(oldpath, newpath string) error         { return os.Rename(oldpath, newpath) } //nolint:revive
func (OSFileSystem) Remove(name string) error                     { return os.Remove(name) }             //nolint:revive
func (OSFileSystem) RemoveAll(path string) error                  { return os.RemoveAll(path) }          //nolint:revive

//nolint:revive
func (OSFileSystem) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

//nolint:revive
func (OSFileSystem) Create(name string) (File, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

//nolint:revive
func (OSFileSystem) CreateTemp(dir, pattern string) (File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return f, nil
}
