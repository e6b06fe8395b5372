package fs

import (
	"io"
	"os"
)

// File represents an open file.
type File interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker
	Sync() error
	Stat() (os.FileInfo, error)
}

// FileSystem abstracts file system operations for testability.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	ReadDir(name string) ([]os.DirEntry, error)
	Truncate(name string, size int64) error
}

// Local implements FileSystem using the local os package.
type Local struct{}

func (Local) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &localFile{File: f}, nil
}

func (Local) Remove(name string) error              { return os.Remove(name) }
func (Local) Rename(oldpath, newpath string) error  { return os.Rename(oldpath, newpath) }
func (Local) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (Local) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}
func (Local) ReadDir(name string) ([]os.DirEntry, error) { return os.ReadDir(name) }
func (Local) Truncate(name string, size int64) error     { return os.Truncate(name, size) }

// localFile wraps *os.File so Sync can use fdatasync where the platform
// provides it. The log only ever appends, so metadata like mtime does not
// need to reach disk on every commit.
type localFile struct {
	*os.File
}

func (f *localFile) Sync() error { return datasync(f.File) }

// Default is the default local file system.
var Default FileSystem = Local{}
