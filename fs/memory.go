package fs

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Mem is an in-memory FileSystem for deterministic tests. It implements the
// same append/read/sync capability as Local without touching disk, so a WAL
// backed by it survives "reopen" within a process but not a real crash.
type Mem struct {
	mu    sync.Mutex
	files map[string]*memData
	dirs  map[string]struct{}
}

// NewMem creates an empty in-memory file system.
func NewMem() *Mem {
	return &Mem{
		files: make(map[string]*memData),
		dirs:  make(map[string]struct{}),
	}
}

type memData struct {
	mu      sync.RWMutex
	name    string
	buf     []byte
	modTime time.Time
}

func clean(name string) string { return filepath.ToSlash(filepath.Clean(name)) }

func (m *Mem) OpenFile(name string, flag int, _ os.FileMode) (File, error) {
	name = clean(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.files[name]
	switch {
	case !ok && flag&os.O_CREATE == 0:
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	case !ok:
		d = &memData{name: name, modTime: time.Now()}
		m.files[name] = d
	case flag&os.O_TRUNC != 0:
		d.mu.Lock()
		d.buf = nil
		d.mu.Unlock()
	}

	f := &memFile{data: d, append: flag&os.O_APPEND != 0}
	if f.append {
		d.mu.RLock()
		f.pos = int64(len(d.buf))
		d.mu.RUnlock()
	}
	return f, nil
}

func (m *Mem) Remove(name string) error {
	name = clean(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(m.files, name)
	return nil
}

func (m *Mem) Rename(oldpath, newpath string) error {
	oldpath, newpath = clean(oldpath), clean(newpath)

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.files[oldpath]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldpath, Err: os.ErrNotExist}
	}
	delete(m.files, oldpath)
	d.name = newpath
	m.files[newpath] = d
	return nil
}

func (m *Mem) Stat(name string) (os.FileInfo, error) {
	name = clean(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.files[name]; ok {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return memInfo{name: path.Base(name), size: int64(len(d.buf)), modTime: d.modTime}, nil
	}
	if _, ok := m.dirs[name]; ok {
		return memInfo{name: path.Base(name), dir: true}, nil
	}
	return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
}

func (m *Mem) MkdirAll(dir string, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[clean(dir)] = struct{}{}
	return nil
}

func (m *Mem) ReadDir(name string) ([]os.DirEntry, error) {
	name = clean(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []os.DirEntry
	for p, d := range m.files {
		if path.Dir(p) != name {
			continue
		}
		d.mu.RLock()
		entries = append(entries, memEntry{memInfo{name: path.Base(p), size: int64(len(d.buf)), modTime: d.modTime}})
		d.mu.RUnlock()
	}
	for p := range m.dirs {
		if path.Dir(p) == name {
			entries = append(entries, memEntry{memInfo{name: path.Base(p), dir: true}})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (m *Mem) Truncate(name string, size int64) error {
	name = clean(name)

	m.mu.Lock()
	d, ok := m.files[name]
	m.mu.Unlock()
	if !ok {
		return &os.PathError{Op: "truncate", Path: name, Err: os.ErrNotExist}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case size <= int64(len(d.buf)):
		d.buf = d.buf[:size]
	default:
		d.buf = append(d.buf, make([]byte, size-int64(len(d.buf)))...)
	}
	return nil
}

// Corrupt overwrites len(p) bytes of a file at the given offset, bypassing the
// File interface. Tests use it to simulate bit rot and torn writes.
func (m *Mem) Corrupt(name string, off int64, p []byte) error {
	name = clean(name)

	m.mu.Lock()
	d, ok := m.files[name]
	m.mu.Unlock()
	if !ok {
		return &os.PathError{Op: "corrupt", Path: name, Err: os.ErrNotExist}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.buf[off:], p)
	return nil
}

type memFile struct {
	data   *memData
	pos    int64
	append bool
	closed bool
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}

	f.data.mu.Lock()
	defer f.data.mu.Unlock()

	if f.append {
		f.pos = int64(len(f.data.buf))
	}
	if grow := f.pos + int64(len(p)) - int64(len(f.data.buf)); grow > 0 {
		f.data.buf = append(f.data.buf, make([]byte, grow)...)
	}
	copy(f.data.buf[f.pos:], p)
	f.pos += int64(len(p))
	f.data.modTime = time.Now()
	return len(p), nil
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}

	f.data.mu.RLock()
	defer f.data.mu.RUnlock()

	if f.pos >= int64(len(f.data.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.data.buf[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}

	f.data.mu.RLock()
	defer f.data.mu.RUnlock()

	if off >= int64(len(f.data.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.data.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, os.ErrClosed
	}

	f.data.mu.RLock()
	size := int64(len(f.data.buf))
	f.data.mu.RUnlock()

	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = size + offset
	}
	if f.pos < 0 {
		return 0, &os.PathError{Op: "seek", Path: f.data.name, Err: os.ErrInvalid}
	}
	return f.pos, nil
}

func (f *memFile) Sync() error {
	if f.closed {
		return os.ErrClosed
	}
	return nil
}

func (f *memFile) Close() error {
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	f.data.mu.RLock()
	defer f.data.mu.RUnlock()
	return memInfo{name: path.Base(f.data.name), size: int64(len(f.data.buf)), modTime: f.data.modTime}, nil
}

type memInfo struct {
	name    string
	size    int64
	modTime time.Time
	dir     bool
}

func (i memInfo) Name() string { return i.name }
func (i memInfo) Size() int64  { return i.size }
func (i memInfo) Mode() os.FileMode {
	if i.dir {
		return os.ModeDir | 0755
	}
	return 0644
}
func (i memInfo) ModTime() time.Time { return i.modTime }
func (i memInfo) IsDir() bool        { return i.dir }
func (i memInfo) Sys() any           { return nil }

type memEntry struct {
	info memInfo
}

func (e memEntry) Name() string               { return e.info.name }
func (e memEntry) IsDir() bool                { return e.info.dir }
func (e memEntry) Type() os.FileMode          { return e.info.Mode().Type() }
func (e memEntry) Info() (os.FileInfo, error) { return e.info, nil }

var _ FileSystem = (*Mem)(nil)
