package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault error")

// Fault defines specific failure behavior.
type Fault struct {
	FailAfterBytes int64 // Fail writes after this many bytes written to this file. <= 0 disables.
	FailOnSync     bool
	FailOnClose    bool
	Err            error
}

// Faulty is a FileSystem wrapper that injects errors, used by tests to
// exercise I/O failure and torn-write paths.
type Faulty struct {
	FS FileSystem

	mu    sync.Mutex
	rules map[string]Fault // filename substring -> fault
}

// NewFaulty creates a Faulty wrapping the provided FS (or Default if nil).
func NewFaulty(fsys FileSystem) *Faulty {
	if fsys == nil {
		fsys = Default
	}
	return &Faulty{
		FS:    fsys,
		rules: make(map[string]Fault),
	}
}

// AddRule adds a fault injection rule for files whose name contains pattern.
func (f *Faulty) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// ClearRules removes all fault injection rules.
func (f *Faulty) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]Fault)
}

func (f *Faulty) faultFor(name string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			if rule.Err == nil {
				rule.Err = ErrInjected
			}
			return rule, true
		}
	}
	return Fault{}, false
}

func (f *Faulty) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fsys: f, name: name}, nil
}

func (f *Faulty) Remove(name string) error             { return f.FS.Remove(name) }
func (f *Faulty) Rename(oldpath, newpath string) error { return f.FS.Rename(oldpath, newpath) }
func (f *Faulty) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}
func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}
func (f *Faulty) ReadDir(name string) ([]os.DirEntry, error) { return f.FS.ReadDir(name) }
func (f *Faulty) Truncate(name string, size int64) error     { return f.FS.Truncate(name, size) }

// faultyFile consults the rule table on every operation, so rules added after
// the file was opened still take effect.
type faultyFile struct {
	File
	fsys    *Faulty
	name    string
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	fault, ok := ff.fsys.faultFor(ff.name)
	if ok && fault.FailAfterBytes > 0 && ff.written+int64(len(p)) > fault.FailAfterBytes {
		// Partial write up to the limit, then fail: simulates a torn write.
		if room := fault.FailAfterBytes - ff.written; room > 0 {
			n, _ := ff.File.Write(p[:room])
			ff.written += int64(n)
			return n, fault.Err
		}
		return 0, fault.Err
	}
	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) Sync() error {
	if fault, ok := ff.fsys.faultFor(ff.name); ok && fault.FailOnSync {
		return fault.Err
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if fault, ok := ff.fsys.faultFor(ff.name); ok && fault.FailOnClose {
		_ = ff.File.Close()
		return fault.Err
	}
	return ff.File.Close()
}

var _ FileSystem = (*Faulty)(nil)
