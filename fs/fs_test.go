package fs

import (
	"errors"
	"io"
	"os"
	"testing"
)

func TestMemReadWrite(t *testing.T) {
	m := NewMem()

	f, err := m.OpenFile("dir/file", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}

	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := m.OpenFile("dir/file", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile() for read error = %v", err)
	}

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}

	if string(got) != "hello" {
		t.Fatalf("read %q, want %q", got, "hello")
	}
}

func TestMemAppend(t *testing.T) {
	m := NewMem()

	for _, chunk := range []string{"a", "b", "c"} {
		f, err := m.OpenFile("log", os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			t.Fatalf("OpenFile() error = %v", err)
		}

		if _, err := f.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		f.Close()
	}

	info, err := m.Stat("log")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}

	if info.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", info.Size())
	}
}

func TestMemTruncateAndCorrupt(t *testing.T) {
	m := NewMem()

	f, _ := m.OpenFile("f", os.O_RDWR|os.O_CREATE, 0o644)
	f.Write([]byte("abcdef"))
	f.Close()

	if err := m.Truncate("f", 4); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}

	if err := m.Corrupt("f", 1, []byte("XX")); err != nil {
		t.Fatalf("Corrupt() error = %v", err)
	}

	r, _ := m.OpenFile("f", os.O_RDONLY, 0)

	got, _ := io.ReadAll(r)
	if string(got) != "aXXd" {
		t.Fatalf("read %q, want %q", got, "aXXd")
	}
}

func TestMemReadDir(t *testing.T) {
	m := NewMem()

	for _, name := range []string{"d/b", "d/a", "other/c"} {
		f, _ := m.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0o644)
		f.Close()
	}

	entries, err := m.ReadDir("d")
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}

	if len(entries) != 2 || entries[0].Name() != "a" || entries[1].Name() != "b" {
		t.Fatalf("ReadDir() = %v, want [a b]", entries)
	}
}

func TestFaultySyncAndClose(t *testing.T) {
	fsys := NewFaulty(NewMem())
	fsys.AddRule("wal", Fault{FailOnSync: true, FailOnClose: true})

	f, err := fsys.OpenFile("segment.wal", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}

	if err := f.Sync(); !errors.Is(err, ErrInjected) {
		t.Fatalf("Sync() error = %v, want ErrInjected", err)
	}

	if err := f.Close(); !errors.Is(err, ErrInjected) {
		t.Fatalf("Close() error = %v, want ErrInjected", err)
	}

	// Other files are unaffected.
	g, err := fsys.OpenFile("other", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}

	if err := g.Sync(); err != nil {
		t.Fatalf("Sync() on clean file error = %v", err)
	}
}

func TestFaultyTornWrite(t *testing.T) {
	fsys := NewFaulty(NewMem())
	fsys.AddRule("wal", Fault{FailAfterBytes: 4})

	f, err := fsys.OpenFile("segment.wal", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}

	n, err := f.Write([]byte("0123456789"))
	if !errors.Is(err, ErrInjected) {
		t.Fatalf("Write() error = %v, want ErrInjected", err)
	}

	if n != 4 {
		t.Fatalf("Write() wrote %d bytes, want torn write of 4", n)
	}
}

func TestFaultyRuleAddedAfterOpen(t *testing.T) {
	fsys := NewFaulty(NewMem())

	f, err := fsys.OpenFile("segment.wal", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}

	if err := f.Sync(); err != nil {
		t.Fatalf("Sync() before rule error = %v", err)
	}

	fsys.AddRule("wal", Fault{FailOnSync: true})

	if err := f.Sync(); !errors.Is(err, ErrInjected) {
		t.Fatalf("Sync() after rule error = %v, want ErrInjected", err)
	}

	fsys.ClearRules()

	if err := f.Sync(); err != nil {
		t.Fatalf("Sync() after clear error = %v", err)
	}
}
