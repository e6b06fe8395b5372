//go:build linux

package fs

import (
	"os"

	"golang.org/x/sys/unix"
)

// datasync flushes file data without forcing a metadata update. File size
// changes are still persisted (fdatasync semantics), which is all an
// append-only log needs.
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
