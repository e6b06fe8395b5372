//go:build !linux

package fs

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
