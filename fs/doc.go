// Package fs provides the durable storage capability consumed by the WAL.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with append/read/sync capabilities
//   - [FileSystem]: filesystem operations (open, remove, rename, list)
//
// # Implementations
//
//   - [Local]: production implementation using the standard os package
//   - [Mem]: in-memory implementation for deterministic tests
//   - [Faulty]: test utility for fault injection (simulate I/O errors)
//
// Production code should use [Default] (which is [Local]):
//
//	file, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
//
// Tests can inject [Faulty] to simulate failures:
//
//	ffs := fs.NewFaulty(nil)
//	ffs.AddRule(".wal", fs.Fault{FailOnSync: true})
//	// inject ffs into the component under test
//
// This package intentionally does NOT include context.Context parameters.
// Local filesystem operations are fast and non-interruptible at the syscall
// level, so context would add overhead without cancellation capability.
package fs
