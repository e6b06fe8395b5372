package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/velodb/velo/core"
	"github.com/velodb/velo/fs"
)

const segmentSuffix = ".wal"

// segmentName formats a segment sequence number as a zero-padded file name so
// lexicographic order matches numeric order.
func segmentName(seq uint64) string {
	return fmt.Sprintf("%020d%s", seq, segmentSuffix)
}

// parseSegmentName extracts the sequence number from a segment file name.
func parseSegmentName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, segmentSuffix)
	if !ok || len(base) != 20 {
		return 0, false
	}

	seq, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}

	return seq, true
}

// segment describes one log file. Only the newest segment accepts appends;
// sealed segments keep their metadata but no open handle.
type segment struct {
	seq      uint64
	path     string
	size     int64
	firstLSN core.LSN
	lastLSN  core.LSN

	file fs.File // non-nil for the active segment only
}

// listSegments returns the segments in dir in sequence order. Sizes come from
// the directory listing; LSN ranges are filled in by scanning.
func listSegments(fsys fs.FileSystem, dir string) ([]*segment, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}

	var segments []*segment

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		seq, ok := parseSegmentName(entry.Name())
		if !ok {
			continue
		}

		seg := &segment{seq: seq, path: path.Join(dir, entry.Name())}
		if info, err := entry.Info(); err == nil {
			seg.size = info.Size()
		}

		segments = append(segments, seg)
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].seq < segments[j].seq })

	return segments, nil
}

// scanResult reports how far a segment scan got and why it stopped.
type scanResult struct {
	// validSize is the byte offset just past the last valid frame. Anything
	// beyond it is a torn tail or corruption.
	validSize int64

	// clean is true when the scan consumed the segment exactly to its end.
	clean bool
}

// scanSegment iterates the frames of one segment in order, calling fn for each
// entry that decodes and checksums cleanly. scanning stops without error at
// the first invalid, short or oversized frame; a torn tail is indistinguishable
// from the natural end of the log and is treated as such.
func scanSegment(fsys fs.FileSystem, seg *segment, sum ChecksumFunc, fn func(Entry) error) (scanResult, error) {
	f, err := fsys.OpenFile(seg.path, os.O_RDONLY, 0)
	if err != nil {
		return scanResult{}, fmt.Errorf("wal: open segment %s: %w", seg.path, err)
	}
	defer f.Close()

	var (
		r      = bufio.NewReaderSize(f, 1024*1024)
		offset int64
		lenBuf [frameLenSize]byte
	)

	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return scanResult{validSize: offset, clean: true}, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return scanResult{validSize: offset}, nil
			}

			return scanResult{}, fmt.Errorf("wal: read segment %s: %w", seg.path, err)
		}

		frameLen := binary.LittleEndian.Uint64(lenBuf[:])
		if frameLen < checksumSize+entryHeaderSize || frameLen > maxEntrySize {
			return scanResult{validSize: offset}, nil
		}

		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(r, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return scanResult{validSize: offset}, nil
			}

			return scanResult{}, fmt.Errorf("wal: read segment %s: %w", seg.path, err)
		}

		entry, err := decodeEntry(frame, sum)
		if err != nil {
			return scanResult{validSize: offset}, nil
		}

		if err := fn(entry); err != nil {
			return scanResult{}, err
		}

		offset += frameLenSize + int64(frameLen)
	}
}
