package wal

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/velodb/velo/core"
)

// On-disk frame layout, all integers little-endian:
//
//	[length:8][checksum:4][body]
//
// length counts checksum plus body. The checksum covers the body only. Body:
//
//	[lsn:8][prevLSN:8][txnID:8][timestamp:8][kind:1][compression:1]
//	[tableLen:2][table][keyLen:4][key][oldLen:4][old][valueLen:4][value]
//
// Marker records (begin, commit, abort, checkpoint) end after the fixed
// header. Value payloads are stored compressed according to the compression
// byte; lengths are the stored byte counts.
const (
	frameLenSize    = 8
	checksumSize    = 4
	entryHeaderSize = 8 + 8 + 8 + 8 + 1 + 1

	// maxEntrySize bounds a single entry. A length prefix beyond it is treated
	// as corruption rather than an allocation request.
	maxEntrySize = 128 * 1024 * 1024
)

// appendFrame encodes e as a complete frame, including the length prefix, and
// appends it to dst. Value payloads are compressed with comp; the checksum is
// computed with sum and stored back into e.
func appendFrame(dst []byte, e *Entry, sum ChecksumFunc, comp Compression) ([]byte, error) {
	if e.Record.Kind == 0 || e.Record.Kind > KindCheckpoint {
		return nil, fmt.Errorf("%w: invalid kind %d", ErrCorruptedRecord, e.Record.Kind)
	}

	if len(e.Record.Table) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: table name %d bytes", ErrRecordTooLarge, len(e.Record.Table))
	}

	start := len(dst)

	// Reserve the length prefix and checksum; both are patched after the body
	// is laid down.
	dst = append(dst, make([]byte, frameLenSize+checksumSize)...)
	bodyStart := len(dst)

	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.LSN))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.PrevLSN))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.TxnID))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.Timestamp.UnixNano()))
	dst = append(dst, byte(e.Record.Kind), byte(comp))

	if !e.Record.Kind.boundary() && e.Record.Kind != KindBegin {
		oldValue, err := comp.compress(e.Record.OldValue)
		if err != nil {
			return nil, err
		}

		value, err := comp.compress(e.Record.Value)
		if err != nil {
			return nil, err
		}

		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(e.Record.Table)))
		dst = append(dst, e.Record.Table...)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Record.Key)))
		dst = append(dst, e.Record.Key...)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(oldValue)))
		dst = append(dst, oldValue...)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(value)))
		dst = append(dst, value...)
	}

	if len(dst)-bodyStart > maxEntrySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(dst)-bodyStart)
	}

	e.Checksum = sum(dst[bodyStart:])
	binary.LittleEndian.PutUint64(dst[start:], uint64(len(dst)-bodyStart+checksumSize))
	binary.LittleEndian.PutUint32(dst[start+frameLenSize:], e.Checksum)

	return dst, nil
}

// decodeEntry decodes a frame payload (checksum plus body, without the length
// prefix), validating the checksum before trusting any field.
func decodeEntry(frame []byte, sum ChecksumFunc) (Entry, error) {
	if len(frame) < checksumSize+entryHeaderSize {
		return Entry{}, fmt.Errorf("%w: frame %d bytes", ErrCorruptedRecord, len(frame))
	}

	stored := binary.LittleEndian.Uint32(frame[:checksumSize])
	body := frame[checksumSize:]

	if computed := sum(body); computed != stored {
		return Entry{}, fmt.Errorf("%w: stored %08x, computed %08x", ErrChecksumMismatch, stored, computed)
	}

	e := Entry{
		LSN:       core.LSN(binary.LittleEndian.Uint64(body[0:8])),
		PrevLSN:   core.LSN(binary.LittleEndian.Uint64(body[8:16])),
		TxnID:     core.TxnID(binary.LittleEndian.Uint64(body[16:24])),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(body[24:32]))),
		Checksum:  stored,
	}
	e.Record.Kind = Kind(body[32])
	comp := Compression(body[33])

	if e.Record.Kind == 0 || e.Record.Kind > KindCheckpoint {
		return Entry{}, fmt.Errorf("%w: invalid kind %d", ErrCorruptedRecord, body[32])
	}

	if e.Record.Kind.boundary() || e.Record.Kind == KindBegin {
		return e, nil
	}

	p := body[entryHeaderSize:]

	table, p, err := takeN(p, 2)
	if err != nil {
		return Entry{}, err
	}

	e.Record.Table = string(table)

	e.Record.Key, p, err = takeN(p, 4)
	if err != nil {
		return Entry{}, err
	}

	oldValue, p, err := takeN(p, 4)
	if err != nil {
		return Entry{}, err
	}

	value, _, err := takeN(p, 4)
	if err != nil {
		return Entry{}, err
	}

	if e.Record.OldValue, err = comp.decompress(oldValue); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorruptedRecord, err)
	}

	if e.Record.Value, err = comp.decompress(value); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorruptedRecord, err)
	}

	// Absent fields decode as nil, matching what was encoded.
	if len(e.Record.Key) == 0 {
		e.Record.Key = nil
	}

	if len(e.Record.OldValue) == 0 {
		e.Record.OldValue = nil
	}

	if len(e.Record.Value) == 0 {
		e.Record.Value = nil
	}

	return e, nil
}

// takeN reads a length-prefixed field (1, 2 or 4 byte prefix) and returns the
// field bytes and the remainder.
func takeN(p []byte, prefix int) (field, rest []byte, err error) {
	if len(p) < prefix {
		return nil, nil, fmt.Errorf("%w: short length prefix", ErrCorruptedRecord)
	}

	var n int

	switch prefix {
	case 2:
		n = int(binary.LittleEndian.Uint16(p))
	case 4:
		n = int(binary.LittleEndian.Uint32(p))
	default:
		n = int(p[0])
	}

	p = p[prefix:]
	if len(p) < n {
		return nil, nil, fmt.Errorf("%w: field %d bytes, %d remain", ErrCorruptedRecord, n, len(p))
	}

	return p[:n], p[n:], nil
}

// verifyFrame re-checks the stored checksum of an encoded frame payload. Run
// on every buffered frame right before it hits storage, so memory corruption
// between log time and flush time is caught instead of persisted.
func verifyFrame(frame []byte, sum ChecksumFunc) error {
	if len(frame) < checksumSize {
		return fmt.Errorf("%w: frame %d bytes", ErrCorruptedRecord, len(frame))
	}

	stored := binary.LittleEndian.Uint32(frame[:checksumSize])
	if computed := sum(frame[checksumSize:]); computed != stored {
		return fmt.Errorf("%w: stored %08x, computed %08x", ErrChecksumMismatch, stored, computed)
	}

	return nil
}
