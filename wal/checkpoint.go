package wal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/natefinch/atomic"

	"github.com/velodb/velo/core"
	"github.com/velodb/velo/fs"
)

// checkpointMetaName is the metadata file recording the latest checkpoint. It
// is replaced atomically so a crash mid-write leaves the previous checkpoint
// intact.
const checkpointMetaName = "CHECKPOINT"

type checkpointMeta struct {
	LSN     core.LSN `json:"lsn"`
	Segment uint64   `json:"segment"`
}

func readCheckpointMeta(fsys fs.FileSystem, dir string) (checkpointMeta, error) {
	f, err := fsys.OpenFile(path.Join(dir, checkpointMetaName), os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return checkpointMeta{}, nil
		}

		return checkpointMeta{}, fmt.Errorf("wal: open checkpoint meta: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return checkpointMeta{}, fmt.Errorf("wal: read checkpoint meta: %w", err)
	}

	var meta checkpointMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		// An unreadable meta file costs a longer replay, not correctness.
		return checkpointMeta{}, nil
	}

	return meta, nil
}

func writeCheckpointMeta(fsys fs.FileSystem, dir string, meta checkpointMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("wal: encode checkpoint meta: %w", err)
	}

	name := path.Join(dir, checkpointMetaName)

	if _, ok := fsys.(fs.Local); ok {
		if err := atomic.WriteFile(name, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("wal: write checkpoint meta: %w", err)
		}

		return nil
	}

	// Non-local filesystems go through write-then-rename by hand.
	tmp := name + ".tmp"

	f, err := fsys.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: write checkpoint meta: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("wal: write checkpoint meta: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("wal: sync checkpoint meta: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("wal: close checkpoint meta: %w", err)
	}

	if err := fsys.Rename(tmp, name); err != nil {
		return fmt.Errorf("wal: rename checkpoint meta: %w", err)
	}

	return nil
}
