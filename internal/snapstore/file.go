package snapstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/recovery"
)

// File writes one <id>.json file per snapshot under a base directory.
// It does not persist recovery points.
type File[S any] struct {
	dir string
}

// NewFile creates dir if needed.
func NewFile[S any](dir string) (*File[S], error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &File[S]{dir: dir}, nil
}

func (f *File[S]) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid snapshot id %q", id)
	}
	return filepath.Join(f.dir, id+".json"), nil
}

// StoreSnapshot writes to a temp file and renames it into place.
func (f *File[S]) StoreSnapshot(_ context.Context, snap recovery.Snapshot[S]) error {
	p, err := f.path(snap.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, snap.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads and decodes <id>.json.
func (f *File[S]) LoadSnapshot(_ context.Context, id string) (recovery.Snapshot[S], error) {
	p, err := f.path(id)
	if err != nil {
		return recovery.Snapshot[S]{}, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return recovery.Snapshot[S]{}, fmt.Errorf("snapshot %s: %w", id, recovery.ErrSnapshotNotFound)
	}
	if err != nil {
		return recovery.Snapshot[S]{}, fmt.Errorf("read snapshot: %w", err)
	}
	return decode[S](id, data)
}

// ListSnapshots returns ids sorted by name.
func (f *File[S]) ListSnapshots(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// SnapshotTime returns the file's modification time.
func (f *File[S]) SnapshotTime(_ context.Context, id string) (time.Time, error) {
	p, err := f.path(id)
	if err != nil {
		return time.Time{}, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, fmt.Errorf("snapshot %s: %w", id, recovery.ErrSnapshotNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("stat snapshot: %w", err)
	}
	return fi.ModTime().UTC(), nil
}

// DeleteSnapshot removes <id>.json. A missing file is not an error.
func (f *File[S]) DeleteSnapshot(_ context.Context, id string) error {
	p, err := f.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
