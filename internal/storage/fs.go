package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/starford/pinnote/internal/models"
)

const (
	noteExt      = ".json"
	lockFileName = ".pinnote.lock"
	lockRetry    = 20 * time.Millisecond
)

// FS is a Durable that keeps one JSON file per note under
// <root>/<user id>/. The partition directory is guarded by an advisory
// file lock so several processes can share it.
type FS struct {
	dir    string // absolute path to the user's partition
	logger *slog.Logger

	mu   sync.RWMutex // flock handles are not goroutine-exclusive
	lock *flock.Flock
}

var _ Durable = (*FS)(nil)

// NewFS creates the user's partition under root if needed.
// root must already exist.
func NewFS(root, userID string, logger *slog.Logger) (*FS, error) {
	if err := validName(userID); err != nil {
		return nil, fmt.Errorf("storage: user id: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	dir := filepath.Join(abs, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create partition: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FS{
		dir:    dir,
		logger: logger,
		lock:   flock.New(filepath.Join(dir, lockFileName)),
	}, nil
}

// Dir returns the absolute path of the user's partition.
func (f *FS) Dir() string { return f.dir }

// validName rejects ids that would escape or hide inside the partition.
func validName(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case strings.ContainsAny(id, `/\`) || strings.Contains(id, ".."):
		return fmt.Errorf("%w: %q contains path elements", ErrInvalidID, id)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: %q is hidden", ErrInvalidID, id)
	}
	return nil
}

func (f *FS) notePath(id string) (string, error) {
	if err := validName(id); err != nil {
		return "", err
	}
	return filepath.Join(f.dir, id+noteExt), nil
}

func (f *FS) withLock(ctx context.Context, shared bool, fn func() error) error {
	if shared {
		f.mu.RLock()
		defer f.mu.RUnlock()
	} else {
		f.mu.Lock()
		defer f.mu.Unlock()
	}

	var (
		ok  bool
		err error
	)
	if shared {
		ok, err = f.lock.TryRLockContext(ctx, lockRetry)
	} else {
		ok, err = f.lock.TryLockContext(ctx, lockRetry)
	}
	if err != nil {
		return fmt.Errorf("storage: lock partition: %w", err)
	}
	if !ok {
		return fmt.Errorf("storage: lock partition: not acquired")
	}
	defer f.lock.Unlock() //nolint:errcheck

	return fn()
}

// LoadAll reads every note file of the partition. Files that are not valid
// JSON are skipped with a warning; files missing fields are normalized.
func (f *FS) LoadAll(ctx context.Context) (map[string]models.Note, error) {
	out := make(map[string]models.Note)
	err := f.withLock(ctx, true, func() error {
		entries, err := os.ReadDir(f.dir)
		if err != nil {
			return fmt.Errorf("storage: list: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, noteExt) {
				continue
			}
			data, err := os.ReadFile(filepath.Join(f.dir, name))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return fmt.Errorf("storage: read %s: %w", name, err)
			}
			n, err := DecodeNote(data, strings.TrimSuffix(name, noteExt))
			if err != nil {
				f.logger.Warn("storage: skipping unreadable note",
					slog.String("file", name), slog.String("error", err.Error()))
				continue
			}
			out[n.ID] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save atomically writes the note file unless the stored copy is newer.
func (f *FS) Save(ctx context.Context, n models.Note) error {
	path, err := f.notePath(n.ID)
	if err != nil {
		return err
	}
	return f.withLock(ctx, false, func() error {
		if existing, err := os.ReadFile(path); err == nil {
			if cur, err := DecodeNote(existing, n.ID); err == nil && cur.LastModified > n.LastModified {
				return nil
			}
		}
		n := n.Clone()
		n.Tags = models.NormalizeTags(n.Tags)
		data, err := json.MarshalIndent(n, "", "  ")
		if err != nil {
			return fmt.Errorf("storage: encode note %s: %w", n.ID, err)
		}
		return writeAtomic(path, data)
	})
}

// Delete removes the note file. A missing file is not an error.
func (f *FS) Delete(ctx context.Context, id string) error {
	path, err := f.notePath(id)
	if err != nil {
		return err
	}
	return f.withLock(ctx, false, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("storage: delete %s: %w", id, err)
		}
		return nil
	})
}

// Close is a no-op; the partition lock is only held during operations.
func (f *FS) Close() error { return nil }

// writeAtomic writes content: tmp file → fsync → rename.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pinnote-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}
