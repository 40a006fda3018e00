package state

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	snapshotExt = ".json"
	backupExt   = ".bak"
	tempExt     = ".tmp"
)

// FileStore keeps one JSON document per entity. Writes go through a temp file
// and rename; the previous document is kept as <id>.json.bak.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates the directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the snapshot directory
func (fs *FileStore) Dir() string {
	return fs.dir
}

func (fs *FileStore) path(entityID string) string {
	return filepath.Join(fs.dir, url.PathEscape(entityID)+snapshotExt)
}

// Save writes the snapshot atomically, keeping the previous one as a backup
func (fs *FileStore) Save(ctx context.Context, entityID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	target := fs.path(entityID)

	if prev, err := os.ReadFile(target); err == nil {
		if err := os.WriteFile(target+backupExt, prev, 0644); err != nil {
			return fmt.Errorf("failed to write backup: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read previous snapshot: %w", err)
	}

	tempFile := target + tempExt
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, target); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Load returns the latest snapshot
func (fs *FileStore) Load(ctx context.Context, entityID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.path(entityID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", entityID, ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// LoadBackup returns the snapshot written before the latest one
func (fs *FileStore) LoadBackup(ctx context.Context, entityID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.path(entityID) + backupExt)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s backup: %w", entityID, ErrSnapshotNotFound)
	}
	return data, err
}

// Delete removes the snapshot and its backup
func (fs *FileStore) Delete(ctx context.Context, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	target := fs.path(entityID)
	for _, p := range []string{target, target + backupExt} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// List returns entity ids with a snapshot, sorted
func (fs *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, snapshotExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op for the file store
func (fs *FileStore) Close() error {
	return nil
}
