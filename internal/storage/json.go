package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// JsonBackend is the legacy file-tree backend: one JSON file per key
// under {root}/{type}/..., holding the bytes exactly as written. It survives only for migrations
// and their tests; live storage goes through MultiSqliteBackend.
type JsonBackend struct {
	root  string
	locks *lockRegistry
}

// NewJson creates a JsonBackend rooted at root.
func NewJson(root string) *JsonBackend {
	return &JsonBackend{root: root, locks: newLockRegistry()}
}

func (b *JsonBackend) file(key Key) string {
	parts := append([]string{b.root}, key...)
	return filepath.Join(parts...) + ".json"
}

func (b *JsonBackend) dir(key Key) string {
	parts := append([]string{b.root}, key...)
	return filepath.Join(parts...)
}

// Read returns the raw JSON stored under key.
func (b *JsonBackend) Read(ctx context.Context, key Key) (json.RawMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	path := b.file(key)

	lock := b.locks.get(path)
	lock.RLock()
	defer lock.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return json.RawMessage(data), nil
}

// Write stores raw JSON under key. The write is atomic: a temp file is
// renamed into place.
func (b *JsonBackend) Write(ctx context.Context, key Key, data json.RawMessage) error {
	if err := key.Validate(); err != nil {
		return err
	}
	path := b.file(key)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	lock := b.locks.get(path)
	lock.Lock()
	defer lock.Unlock()

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Remove deletes the key's file and any children below it. Silent if
// nothing exists.
func (b *JsonBackend) Remove(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	path := b.file(key)

	lock := b.locks.get(path)
	lock.Lock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		lock.Unlock()
		return fmt.Errorf("failed to delete file: %w", err)
	}
	lock.Unlock()

	// Children live in the directory named after the key.
	if err := os.RemoveAll(b.dir(key)); err != nil {
		return fmt.Errorf("failed to delete children: %w", err)
	}
	return nil
}

// List returns the full keys below prefix, sorted lexicographically.
func (b *JsonBackend) List(ctx context.Context, prefix Key) ([]Key, error) {
	dirPath := b.dir(prefix)

	lock := b.locks.get(dirPath)
	lock.RLock()
	defer lock.RUnlock()

	var keys []Key
	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		rel = strings.TrimSuffix(rel, ".json")
		keys = append(keys, Key(strings.Split(filepath.ToSlash(rel), "/")))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}
