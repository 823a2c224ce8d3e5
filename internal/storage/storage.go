// Package storage provides hierarchical key-value persistence for the
// core. Keys route by their first segment: session records live in a
// per-project metadata DB, message and part records in one DB per
// session. The backend is held in the instance state cache, so each
// project scope gets its own handle set; disposal closes everything.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/opencode-ai/opencode-core/internal/config"
	"github.com/opencode-ai/opencode-core/internal/instance"
	"github.com/opencode-ai/opencode-core/pkg/types"
)

// ErrNotFound is returned when a key is absent on read or update.
var ErrNotFound = errors.New("not found")

// Backend is the raw persistence layer behind the façade.
type Backend interface {
	Read(ctx context.Context, key Key) (json.RawMessage, error)
	Write(ctx context.Context, key Key, data json.RawMessage) error
	Remove(ctx context.Context, key Key) error
	List(ctx context.Context, prefix Key) ([]Key, error)
}

// backendState opens the sqlite backend under {directory}/.opencode,
// applies pending migrations, and records the project descriptor. The
// backend closes on scope disposal.
var backendState = instance.NewStateWithDispose(
	func(ctx context.Context) (*MultiSqliteBackend, error) {
		inst, err := instance.From(ctx)
		if err != nil {
			return nil, err
		}
		root := filepath.Join(inst.Directory, ".opencode")
		backend, err := NewMultiSqlite(root)
		if err != nil {
			return nil, err
		}
		if err := Migrate(ctx, backend, config.GetPaths().LegacyProjectsPath()); err != nil {
			backend.Close()
			return nil, err
		}
		if err := writeProjectRecord(ctx, backend, inst.Project); err != nil {
			backend.Close()
			return nil, err
		}
		return backend, nil
	},
	func(ctx context.Context, b *MultiSqliteBackend) error {
		return b.Close()
	},
)

// ForContext returns the current instance's backend.
func ForContext(ctx context.Context) (Backend, error) {
	return backendState.Get(ctx)
}

// writeProjectRecord persists the project descriptor, stamping the
// initialized time on first write.
func writeProjectRecord(ctx context.Context, b Backend, proj *types.Project) error {
	key := Key{TypeProject, proj.ID}
	record := *proj
	if _, err := b.Read(ctx, key); errors.Is(err, ErrNotFound) {
		now := time.Now().UnixMilli()
		record.Time.Initialized = &now
	} else if err != nil {
		return err
	} else {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.Write(ctx, key, data)
}

// Read fetches and parses the value under key.
func Read[T any](ctx context.Context, key Key) (T, error) {
	var out T
	backend, err := backendState.Get(ctx)
	if err != nil {
		return out, err
	}
	data, err := backend.Read(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal %q: %w", key.String(), err)
	}
	return out, nil
}

// Write serializes v and stores it under key.
func Write[T any](ctx context.Context, key Key, v T) error {
	backend, err := backendState.Get(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key.String(), err)
	}
	return backend.Write(ctx, key, data)
}

// Update reads the value under key, applies fn to it in place, and writes
// the result back. The read-modify-write covers a single key; callers
// needing multi-key atomicity coordinate externally.
func Update[T any](ctx context.Context, key Key, fn func(*T)) (T, error) {
	value, err := Read[T](ctx, key)
	if err != nil {
		return value, err
	}
	fn(&value)
	if err := Write(ctx, key, value); err != nil {
		return value, err
	}
	return value, nil
}

// Remove deletes key and all children below it. Silent when absent.
func Remove(ctx context.Context, key Key) error {
	backend, err := backendState.Get(ctx)
	if err != nil {
		return err
	}
	return backend.Remove(ctx, key)
}

// List returns the full keys below prefix.
func List(ctx context.Context, prefix Key) ([]Key, error) {
	backend, err := backendState.Get(ctx)
	if err != nil {
		return nil, err
	}
	return backend.List(ctx, prefix)
}
