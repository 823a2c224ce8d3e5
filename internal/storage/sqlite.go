package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/opencode-ai/opencode-core/internal/logging"
	"github.com/opencode-ai/opencode-core/internal/named"
)

// ErrSessionUnknown is returned for part operations whose parent message
// has not been written in this process.
var ErrSessionUnknown = named.New("SessionUnknown")

const metaSchema = `
CREATE TABLE IF NOT EXISTS sessions(
  session_id TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  data       TEXT NOT NULL,
  created_at INTEGER DEFAULT (unixepoch()),
  updated_at INTEGER DEFAULT (unixepoch())
);
CREATE INDEX IF NOT EXISTS idx_project_id ON sessions(project_id);
CREATE INDEX IF NOT EXISTS idx_updated_at ON sessions(updated_at DESC);
CREATE TABLE IF NOT EXISTS storage(
  key        TEXT PRIMARY KEY,
  type       TEXT NOT NULL,
  data       TEXT NOT NULL,
  created_at INTEGER DEFAULT (unixepoch()),
  updated_at INTEGER DEFAULT (unixepoch())
);
CREATE INDEX IF NOT EXISTS idx_type ON storage(type);
`

const sessionSchema = `
CREATE TABLE IF NOT EXISTS storage(
  key        TEXT PRIMARY KEY,
  type       TEXT NOT NULL,
  data       TEXT NOT NULL,
  created_at INTEGER DEFAULT (unixepoch()),
  updated_at INTEGER DEFAULT (unixepoch())
);
CREATE INDEX IF NOT EXISTS idx_type ON storage(type);
`

// MultiSqliteBackend stores session metadata in one sessions.db and each
// session's transcript in its own sessions/{sessionID}.db. Session DBs
// open lazily on first use; handles are cached for the life of the
// process and pruned only on session removal.
type MultiSqliteBackend struct {
	root string // {directory}/.opencode

	meta *sql.DB

	mu       sync.Mutex
	sessions map[string]*sql.DB

	// messageID -> sessionID routing for part keys. Authoritative only
	// within this process: messages are always written before their parts
	// inside the same session boundary.
	routeMu sync.RWMutex
	routes  map[string]string
}

// NewMultiSqlite opens (creating if needed) the metadata DB under root.
func NewMultiSqlite(root string) (*MultiSqliteBackend, error) {
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	meta, err := openDB(filepath.Join(root, "sessions.db"), metaSchema)
	if err != nil {
		return nil, err
	}

	return &MultiSqliteBackend{
		root:     root,
		meta:     meta,
		sessions: make(map[string]*sql.DB),
		routes:   make(map[string]string),
	}, nil
}

// Root returns the backend's on-disk root.
func (b *MultiSqliteBackend) Root() string { return b.root }

func openDB(path, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// A single pooled connection keeps the pragmas in force and gives the
	// single-writer model the DB expects.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma on %s: %w", path, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema on %s: %w", path, err)
	}
	return db, nil
}

func (b *MultiSqliteBackend) sessionPath(sessionID string) string {
	return filepath.Join(b.root, "sessions", sessionID+".db")
}

// sessionDB returns the cached handle for sessionID, opening it lazily.
// With create false, a session whose DB file does not exist yet resolves
// to ErrNotFound instead of materializing an empty file.
func (b *MultiSqliteBackend) sessionDB(sessionID string, create bool) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if db, ok := b.sessions[sessionID]; ok {
		return db, nil
	}

	path := b.sessionPath(sessionID)
	if !create {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, err
		}
	}

	db, err := openDB(path, sessionSchema)
	if err != nil {
		return nil, err
	}
	b.sessions[sessionID] = db
	return db, nil
}

// route resolves the session owning messageID.
func (b *MultiSqliteBackend) route(messageID string) (string, error) {
	b.routeMu.RLock()
	defer b.routeMu.RUnlock()
	sessionID, ok := b.routes[messageID]
	if !ok {
		return "", named.New("SessionUnknown", "messageID", messageID)
	}
	return sessionID, nil
}

func (b *MultiSqliteBackend) recordRoute(messageID, sessionID string) {
	b.routeMu.Lock()
	b.routes[messageID] = sessionID
	b.routeMu.Unlock()
}

// Read returns the raw JSON stored under key.
func (b *MultiSqliteBackend) Read(ctx context.Context, key Key) (json.RawMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	switch key.Type() {
	case TypeSession:
		if len(key) != 3 {
			return nil, fmt.Errorf("storage: malformed session key %q", key.String())
		}
		return b.readRow(ctx, b.meta, "SELECT data FROM sessions WHERE session_id = ?", key[2])

	case TypeSessionDiff, TypeProject:
		return b.readRow(ctx, b.meta, "SELECT data FROM storage WHERE key = ?", key.String())

	case TypeMessage:
		if len(key) < 2 {
			return nil, fmt.Errorf("storage: malformed message key %q", key.String())
		}
		db, err := b.sessionDB(key[1], false)
		if err != nil {
			return nil, err
		}
		return b.readRow(ctx, db, "SELECT data FROM storage WHERE key = ?", key.String())

	case TypePart:
		if len(key) < 2 {
			return nil, fmt.Errorf("storage: malformed part key %q", key.String())
		}
		sessionID, err := b.route(key[1])
		if err != nil {
			return nil, err
		}
		db, err := b.sessionDB(sessionID, false)
		if err != nil {
			return nil, err
		}
		return b.readRow(ctx, db, "SELECT data FROM storage WHERE key = ?", key.String())

	default:
		return nil, fmt.Errorf("storage: unroutable key %q", key.String())
	}
}

func (b *MultiSqliteBackend) readRow(ctx context.Context, db *sql.DB, query string, args ...any) (json.RawMessage, error) {
	var data string
	err := db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// Write stores raw JSON under key, inserting or updating the row.
// created_at is set only on insert; updated_at refreshes on every write.
func (b *MultiSqliteBackend) Write(ctx context.Context, key Key, data json.RawMessage) error {
	if err := key.Validate(); err != nil {
		return err
	}

	switch key.Type() {
	case TypeSession:
		if len(key) != 3 {
			return fmt.Errorf("storage: malformed session key %q", key.String())
		}
		_, err := b.meta.ExecContext(ctx, `
			INSERT INTO sessions(session_id, project_id, data) VALUES(?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				project_id = excluded.project_id,
				data = excluded.data,
				updated_at = unixepoch()`,
			key[2], key[1], string(data))
		return err

	case TypeSessionDiff, TypeProject:
		return b.upsert(ctx, b.meta, key, data)

	case TypeMessage:
		if len(key) < 3 {
			return fmt.Errorf("storage: malformed message key %q", key.String())
		}
		db, err := b.sessionDB(key[1], true)
		if err != nil {
			return err
		}
		if err := b.upsert(ctx, db, key, data); err != nil {
			return err
		}
		b.recordRoute(key[2], key[1])
		return nil

	case TypePart:
		if len(key) < 2 {
			return fmt.Errorf("storage: malformed part key %q", key.String())
		}
		sessionID, err := b.route(key[1])
		if err != nil {
			return err
		}
		db, err := b.sessionDB(sessionID, true)
		if err != nil {
			return err
		}
		return b.upsert(ctx, db, key, data)

	default:
		return fmt.Errorf("storage: unroutable key %q", key.String())
	}
}

func (b *MultiSqliteBackend) upsert(ctx context.Context, db *sql.DB, key Key, data json.RawMessage) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO storage(key, type, data) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			updated_at = unixepoch()`,
		key.String(), key.Type(), string(data))
	return err
}

// Remove deletes the key and all children below it. Removing a session
// also closes and unlinks its DB file with the WAL sidecars. Silent when
// nothing exists.
func (b *MultiSqliteBackend) Remove(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	switch key.Type() {
	case TypeSession:
		if len(key) != 3 {
			return fmt.Errorf("storage: malformed session key %q", key.String())
		}
		return b.removeSession(ctx, key[2])

	case TypeSessionDiff, TypeProject:
		return b.deleteRows(ctx, b.meta, key)

	case TypeMessage:
		if len(key) < 2 {
			return fmt.Errorf("storage: malformed message key %q", key.String())
		}
		db, err := b.sessionDB(key[1], false)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return b.deleteRows(ctx, db, key)

	case TypePart:
		if len(key) < 2 {
			return fmt.Errorf("storage: malformed part key %q", key.String())
		}
		sessionID, err := b.route(key[1])
		if errors.Is(err, ErrSessionUnknown) {
			return nil
		}
		if err != nil {
			return err
		}
		db, err := b.sessionDB(sessionID, false)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return b.deleteRows(ctx, db, key)

	default:
		return fmt.Errorf("storage: unroutable key %q", key.String())
	}
}

func (b *MultiSqliteBackend) deleteRows(ctx context.Context, db *sql.DB, key Key) error {
	_, err := db.ExecContext(ctx,
		"DELETE FROM storage WHERE key = ? OR key LIKE ? || '/%'",
		key.String(), key.String())
	return err
}

func (b *MultiSqliteBackend) removeSession(ctx context.Context, sessionID string) error {
	if _, err := b.meta.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	if _, err := b.meta.ExecContext(ctx,
		"DELETE FROM storage WHERE key = ?",
		Key{TypeSessionDiff, sessionID}.String()); err != nil {
		return err
	}

	b.mu.Lock()
	if db, ok := b.sessions[sessionID]; ok {
		if err := db.Close(); err != nil {
			logging.Warn().Err(err).Str("sessionID", sessionID).Msg("closing session db failed")
		}
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()

	// Drop routes belonging to the removed session.
	b.routeMu.Lock()
	for messageID, sid := range b.routes {
		if sid == sessionID {
			delete(b.routes, messageID)
		}
	}
	b.routeMu.Unlock()

	path := b.sessionPath(sessionID)
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// List returns the full keys below prefix. Session keys come back ordered
// by updated_at descending; everything else is ordered by key.
func (b *MultiSqliteBackend) List(ctx context.Context, prefix Key) ([]Key, error) {
	if len(prefix) == 0 {
		return nil, errors.New("storage: empty prefix")
	}

	switch prefix.Type() {
	case TypeSession:
		// A full session key has no descendants in the metadata DB.
		if len(prefix) >= 3 {
			return nil, nil
		}
		query := "SELECT session_id, project_id FROM sessions ORDER BY updated_at DESC"
		args := []any{}
		if len(prefix) >= 2 {
			query = "SELECT session_id, project_id FROM sessions WHERE project_id = ? ORDER BY updated_at DESC"
			args = append(args, prefix[1])
		}
		rows, err := b.meta.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var keys []Key
		for rows.Next() {
			var sessionID, projectID string
			if err := rows.Scan(&sessionID, &projectID); err != nil {
				return nil, err
			}
			keys = append(keys, Key{TypeSession, projectID, sessionID})
		}
		return keys, rows.Err()

	case TypeSessionDiff, TypeProject:
		return b.listRows(ctx, b.meta, prefix)

	case TypeMessage:
		if len(prefix) < 2 {
			return nil, fmt.Errorf("storage: message prefix needs a session id")
		}
		db, err := b.sessionDB(prefix[1], false)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return b.listRows(ctx, db, prefix)

	case TypePart:
		if len(prefix) < 2 {
			return nil, fmt.Errorf("storage: part prefix needs a message id")
		}
		sessionID, err := b.route(prefix[1])
		if errors.Is(err, ErrSessionUnknown) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		db, err := b.sessionDB(sessionID, false)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return b.listRows(ctx, db, prefix)

	default:
		return nil, fmt.Errorf("storage: unroutable prefix %q", prefix.String())
	}
}

func (b *MultiSqliteBackend) listRows(ctx context.Context, db *sql.DB, prefix Key) ([]Key, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT key FROM storage WHERE key LIKE ? || '/%' ORDER BY key",
		prefix.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, ParseKey(k))
	}
	return keys, rows.Err()
}

// Close closes the metadata DB and every cached session handle.
func (b *MultiSqliteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for sessionID, db := range b.sessions {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.sessions, sessionID)
	}
	if err := b.meta.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
