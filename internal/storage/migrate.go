package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencode-ai/opencode-core/internal/event"
	"github.com/opencode-ai/opencode-core/internal/logging"
	"github.com/opencode-ai/opencode-core/internal/project"
)

// CurrentVersion is the storage layout version this build writes.
const CurrentVersion = 2

const sentinelName = "migration"

// Migrate brings the backend's on-disk layout up to CurrentVersion. Each
// step runs at most once per project, gated by the sentinel file under the
// backend root. legacyProjects is the old per-project tree root
// (~/.local/share/opencode/project) that migration 1 imports from.
func Migrate(ctx context.Context, backend *MultiSqliteBackend, legacyProjects string) error {
	version, err := readSentinel(backend.Root())
	if err != nil {
		return err
	}

	if version < 1 {
		if err := migrateLegacyTree(ctx, backend, legacyProjects); err != nil {
			return err
		}
		if err := writeSentinel(backend.Root(), 1); err != nil {
			return err
		}
		notifyMigrated(backend.Root(), 1)
	}

	if version < 2 {
		if err := extractSessionDiffs(ctx, backend); err != nil {
			return err
		}
		if err := writeSentinel(backend.Root(), 2); err != nil {
			return err
		}
		notifyMigrated(backend.Root(), 2)
	}

	return nil
}

func notifyMigrated(root string, version int) {
	if err := event.PublishGlobal(event.StorageMigrated, event.StorageMigratedProps{
		Directory: root,
		Version:   version,
	}); err != nil {
		logging.Warn().Err(err).Int("version", version).Msg("storage.migrated publish failed")
	}
}

func readSentinel(root string) (int, error) {
	data, err := os.ReadFile(filepath.Join(root, sentinelName))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	version, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		// An unreadable sentinel is treated as version 0; migrations are
		// idempotent over already-imported data.
		logging.Warn().Str("root", root).Msg("unreadable migration sentinel, assuming version 0")
		return 0, nil
	}
	return version, nil
}

func writeSentinel(root string, version int) error {
	return os.WriteFile(filepath.Join(root, sentinelName), []byte(strconv.Itoa(version)+"\n"), 0644)
}

// migrateLegacyTree imports the legacy file-tree layout:
//
//	{projectsDir}/{projectDir}/storage/session/{sessionID}.json
//	{projectsDir}/{projectDir}/storage/message/{sessionID}/{messageID}.json
//	{projectsDir}/{projectDir}/storage/part/{messageID}/{partID}.json
//
// Messages import before parts so the part routing map is populated.
func migrateLegacyTree(ctx context.Context, backend *MultiSqliteBackend, projectsDir string) error {
	entries, err := os.ReadDir(projectsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		storageDir := filepath.Join(projectsDir, entry.Name(), "storage")
		if _, err := os.Stat(storageDir); err != nil {
			continue
		}
		if err := importLegacyProject(ctx, backend, entry.Name(), storageDir); err != nil {
			return err
		}
	}
	return nil
}

func importLegacyProject(ctx context.Context, backend *MultiSqliteBackend, projectDir, storageDir string) error {
	legacy := NewJson(storageDir)

	sessionKeys, err := legacy.List(ctx, Key{TypeSession})
	if err != nil {
		return err
	}

	projectID := ""
	for _, key := range sessionKeys {
		sessionID := key[len(key)-1]
		data, err := legacy.Read(ctx, key)
		if err != nil {
			logging.Warn().Str("key", key.String()).Err(err).Msg("skipping unreadable legacy session")
			continue
		}
		if projectID == "" {
			projectID = inferProjectID(data, projectDir)
		}
		if err := backend.Write(ctx, Key{TypeSession, projectID, sessionID}, data); err != nil {
			return err
		}
	}

	for _, typ := range []string{TypeMessage, TypePart} {
		keys, err := legacy.List(ctx, Key{typ})
		if err != nil {
			return err
		}
		for _, key := range keys {
			data, err := legacy.Read(ctx, key)
			if err != nil {
				logging.Warn().Str("key", key.String()).Err(err).Msg("skipping unreadable legacy record")
				continue
			}
			if err := backend.Write(ctx, key, data); err != nil {
				if errors.Is(err, ErrSessionUnknown) {
					logging.Warn().Str("key", key.String()).Msg("orphaned legacy part, skipping")
					continue
				}
				return err
			}
		}
	}
	return nil
}

// inferProjectID derives the stable project ID for a legacy project
// directory: prefer the projectID already recorded on a session, then the
// root commit of the worktree the directory name encodes, then "global".
func inferProjectID(sessionData json.RawMessage, projectDir string) string {
	var record struct {
		ProjectID string `json:"projectID"`
	}
	if err := json.Unmarshal(sessionData, &record); err == nil && record.ProjectID != "" {
		return record.ProjectID
	}

	// Legacy directory names encode the worktree path with "/" replaced
	// by "-". The decode is ambiguous for hyphenated paths, so only a
	// directory that actually exists is trusted.
	worktree := "/" + strings.ReplaceAll(strings.TrimPrefix(projectDir, "-"), "-", "/")
	if info, err := os.Stat(worktree); err == nil && info.IsDir() {
		if id, err := project.ID(worktree); err == nil {
			return id
		}
	}
	return project.GlobalID
}

// extractSessionDiffs moves summary.diffs out of each session record into
// a standalone session_diff record, leaving compact counts behind. It
// works on raw JSON maps so opaque session fields survive untouched.
func extractSessionDiffs(ctx context.Context, backend *MultiSqliteBackend) error {
	keys, err := backend.List(ctx, Key{TypeSession})
	if err != nil {
		return err
	}

	for _, key := range keys {
		sessionID := key[len(key)-1]
		data, err := backend.Read(ctx, key)
		if err != nil {
			return err
		}

		var record map[string]any
		if err := json.Unmarshal(data, &record); err != nil {
			logging.Warn().Str("key", key.String()).Err(err).Msg("skipping unparseable session record")
			continue
		}
		summary, _ := record["summary"].(map[string]any)
		if summary == nil {
			continue
		}
		diffs, _ := summary["diffs"].([]any)
		if len(diffs) == 0 {
			continue
		}

		diffRecord := map[string]any{
			"sessionID": sessionID,
			"diffs":     diffs,
		}
		diffData, err := json.Marshal(diffRecord)
		if err != nil {
			return err
		}
		if err := backend.Write(ctx, Key{TypeSessionDiff, sessionID}, diffData); err != nil {
			return err
		}

		additions, deletions := sumDiffCounts(summary, diffs)
		record["summary"] = map[string]any{
			"additions": additions,
			"deletions": deletions,
		}
		updated, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := backend.Write(ctx, key, updated); err != nil {
			return err
		}
	}
	return nil
}

// sumDiffCounts keeps existing summary counts when present, otherwise
// totals the per-file diffs.
func sumDiffCounts(summary map[string]any, diffs []any) (int, int) {
	additions, aok := asInt(summary["additions"])
	deletions, dok := asInt(summary["deletions"])
	if aok && dok {
		return additions, deletions
	}
	for _, d := range diffs {
		diff, _ := d.(map[string]any)
		if diff == nil {
			continue
		}
		if n, ok := asInt(diff["additions"]); ok {
			additions += n
		}
		if n, ok := asInt(diff["deletions"]); ok {
			deletions += n
		}
	}
	return additions, deletions
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
