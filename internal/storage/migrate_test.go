package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencode-ai/opencode-core/internal/instance"
	"github.com/opencode-ai/opencode-core/pkg/types"
)

// seedLegacy builds a legacy file tree under dataRoot for one project:
// a session with inline summary diffs, one message, and one part.
func seedLegacy(t *testing.T, dataRoot string) {
	t.Helper()
	storageDir := filepath.Join(dataRoot, "project", "old-project", "storage")

	write := func(rel string, v any) {
		t.Helper()
		path := filepath.Join(storageDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	write("session/ses_legacy.json", map[string]any{
		"id":        "ses_legacy",
		"projectID": "proj1",
		"title":     "imported",
		"custom":    "opaque-field",
		"summary": map[string]any{
			"diffs": []map[string]any{
				{"path": "a.go", "additions": 3, "deletions": 1},
				{"path": "b.go", "additions": 2, "deletions": 4},
			},
		},
	})
	write("message/ses_legacy/msg_1.json", map[string]any{
		"id":        "msg_1",
		"sessionID": "ses_legacy",
		"role":      "user",
	})
	write("part/msg_1/prt_1.json", map[string]any{
		"id":   "prt_1",
		"type": "text",
		"text": "hello",
	})
}

func TestMigrate_LegacyImportAndDiffExtraction(t *testing.T) {
	dir := t.TempDir()
	dataHome := filepath.Join(dir, "xdg-data")
	t.Setenv("XDG_DATA_HOME", dataHome)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg-config"))
	seedLegacy(t, filepath.Join(dataHome, "opencode"))

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		// Opening the backend runs both migrations.
		if _, err := ForContext(ctx); err != nil {
			t.Fatalf("backend open failed: %v", err)
		}

		session, err := Read[map[string]any](ctx, Key{TypeSession, "proj1", "ses_legacy"})
		if err != nil {
			t.Fatalf("imported session missing: %v", err)
		}
		if session["custom"] != "opaque-field" {
			t.Error("opaque session field lost in migration")
		}

		// Diffs moved out; compact counts remain.
		summary, _ := session["summary"].(map[string]any)
		if summary == nil {
			t.Fatal("session summary missing")
		}
		if _, hasDiffs := summary["diffs"]; hasDiffs {
			t.Error("summary.diffs should have been extracted")
		}
		if summary["additions"] != float64(5) || summary["deletions"] != float64(5) {
			t.Errorf("summary counts = %v", summary)
		}

		diff, err := Read[types.SessionDiff](ctx, Key{TypeSessionDiff, "ses_legacy"})
		if err != nil {
			t.Fatalf("session diff record missing: %v", err)
		}
		if len(diff.Diffs) != 2 || diff.Diffs[0].Path != "a.go" {
			t.Errorf("session diff = %+v", diff)
		}

		msg, err := Read[types.Message](ctx, Key{TypeMessage, "ses_legacy", "msg_1"})
		if err != nil {
			t.Fatalf("imported message missing: %v", err)
		}
		if msg.Role != "user" {
			t.Errorf("message = %+v", msg)
		}

		// Parts route through the message map populated during import.
		part, err := Read[map[string]any](ctx, Key{TypePart, "msg_1", "prt_1"})
		if err != nil {
			t.Fatalf("imported part missing: %v", err)
		}
		if part["text"] != "hello" {
			t.Errorf("part = %v", part)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Provide failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".opencode", "migration"))
	if err != nil {
		t.Fatalf("sentinel missing: %v", err)
	}
	if strings.TrimSpace(string(data)) != "2" {
		t.Errorf("sentinel = %q, want 2", data)
	}
}

func TestMigrate_RunsOncePerProject(t *testing.T) {
	dir := t.TempDir()
	dataHome := filepath.Join(dir, "xdg-data")
	t.Setenv("XDG_DATA_HOME", dataHome)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg-config"))
	seedLegacy(t, filepath.Join(dataHome, "opencode"))

	open := func() error {
		return instance.Provide(context.Background(), dir, func(ctx context.Context) error {
			_, err := ForContext(ctx)
			return err
		})
	}
	if err := open(); err != nil {
		t.Fatalf("first open failed: %v", err)
	}

	// New legacy data appearing after the sentinel is not imported.
	late := filepath.Join(dataHome, "opencode", "project", "old-project", "storage", "session", "ses_late.json")
	if err := os.WriteFile(late, []byte(`{"id":"ses_late","projectID":"proj1"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := open(); err != nil {
		t.Fatalf("second open failed: %v", err)
	}

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		if _, err := Read[map[string]any](ctx, Key{TypeSession, "proj1", "ses_late"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("late legacy session should not be imported, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Provide failed: %v", err)
	}
}

func TestMigrate_NoLegacyTree(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "xdg-data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg-config"))

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		_, err := ForContext(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("open without legacy data failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".opencode", "migration"))
	if err != nil {
		t.Fatalf("sentinel missing: %v", err)
	}
	if strings.TrimSpace(string(data)) != "2" {
		t.Errorf("sentinel = %q, want 2", data)
	}
}
