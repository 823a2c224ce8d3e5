package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/opencode-core/internal/event"
	"github.com/opencode-ai/opencode-core/internal/instance"
	"github.com/opencode-ai/opencode-core/pkg/types"
)

// setup isolates the XDG roots and returns a fresh project directory.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg-config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "xdg-data"))
	return dir
}

func writeLocal(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))
}

func TestGet_ReadsLocalFile(t *testing.T) {
	dir := setup(t)
	writeLocal(t, dir, `{"theme": "tokyonight", "username": "alice"}`)

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		cfg, err := Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tokyonight", cfg.Theme)
		assert.Equal(t, "alice", cfg.Username)
		return nil
	})
	require.NoError(t, err)
}

func TestGet_ToleratesComments(t *testing.T) {
	dir := setup(t)
	writeLocal(t, dir, `{
  // the editor theme
  "theme": "gruvbox",
}`)

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		cfg, err := Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "gruvbox", cfg.Theme)
		return nil
	})
	require.NoError(t, err)
}

func TestGet_MergeHierarchy(t *testing.T) {
	dir := setup(t)

	globalDir := GetPaths().Config
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, FileName),
		[]byte(`{"theme": "global-theme", "username": "bob"}`), 0644))

	projectDir := filepath.Join(dir, ".opencode")
	require.NoError(t, os.MkdirAll(projectDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, FileName),
		[]byte(`{"theme": "project-theme"}`), 0644))

	writeLocal(t, dir, `{"share": "manual"}`)

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		cfg, err := Get(ctx)
		require.NoError(t, err)
		// Local wins over project wins over global; untouched fields
		// fall through.
		assert.Equal(t, "project-theme", cfg.Theme)
		assert.Equal(t, "bob", cfg.Username)
		assert.Equal(t, "manual", cfg.Share)
		return nil
	})
	require.NoError(t, err)
}

func TestGet_MalformedJson(t *testing.T) {
	dir := setup(t)
	writeLocal(t, dir, `{"theme": `)

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		_, err := Get(ctx)
		assert.ErrorIs(t, err, ErrJson)
		return nil
	})
	require.NoError(t, err)
}

func TestGet_DirectoryTypo(t *testing.T) {
	dir := setup(t)
	typoDir := filepath.Join(dir, "opencode")
	require.NoError(t, os.MkdirAll(typoDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(typoDir, FileName), []byte(`{}`), 0644))

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		_, err := Get(ctx)
		assert.ErrorIs(t, err, ErrDirectoryTypo)
		return nil
	})
	require.NoError(t, err)
}

func TestGet_InvalidShare(t *testing.T) {
	dir := setup(t)
	writeLocal(t, dir, `{"share": "sometimes"}`)

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		_, err := Get(ctx)
		assert.ErrorIs(t, err, ErrInvalid)
		return nil
	})
	require.NoError(t, err)
}

func TestGet_UnknownKeybindAction(t *testing.T) {
	dir := setup(t)
	writeLocal(t, dir, `{"keybinds": {"warp_drive": "ctrl+w"}}`)

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		_, err := Get(ctx)
		assert.ErrorIs(t, err, ErrInvalid)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdate_WritesPublishesDisposes(t *testing.T) {
	dir := setup(t)

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		var received []*types.Config
		unsub, err := event.Subscribe(ctx, event.ConfigUpdated, func(p event.ConfigUpdatedProps) {
			received = append(received, p.Config)
		})
		require.NoError(t, err)
		defer unsub()

		merged, err := Update(ctx, map[string]any{"theme": "dark"})
		require.NoError(t, err)
		assert.Equal(t, "dark", merged.Theme)

		// Exactly one event, carrying the merged config.
		require.Len(t, received, 1)
		assert.Equal(t, "dark", received[0].Theme)

		// The instance is disposed; state lookups now fail.
		_, err = Get(ctx)
		assert.ErrorIs(t, err, instance.ErrScopeDisposed)
		return nil
	})
	require.NoError(t, err)

	// The file on disk has the new value.
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "dark", onDisk["theme"])

	// A fresh scope reads the merged value back.
	err = instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		cfg, err := Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "dark", cfg.Theme)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdate_PreservesUnknownFields(t *testing.T) {
	dir := setup(t)
	writeLocal(t, dir, `{"theme": "light", "custom_plugin": {"speed": 9}}`)

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		_, err := Update(ctx, map[string]any{"theme": "dark"})
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "dark", onDisk["theme"])

	plugin, _ := onDisk["custom_plugin"].(map[string]any)
	require.NotNil(t, plugin, "unknown field should survive update")
	assert.Equal(t, float64(9), plugin["speed"])
}

func TestUpdate_DeepMergesNestedMaps(t *testing.T) {
	dir := setup(t)
	writeLocal(t, dir, `{"mcp": {"search": {"type": "local", "command": ["srv"]}}}`)

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		merged, err := Update(ctx, map[string]any{
			"mcp": map[string]any{"search": map[string]any{"enabled": false}},
		})
		require.NoError(t, err)

		srv, ok := merged.MCP["search"]
		require.True(t, ok)
		assert.Equal(t, "local", srv.Type)
		require.NotNil(t, srv.Enabled)
		assert.False(t, *srv.Enabled)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdate_InvalidPartialRejected(t *testing.T) {
	dir := setup(t)
	writeLocal(t, dir, `{"theme": "light"}`)

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		_, err := Update(ctx, map[string]any{"share": "never"})
		assert.ErrorIs(t, err, ErrInvalid)

		// The rejected write must not reach disk.
		data, rerr := os.ReadFile(filepath.Join(dir, FileName))
		require.NoError(t, rerr)
		var onDisk map[string]any
		require.NoError(t, json.Unmarshal(data, &onDisk))
		_, present := onDisk["share"]
		assert.False(t, present)
		return nil
	})
	require.NoError(t, err)
}

func TestWatcher_RepublishesOnDiskChange(t *testing.T) {
	dir := setup(t)
	writeLocal(t, dir, `{"theme": "light"}`)

	err := instance.Provide(context.Background(), dir, func(ctx context.Context) error {
		updates := make(chan string, 4)
		unsub, err := event.Subscribe(ctx, event.ConfigUpdated, func(p event.ConfigUpdatedProps) {
			updates <- p.Config.Theme
		})
		require.NoError(t, err)
		defer unsub()

		w, err := NewWatcher(ctx)
		require.NoError(t, err)
		w.Start()
		defer w.Stop()

		writeLocal(t, dir, `{"theme": "dark"}`)

		select {
		case theme := <-updates:
			assert.Equal(t, "dark", theme)
		case <-time.After(5 * time.Second):
			t.Error("timed out waiting for config.updated")
		}
		return nil
	})
	require.NoError(t, err)
}
