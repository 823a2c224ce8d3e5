package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"

	"github.com/opencode-ai/opencode-core/internal/event"
	"github.com/opencode-ai/opencode-core/internal/instance"
	"github.com/opencode-ai/opencode-core/internal/named"
	"github.com/opencode-ai/opencode-core/pkg/types"
)

// Error names of the config module. Compare with errors.Is against these.
var (
	ErrJson          = named.New("JsonError")
	ErrDirectoryTypo = named.New("ConfigDirectoryTypoError")
	ErrInvalid       = named.New("InvalidError")
)

var validate = validator.New()

// knownKeybindActions are the actions a keybinds entry may name.
var knownKeybindActions = map[string]bool{
	"app_exit":           true,
	"editor_open":        true,
	"session_new":        true,
	"session_list":       true,
	"session_share":      true,
	"session_compact":    true,
	"session_interrupt":  true,
	"messages_page_up":   true,
	"messages_page_down": true,
	"model_list":         true,
	"theme_list":         true,
	"input_clear":        true,
	"input_newline":      true,
	"input_submit":       true,
	"history_previous":   true,
	"history_next":       true,
}

// typoDirectories are recognized misspellings of the project config
// directory. A config found under one of them is an error, not silently
// ignored.
var typoDirectories = []string{"opencode", ".open-code", ".opencode-config"}

// configState caches the merged config per instance. Config.Update
// disposes the instance, so the next Get re-reads disk.
var configState = instance.NewState(func(ctx context.Context) (*types.Config, error) {
	return load(ctx)
})

// Get returns the merged config for the current instance.
func Get(ctx context.Context) (*types.Config, error) {
	return configState.Get(ctx)
}

// load reads the hierarchy of config files (global, then project, then
// local) and deep-merges them. Later sources win.
func load(ctx context.Context) (*types.Config, error) {
	dir, err := instance.Directory(ctx)
	if err != nil {
		return nil, err
	}
	merged, err := loadMerged(dir)
	if err != nil {
		return nil, err
	}
	return decode(merged)
}

func sources(dir string) []string {
	return []string{
		GetPaths().GlobalConfigPath(),
		filepath.Join(dir, ".opencode", FileName),
		filepath.Join(dir, FileName),
	}
}

func loadMerged(dir string) (map[string]any, error) {
	if err := checkTypos(dir); err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	for _, path := range sources(dir) {
		layer, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if layer != nil {
			deepMerge(merged, layer)
		}
	}
	return merged, nil
}

// checkTypos fails loudly when a config sits in a misspelled project
// config directory; silently ignoring it loses user settings.
func checkTypos(dir string) error {
	for _, typo := range typoDirectories {
		candidate := filepath.Join(dir, typo, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return named.New("ConfigDirectoryTypoError",
				"path", candidate,
				"expected", filepath.Join(dir, ".opencode", FileName))
		}
	}
	return nil
}

// readFile parses one JSONC config file into a raw map. A missing file
// yields nil; a malformed one yields JsonError.
func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var layer map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &layer); err != nil {
		return nil, named.Wrap("JsonError", err, "path", path)
	}
	return layer, nil
}

// deepMerge merges src into dst in place. Nested maps merge recursively;
// every other value overwrites, including explicit nulls.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
			clone := make(map[string]any, len(srcMap))
			deepMerge(clone, srcMap)
			dst[key] = clone
			continue
		}
		dst[key] = value
	}
}

// decode turns the raw merged map into the validated Config struct.
// Unknown fields are dropped here but stay untouched on disk; the merge
// layer never rewrites them.
func decode(merged map[string]any) (*types.Config, error) {
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var cfg types.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, named.Wrap("JsonError", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateConfig runs struct validation plus the keybind action check and
// folds the diagnostics into InvalidError.
func validateConfig(cfg *types.Config) error {
	var diagnostics []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !asValidationErrors(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			diagnostics = append(diagnostics,
				fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
		}
	}

	var unknown []string
	for action := range cfg.Keybinds {
		if !knownKeybindActions[action] {
			unknown = append(unknown, action)
		}
	}
	sort.Strings(unknown)
	for _, action := range unknown {
		diagnostics = append(diagnostics, fmt.Sprintf("keybinds: unknown action %q", action))
	}

	if len(diagnostics) > 0 {
		return named.New("InvalidError", "issues", diagnostics)
	}
	return nil
}

func asValidationErrors(err error, out *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return false
	}
	*out = verrs
	return true
}

// Update deep-merges partial into the on-disk local config, writes it
// back, publishes config.updated with the merged result, and disposes the
// instance so the next access re-reads disk.
func Update(ctx context.Context, partial map[string]any) (*types.Config, error) {
	dir, err := instance.Directory(ctx)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName)

	onDisk, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if onDisk == nil {
		onDisk = make(map[string]any)
	}
	deepMerge(onDisk, partial)

	// Validate the full merged view before committing the write.
	hierarchy, err := loadMerged(dir)
	if err != nil {
		return nil, err
	}
	deepMerge(hierarchy, partial)
	merged, err := decode(hierarchy)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}

	if err := event.Publish(ctx, event.ConfigUpdated, event.ConfigUpdatedProps{Config: merged}); err != nil {
		return nil, err
	}
	if err := instance.Dispose(ctx); err != nil {
		return nil, err
	}
	return merged, nil
}
