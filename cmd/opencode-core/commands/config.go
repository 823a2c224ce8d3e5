package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/opencode-core/internal/config"
	"github.com/opencode-ai/opencode-core/internal/instance"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and update the project configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the merged configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := workDir()
		if err != nil {
			return err
		}
		return instance.Provide(cmd.Context(), dir, func(ctx context.Context) error {
			cfg, err := config.Get(ctx)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		})
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one top-level configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := workDir()
		if err != nil {
			return err
		}

		// Values parse as JSON when possible, falling back to a string.
		var value any
		if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
			value = args[1]
		}

		return instance.Provide(cmd.Context(), dir, func(ctx context.Context) error {
			merged, err := config.Update(ctx, map[string]any{args[0]: value})
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(merged, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		})
	},
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}
