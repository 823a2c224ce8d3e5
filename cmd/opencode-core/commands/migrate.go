package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/opencode-core/internal/event"
	"github.com/opencode-ai/opencode-core/internal/instance"
	"github.com/opencode-ai/opencode-core/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the project's storage layout up to the current version",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := workDir()
		if err != nil {
			return err
		}

		unsubscribe := event.SubscribeGlobal(event.StorageMigrated, func(props event.StorageMigratedProps) {
			fmt.Printf("applied storage migration %d (%s)\n", props.Version, props.Directory)
		})
		defer unsubscribe()

		// Opening the backend applies pending migrations.
		return instance.Provide(cmd.Context(), dir, func(ctx context.Context) error {
			if _, err := storage.ForContext(ctx); err != nil {
				return err
			}
			sessions, err := storage.List(ctx, storage.Key{storage.TypeSession})
			if err != nil {
				return err
			}
			fmt.Printf("storage up to date (version %d, %d sessions)\n",
				storage.CurrentVersion, len(sessions))
			return nil
		})
	},
}
