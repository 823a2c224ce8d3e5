// Package commands provides the CLI commands for opencode-core.
package commands

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/opencode-core/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	logLevel  string
	directory string
)

var rootCmd = &cobra.Command{
	Use:     "opencode-core",
	Short:   "opencode-core - project state and coordination core",
	Long:    "opencode-core manages the persistent per-project state of an opencode installation: session storage, configuration, and migrations.",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		logging.Init(logging.Options{
			Level:  logging.ParseLevel(logLevel),
			Pretty: true,
		})
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVarP(&directory, "directory", "C", "", "Project directory (defaults to the working directory)")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// workDir resolves the target project directory.
func workDir() (string, error) {
	if directory != "" {
		return directory, nil
	}
	return os.Getwd()
}
