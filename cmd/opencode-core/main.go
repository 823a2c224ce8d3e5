// Package main provides the opencode-core CLI: storage migration and
// config inspection for a project directory.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/opencode-core/cmd/opencode-core/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
