// cmd/grimoire/main.go
//
// This is the entry point for the grimoire CLI. It hosts a game from the
// current directory's .grimoire/config.yaml:
//
//	grimoire init     write .grimoire/ with a default config and playbook
//	grimoire run      play a game (bridge + loop, optional spectator TUI)
//	grimoire watch    follow a game's audit trail in the spectator TUI
//	grimoire replay   print a finished game from the audit database
//	grimoire policies list and validate .grimoire/policies

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "grimoire",
	Short:         "Host a storyteller-driven social deduction game",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("dir", "", "game directory holding .grimoire/ (defaults to cwd)")
	rootCmd.AddCommand(initCmd, runCmd, watchCmd, replayCmd, policiesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// projectDir resolves --dir to an absolute path.
func projectDir(cmd *cobra.Command) (string, error) {
	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return "", err
	}
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
	}
	return filepath.Abs(dir)
}
