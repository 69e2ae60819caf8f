package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/grimoire/internal/config"
	"github.com/kingrea/grimoire/plugins"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Load and list the participant policies in .grimoire/policies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, err := projectDir(cmd)
		if err != nil {
			return err
		}
		cfg, err := config.NewConfig(dir)
		if err != nil {
			return err
		}
		library := plugins.LibraryFromConfig(cfg, 1)
		loaded, err := library.LoadAll()
		if err != nil {
			return err
		}
		names, _ := library.Names()
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %T\n", name, loaded[name])
		}
		return nil
	},
}
