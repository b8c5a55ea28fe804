package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/afenda/offlinesync/internal/config"
)

func newInitConfigCmd(opts *cliOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a config file with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.FileName
			switch {
			case len(args) == 1:
				path = args[0]
			case opts.configPath != "":
				path = opts.configPath
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), styles.Success.Render("Wrote")+" "+path)
			return err
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
