package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon and its local admin API",
		Long: `Opens the local store, starts the periodic sync scheduler and serves
the admin API, the /ws event stream and /metrics until interrupted.
Edits to the config file are applied without a restart where possible.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			d, err := newDaemon(cfg, logger)
			if err != nil {
				return err
			}
			if path := loader.ConfigFile(); path != "" {
				logger.Info("Watching config file", map[string]interface{}{"path": path})
				loader.Watch(d.applyConfig)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.serve(ctx)
		},
	}
}
