package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/afenda/offlinesync/internal/devserver"
)

func newDevServerCmd(opts *cliOptions) *cobra.Command {
	var (
		listen string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory sync server for local development",
		Long: `Serves the sync API under ` + devserver.BasePath + ` from memory. Every
record is lost on exit. Point server.base_url at it to try the engine
without a real backend.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			if listen == "" {
				listen = cfg.DevServer.Listen
			}
			if token == "" {
				token = cfg.Server.AuthToken
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := devserver.New(devserver.Options{Token: token, Logger: logger})
			logger.Info("Dev sync server listening", map[string]interface{}{
				"addr": listen,
				"base": devserver.BasePath,
			})
			return srv.Run(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "required bearer token (default server.auth_token)")
	return cmd
}
