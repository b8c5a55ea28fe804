package main

import (
	"github.com/spf13/cobra"

	"github.com/afenda/offlinesync/internal/config"
)

// cliOptions holds the persistent flags shared by every command.
type cliOptions struct {
	configPath string
	adminAddr  string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "offlinesync",
		Short: "Offline-first sync engine for tasks and projects",
		Long: `offlinesync keeps a local store of tasks and projects usable while
disconnected, queues every mutation, and reconciles with the sync
server when connectivity returns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./"+config.FileName+")")
	root.PersistentFlags().StringVar(&opts.adminAddr, "admin", "", "admin API address of a running daemon (default from config)")

	root.AddCommand(
		newRunCmd(opts),
		newStatusCmd(opts),
		newSyncCmd(opts),
		newConnectivityCmd(opts),
		newConflictsCmd(opts),
		newDevServerCmd(opts),
		newInitConfigCmd(opts),
	)
	return root
}

// loadConfig reads the config named by --config, or the default search path.
func (o *cliOptions) loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(o.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

// adminAddress resolves the daemon address from the flag or the config.
func (o *cliOptions) adminAddress() (string, error) {
	addr := o.adminAddr
	if addr == "" {
		_, cfg, err := o.loadConfig()
		if err != nil {
			return "", err
		}
		addr = cfg.Admin.Listen
	}
	return addr, nil
}

// client builds an admin API client for the configured daemon.
func (o *cliOptions) client() (*adminClient, error) {
	addr, err := o.adminAddress()
	if err != nil {
		return nil, err
	}
	return newAdminClient(addr), nil
}
