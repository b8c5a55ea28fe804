package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/afenda/offlinesync/cmd/offlinesync/handlers"
	apperrors "github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/models"
)

// printResult writes v as indented JSON when asJSON is set, otherwise the
// rendered text.
func printResult(cmd *cobra.Command, asJSON bool, v interface{}, rendered string) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			st, err := client.State(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd, asJSON, st, renderState(st))
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newSyncCmd(opts *cliOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			st, err := client.Sync(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd, asJSON, st, renderState(st))
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newConnectivityCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "connectivity online|offline",
		Short:     "Tell the daemon that the network went up or down",
		ValidArgs: []string{"online", "offline"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			st, err := client.SetOnline(cmd.Context(), args[0] == "online")
			if err != nil {
				return err
			}
			return printResult(cmd, false, st, renderState(st))
		},
	}
}

func newConflictsCmd(opts *cliOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			conflicts, err := client.Conflicts(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd, asJSON, conflicts, renderConflicts(conflicts))
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	cmd.AddCommand(newResolveCmd(opts))
	return cmd
}

func newResolveCmd(opts *cliOptions) *cobra.Command {
	var (
		strategy string
		dataFile string
	)
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict",
		Long: `Resolves a conflict with one of server_wins, client_wins, merge or
manual. Manual resolution needs --data: a JSON file holding the chosen
entity as {"type": "task", "task": {...}}.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := handlers.ResolveRequest{Strategy: models.ResolutionStrategy(strategy)}
			if !req.Strategy.Valid() {
				return apperrors.New(apperrors.ErrConflictInvalid, "unknown strategy "+strategy)
			}
			if dataFile != "" {
				data, err := os.ReadFile(dataFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &req.ResolvedData); err != nil {
					return apperrors.Wrap(apperrors.ErrInvalid, "invalid resolved data in "+dataFile, err)
				}
			}

			client, err := opts.client()
			if err != nil {
				return err
			}
			resolved, err := client.Resolve(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printResult(cmd, false, resolved, renderResolved(resolved))
		},
	}
	cmd.Flags().StringVarP(&strategy, "strategy", "s", string(models.StrategyServerWins), "server_wins, client_wins, merge or manual")
	cmd.Flags().StringVar(&dataFile, "data", "", "JSON file with the resolved entity")
	return cmd
}
