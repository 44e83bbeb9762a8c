package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/record"
	"github.com/JakeFAU/pmc-harvester/internal/server"
)

func newHarvestCmd() *cobra.Command {
	var queries, modes []string
	cmd := &cobra.Command{
		Use:   "harvest [query...]",
		Short: "Harvest the given queries once and exit",
		Long: `Runs every query through the worker pool. Queries come from the
arguments, --query flags, and harvest.queries in the config, in that order.
Each query runs summary mode then full-document mode unless --mode is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			all := append(append(append([]string(nil), args...), queries...), rt.cfg.Harvest.Queries...)
			if len(all) == 0 {
				return errors.New("no queries: pass them as arguments, --query, or harvest.queries")
			}
			sources, err := record.ParseSources(modes)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *server.App) error {
				rt.logger.Info("harvest starting", zap.Strings("queries", all))
				return app.Harvest(ctx, all, sources)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&queries, "query", "q", nil, "query to harvest (repeatable)")
	cmd.Flags().StringSliceVar(&modes, "mode", nil, "traversal modes: summary, fulltext")
	return cmd
}
