package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pmc-harvester/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *server.App) error {
				return app.Serve(ctx)
			})
		},
	}
}
