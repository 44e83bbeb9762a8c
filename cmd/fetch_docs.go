package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pmc-harvester/internal/server"
)

func newFetchDocsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-docs <landing-url>...",
		Short: "Download XML and BibTeX exports linked from article landing pages",
		Long: `Each landing page and each export link is resolved through redirects
and checked against the final host's robots.txt before it is fetched.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *server.App) error {
				results, err := app.FetchDocs(ctx, args)
				for _, res := range results {
					if !res.Allowed {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\tdenied\n", res.Landing)
						continue
					}
					for _, f := range res.Files {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", res.Landing, f.Kind, f.Path, f.SHA256)
					}
				}
				return err
			})
		},
	}
}
