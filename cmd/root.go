// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/config"
	"github.com/JakeFAU/pmc-harvester/internal/logging"
	"github.com/JakeFAU/pmc-harvester/internal/server"
)

// version is set at build time with -ldflags "-X".
var version = "dev"

type runtimeKey struct{}

// session carries the loaded configuration and logger to subcommands.
type session struct {
	cfg    config.Config
	logger *zap.Logger
}

// buildApp is the application factory.
var buildApp = func(ctx context.Context, rt *session) (*server.App, error) {
	return server.Build(ctx, rt.cfg, rt.logger, server.Options{Version: version})
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "harvester",
		Short:         "Harvests article metadata and full text from the PMC E-utilities API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &session{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := runtimeFrom(cmd.Context()); err == nil {
				_ = rt.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newHarvestCmd(), newServeCmd(), newFetchDocsCmd(), newMigrateCmd())
	return cmd
}

func runtimeFrom(ctx context.Context) (*session, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*session)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// withApp builds the application, runs fn and closes the application.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *server.App) error) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	app, err := buildApp(ctx, rt)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	runErr := fn(ctx, app)
	if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
		rt.logger.Warn("application close failed", zap.Error(cerr))
	}
	return runErr
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		stop()
		os.Exit(1)
	}
}
