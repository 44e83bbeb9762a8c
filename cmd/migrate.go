package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	pgstore "github.com/JakeFAU/pmc-harvester/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.DB.DSN == "" {
				return errors.New("db.dsn must be set to migrate")
			}
			pool, err := pgstore.NewPool(cmd.Context(), pgstore.PoolConfig{
				DSN:             rt.cfg.DB.DSN,
				MaxConns:        rt.cfg.DB.MaxConns,
				MaxConnLifetime: rt.cfg.ConnLifetime(),
			})
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()
			return pgstore.Migrate(pool, rt.logger.Named("migrate"))
		},
	}
}
