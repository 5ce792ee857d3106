package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/example/order-saga/internal/infrastructure/store"
)

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if !cfg.UsesPostgres() {
				return errors.New("no postgres backend configured")
			}

			db, err := store.ConnectPostgres(cmd.Context(), cfg.Postgres.DSN, store.PoolOptions{
				MaxOpenConns:   1,
				ConnectRetries: cfg.Postgres.ConnectRetries,
			})
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			logger.Info().Msg("migrations applied")
			return nil
		},
	}
}
