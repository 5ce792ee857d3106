package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/order-saga/internal/app"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the saga consumer and the scheduled sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to start")
				return err
			}
			defer a.Close()

			logger.Info().Str("address", cfg.HTTP.Address).Msg("order saga service starting")
			if err := a.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("service stopped with error")
				return err
			}
			logger.Info().Msg("service stopped")
			return nil
		},
	}
}
