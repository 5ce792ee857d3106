package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/order-saga/internal/app"
)

func newSweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass of the stuck saga sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App, logger zerolog.Logger) error {
				result, err := a.Sweeper.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				logger.Info().
					Int("inspected", result.Inspected).
					Int("retried", result.Retried).
					Int("compensated", result.Compensated).
					Int("errors", result.Errors).
					Msg("sweep finished")
				return nil
			})
		},
	}
}
