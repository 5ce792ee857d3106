package main

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/order-saga/internal/app"
	"github.com/example/order-saga/internal/config"
	"github.com/example/order-saga/internal/logging"
)

// options are shared by every subcommand
type options struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "ordersaga",
		Short: "Food order saga orchestrator",
		Long: `Drives food orders through cart validation, payment and confirmation,
compensating on failure.

Inbound saga responses are consumed from Kafka, outbound requests are published
through a retrying circuit breaker, and failed events are kept for replay.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default is ./config.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newSweepCmd(opts),
		newDLQCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

func (o *options) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.Log, cfg.App), nil
}

// withApp builds the application for a one-shot command and closes it afterwards
func (o *options) withApp(ctx context.Context, fn func(a *app.App, logger zerolog.Logger) error) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a, logger)
}
