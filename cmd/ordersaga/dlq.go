package main

import (
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/order-saga/internal/app"
	"github.com/example/order-saga/internal/deadletter"
)

func newDLQCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay failed events",
	}
	cmd.AddCommand(
		newDLQListCmd(opts),
		newDLQStatsCmd(opts),
		newDLQReprocessCmd(opts),
		newDLQResolveCmd(opts),
	)
	return cmd
}

func newDLQListCmd(opts *options) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List failed events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter deadletter.Status
			if status != "" {
				st, err := deadletter.ParseStatus(status)
				if err != nil {
					return err
				}
				filter = st
			}
			return opts.withApp(cmd.Context(), func(a *app.App, logger zerolog.Logger) error {
				records, err := a.DeadLetters.List(cmd.Context(), filter, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, records)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "PENDING, REPLAYED, REPLAY_FAILED or RESOLVED")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to list")
	return cmd
}

func newDLQStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count failed events by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App, logger zerolog.Logger) error {
				stats, err := a.DeadLetters.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}

func newDLQReprocessCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <event-id>",
		Short: "Replay a failed event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App, logger zerolog.Logger) error {
				outcome, err := a.DeadLetters.ReprocessEvent(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				logger.Info().Str("event_id", args[0]).Stringer("outcome", outcome).Msg("failed event replayed")
				return nil
			})
		},
	}
}

func newDLQResolveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <event-id>",
		Short: "Close a failed event without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App, logger zerolog.Logger) error {
				return a.DeadLetters.MarkResolved(cmd.Context(), args[0])
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
