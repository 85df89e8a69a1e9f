package cmd

import (
	"context"

	"watchpost/core"
	"watchpost/storage"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show anomaly counts by severity and rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := app.Arbiter.Stats(ctx)
			if err != nil {
				return err
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), stats)
			}
			renderStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

func newAnomaliesCmd() *cobra.Command {
	var (
		timeRange string
		severity  string
		rule      string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "List stored anomalies, newest first",
		Example: `  watchpost anomalies --range 6h --severity high
  watchpost anomalies --rule bruteforce --limit 20 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := storage.Query{
				Range: storage.ParseTimeRange(timeRange, storage.DefaultAnomalyRange),
				Limit: limit,
			}
			q.Filters.RuleName = rule
			if severity != "" {
				sev, err := core.ParseSeverity(severity)
				if err != nil {
					return err
				}
				q.Filters.Severity = sev
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			anomalies, err := app.Arbiter.QueryAnomalies(ctx, q)
			if err != nil {
				return err
			}

			if outputJSON {
				if anomalies == nil {
					anomalies = []core.StoredAnomaly{}
				}
				return outputAsJSON(cmd.OutOrStdout(), anomalies)
			}
			renderAnomaliesTable(cmd.OutOrStdout(), anomalies)
			return nil
		},
	}

	cmd.Flags().StringVar(&timeRange, "range", "24h", "Time range (1h, 6h, 24h, 3d, 7d or a duration)")
	cmd.Flags().StringVar(&severity, "severity", "", "Filter by severity (low, medium, high, critical)")
	cmd.Flags().StringVar(&rule, "rule", "", "Filter by rule name")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of anomalies")

	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		timeRange  string
		eventTypes []string
		srcIP      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List stored events, newest first",
		Example: `  watchpost events --range 1h --type cowrie.login.failure
  watchpost events --src-ip 198.51.100.23 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := storage.Query{
				Range: storage.ParseTimeRange(timeRange, storage.DefaultEventRange),
				Limit: limit,
			}
			q.Filters.EventTypes = eventTypes
			q.Filters.SrcIP = srcIP

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			events, err := app.Arbiter.QueryEvents(ctx, q)
			if err != nil {
				return err
			}

			if outputJSON {
				if events == nil {
					events = []core.Event{}
				}
				return outputAsJSON(cmd.OutOrStdout(), events)
			}
			renderEventsTable(cmd.OutOrStdout(), events)
			return nil
		},
	}

	cmd.Flags().StringVar(&timeRange, "range", "1h", "Time range (1h, 6h, 24h, 3d, 7d or a duration)")
	cmd.Flags().StringSliceVar(&eventTypes, "type", nil, "Filter by event type (repeatable)")
	cmd.Flags().StringVar(&srcIP, "src-ip", "", "Filter by source IP")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")

	return cmd
}
