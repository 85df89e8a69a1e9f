package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"watchpost/ingest"
	"watchpost/ml"

	"github.com/spf13/cobra"
)

func newReplayCmd() *cobra.Command {
	var (
		rate       float64
		burst      int
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Ingest events from a fixture file",
		Long: `Load events from a JSON, NDJSON, YAML or msgpack file and feed them
through the detection pipeline in file order. Events without an id get one.`,
		Example: `  watchpost replay testdata/honeypot.ndjson
  watchpost replay capture.json --rate 100 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			out := cmd.OutOrStdout()

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			loader, err := ingest.NewLoader(app.Sugar.Named("loader"))
			if err != nil {
				return err
			}
			events, err := loader.LoadFile(path)
			if err != nil {
				return err
			}

			if err := app.LoadModel(ctx); err != nil && !errors.Is(err, ml.ErrNoSnapshot) {
				return fmt.Errorf("failed to load model: %w", err)
			}

			cfg := ingest.DefaultReplayConfig()
			cfg.RatePerSecond = rate
			cfg.Burst = burst
			cfg.MaxRetries = maxRetries
			replayer := ingest.NewReplayer(app.Arbiter, cfg, app.Sugar.Named("replay"))

			var stats ingest.ReplayStats
			start := time.Now()
			replayErr := withSpinner(cmd.ErrOrStderr(), fmt.Sprintf("Replaying %d events...", len(events)), func() error {
				var err error
				stats, err = replayer.Replay(ctx, events)
				return err
			})
			elapsed := time.Since(start)

			if outputJSON {
				if err := outputAsJSON(out, stats); err != nil {
					return err
				}
			} else {
				renderReplaySummary(out, path, stats, elapsed)
			}

			if replayErr != nil {
				return fmt.Errorf("replay stopped after %d of %d events: %w", stats.Ingested+stats.Rejected+stats.Failed, stats.Total, replayErr)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&rate, "rate", 0, "Events per second (0 = unpaced)")
	cmd.Flags().IntVar(&burst, "burst", 1, "Burst size when pacing")
	cmd.Flags().IntVar(&maxRetries, "retries", ingest.DefaultReplayConfig().MaxRetries, "Retries per event while the store is unavailable")

	return cmd
}
