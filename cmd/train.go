package cmd

import (
	"context"
	"errors"
	"fmt"

	"watchpost/ml"

	"github.com/spf13/cobra"
)

// trainResult is the JSON form of a training run.
type trainResult struct {
	Trained   bool     `json:"trained"`
	Samples   int      `json:"samples,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
	Features  []string `json:"features,omitempty"`
	ModelDir  string   `json:"model_dir"`
}

func newTrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Retrain the outlier model from stored history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if app.Scorer == nil {
				return fmt.Errorf("ML scoring is disabled (ml.enabled=false)")
			}
			if err := app.LoadModel(ctx); err != nil && !errors.Is(err, ml.ErrNoSnapshot) {
				app.Sugar.Warnw("Ignoring unreadable model snapshot", "error", err)
			}

			var trained bool
			_ = withSpinner(cmd.ErrOrStderr(), "Training outlier model...", func() error {
				trained = app.Arbiter.TrainFromHistory(ctx)
				return nil
			})

			result := trainResult{Trained: trained, ModelDir: app.Config.ML.ModelDir}
			if trained {
				if m := app.Scorer.Model(); m != nil {
					result.Samples = m.Samples
					result.Threshold = m.Threshold
					result.Features = m.Features
				}
			}

			if outputJSON {
				if err := outputAsJSON(out, result); err != nil {
					return err
				}
			} else if trained {
				successColor.Fprintln(out, "✓ Model trained")
				printField(out, "Samples", fmt.Sprintf("%d", result.Samples))
				printField(out, "Threshold", fmt.Sprintf("%.4f", result.Threshold))
				printField(out, "Features", fmt.Sprintf("%v", result.Features))
				printField(out, "Saved To", result.ModelDir)
			}

			if !trained {
				return fmt.Errorf("training did not produce a model; at least %d valid events are required", ml.MinTrainingEvents)
			}
			return nil
		},
	}
}
