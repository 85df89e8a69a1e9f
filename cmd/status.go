package cmd

import (
	"context"
	"errors"
	"fmt"

	"watchpost/core"
	"watchpost/storage"

	"github.com/spf13/cobra"
)

// newStatusCmd builds one operator transition command (ack, resolve).
func newStatusCmd(use, short string, status core.AnomalyStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " EVENT_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID := args[0]

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			updated, err := app.Arbiter.UpdateStatus(ctx, eventID, status)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return fmt.Errorf("no anomaly recorded for event %s", eventID)
			case errors.Is(err, core.ErrInvalidTransition):
				return fmt.Errorf("cannot mark anomaly %s as %s: %w", eventID, status, err)
			case err != nil:
				return err
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				return outputAsJSON(out, updated)
			}
			successColor.Fprintf(out, "✓ Anomaly %s marked %s\n", eventID, status)
			renderAnomaly(out, updated)
			return nil
		},
	}
}
