package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detection service",
		Long: `Compose the pipeline, load the persisted model in the background and
start retention, scheduled retraining and the admin server. Blocks until
SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := app.Start(ctx); err != nil {
				return err
			}
			app.Sugar.Info("watchpost is running")
			app.WaitForShutdown(ctx)
			return nil
		},
	}
}
