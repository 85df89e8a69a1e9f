package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the merged configuration (defaults, file, environment) with secrets masked.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			settings := cfg.Settings()
			if outputJSON {
				return outputAsJSON(out, settings)
			}

			if cfg.File != "" {
				infoColor.Fprintf(out, "# loaded from %s\n", cfg.File)
			}
			encoder := yaml.NewEncoder(out)
			encoder.SetIndent(2)
			if err := encoder.Encode(settings); err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			return encoder.Close()
		},
	}
}
