// Package cmd provides the watchpost command-line interface.
package cmd

import (
	"time"

	"watchpost/core"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
)

// defaultTimeout bounds one-shot CLI operations.
const defaultTimeout = 5 * time.Minute

// NewRootCmd creates the watchpost command with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "watchpost",
		Short: "Anomaly detection for honeypot and firewall telemetry",
		Long: `watchpost correlates security telemetry in short sliding windows.

Each event is stored, checked by the bruteforce and port scan detectors and,
once enough history exists, scored by an isolation forest. The strongest
finding is persisted as an anomaly and high confidence anomalies are alerted.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor || outputJSON {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output and info logs")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newTrainCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newAnomaliesCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newStatusCmd("ack", "Acknowledge an anomaly", core.AnomalyStatusAcknowledged))
	rootCmd.AddCommand(newStatusCmd("resolve", "Resolve an anomaly", core.AnomalyStatusResolved))
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}
