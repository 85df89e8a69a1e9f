package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"watchpost/bootstrap"
	"watchpost/config"

	"github.com/briandowns/spinner"
)

// loadConfig reads the configuration selected by --config.
func loadConfig() (*config.Config, error) {
	return bootstrap.InitConfig(configFile)
}

// initApp loads the configuration, builds the logger and composes the
// pipeline. The returned cleanup shuts the app down.
func initApp(ctx context.Context) (*bootstrap.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Logging.Level
	if quiet {
		level = "error"
	}
	logger, sugar, err := bootstrap.InitLogger(level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app, err := bootstrap.NewApp(ctx, cfg, logger, sugar)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	return app, app.Shutdown, nil
}

// withSpinner runs fn behind a progress spinner on w unless output is JSON
// or quiet.
func withSpinner(w io.Writer, suffix string, fn func() error) error {
	var s *spinner.Spinner
	if !outputJSON && !quiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
		s.Suffix = " " + suffix
		s.Start()
	}
	err := fn()
	if s != nil {
		s.Stop()
	}
	return err
}

// outputAsJSON writes data as indented JSON.
func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
