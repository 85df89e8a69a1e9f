package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"watchpost/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the process logger. format "json" selects the production
// JSON encoder; anything else gets colored console output.
func InitLogger(level, format string) (*zap.Logger, *zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	if format == "json" {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	// logs go to stderr so CLI output on stdout stays machine readable
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), lvl)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the configuration and resolves secrets through the
// configured provider.
func InitConfig(configFile string) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	manager, err := config.NewSecretManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager: %w", err)
	}
	if err := config.LoadSecrets(cfg, manager); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogConfig writes a startup summary of cfg.
func LogConfig(cfg *config.Config, sugar *zap.SugaredLogger) {
	if cfg.File == "" {
		sugar.Info("No config file found, using defaults and env vars")
	} else {
		sugar.Infow("Config loaded", "file", cfg.File)
	}

	sugar.Infow("Store configuration",
		"redis_addr", cfg.Redis.Addr,
		"event_retention", cfg.Store.EventRetention,
		"anomaly_retention", cfg.Store.AnomalyRetention)

	sugar.Infow("Detection configuration",
		"bruteforce_window", cfg.Detect.Bruteforce.Window,
		"port_scan_window", cfg.Detect.Traffic.Window,
		"ml_enabled", cfg.ML.Enabled,
		"ml_min_events", cfg.ML.MinEvents,
		"alert_threshold", cfg.Alerts.Threshold)
}
