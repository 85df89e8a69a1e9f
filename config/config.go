package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WATCHPOST_REDIS_ADDR.
const EnvPrefix = "WATCHPOST"

// RedisConfig locates the backing store.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// BreakerConfig controls the store circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// StoreConfig holds retention windows and read path limits.
type StoreConfig struct {
	EventRetention   time.Duration `mapstructure:"event_retention"`
	AnomalyRetention time.Duration `mapstructure:"anomaly_retention"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	RecordCacheSize  int           `mapstructure:"record_cache_size"`
	RecordCacheTTL   time.Duration `mapstructure:"record_cache_ttl"`
	MaxScan          int           `mapstructure:"max_scan"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	Breaker          BreakerConfig `mapstructure:"breaker"`
}

// BruteforceConfig holds the failed login thresholds.
type BruteforceConfig struct {
	Window              time.Duration `mapstructure:"window"`
	AttemptThreshold    int           `mapstructure:"attempt_threshold"`
	UniqueUserThreshold int           `mapstructure:"unique_user_threshold"`
	EventTypes          []string      `mapstructure:"event_types"`
}

// TrafficConfig holds the port scan thresholds.
type TrafficConfig struct {
	Window             time.Duration `mapstructure:"window"`
	PortThreshold      int           `mapstructure:"port_threshold"`
	EventTypes         []string      `mapstructure:"event_types"`
	FirewallEventTypes []string      `mapstructure:"firewall_event_types"`
	DenyActions        []string      `mapstructure:"deny_actions"`
}

// DetectConfig groups the rule detectors.
type DetectConfig struct {
	QueryTimeout time.Duration    `mapstructure:"query_timeout"`
	Bruteforce   BruteforceConfig `mapstructure:"bruteforce"`
	Traffic      TrafficConfig    `mapstructure:"traffic"`
}

// MLConfig controls the outlier scorer and its retraining schedule.
type MLConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MinEvents        int64         `mapstructure:"min_events"`
	NumTrees         int           `mapstructure:"num_trees"`
	SubsampleSize    int           `mapstructure:"subsample_size"`
	Contamination    float64       `mapstructure:"contamination"`
	ThresholdSigma   float64       `mapstructure:"threshold_sigma"`
	Seed             int64         `mapstructure:"seed"`
	ModelDir         string        `mapstructure:"model_dir"`
	TrainingSchedule string        `mapstructure:"training_schedule"`
	TrainingWindow   time.Duration `mapstructure:"training_window"`
	TrainingLimit    int           `mapstructure:"training_limit"`
}

// AlertsConfig is the alert gate policy.
type AlertsConfig struct {
	Threshold     float64 `mapstructure:"threshold"`
	DispatchRate  float64 `mapstructure:"dispatch_rate"`
	DispatchBurst int     `mapstructure:"dispatch_burst"`
}

// MetricsConfig is the admin HTTP server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TracingConfig installs an SDK tracer provider when enabled.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecretsConfig selects where the Redis password comes from.
type SecretsConfig struct {
	Provider string `mapstructure:"provider"`
	Vault    struct {
		Address string `mapstructure:"address"`
		Token   string `mapstructure:"token"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"vault"`
	AWS struct {
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		SecretID  string `mapstructure:"secret_id"`
	} `mapstructure:"aws"`
}

// Config holds all configuration for watchpost.
type Config struct {
	Redis   RedisConfig   `mapstructure:"redis"`
	Store   StoreConfig   `mapstructure:"store"`
	Detect  DetectConfig  `mapstructure:"detect"`
	ML      MLConfig      `mapstructure:"ml"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
	Secrets SecretsConfig `mapstructure:"secrets"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`

	settings map[string]any
}

// sensitiveKeys are masked by Settings.
var sensitiveKeys = []string{
	"redis.password",
	"secrets.vault.token",
	"secrets.aws.access_key",
	"secrets.aws.secret_key",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("store.event_retention", "72h")
	v.SetDefault("store.anomaly_retention", "168h")
	v.SetDefault("store.key_prefix", "")
	v.SetDefault("store.record_cache_size", 10000)
	v.SetDefault("store.record_cache_ttl", "5m")
	v.SetDefault("store.max_scan", 50000)
	v.SetDefault("store.sweep_interval", "10m")
	v.SetDefault("store.breaker.failure_threshold", 5)
	v.SetDefault("store.breaker.open_timeout", "30s")

	v.SetDefault("detect.query_timeout", "500ms")
	v.SetDefault("detect.bruteforce.window", "5m")
	v.SetDefault("detect.bruteforce.attempt_threshold", 10)
	v.SetDefault("detect.bruteforce.unique_user_threshold", 5)
	v.SetDefault("detect.bruteforce.event_types", []string{"cowrie.login.failure", "login_failure", "auth_failure"})
	v.SetDefault("detect.traffic.window", "1h")
	v.SetDefault("detect.traffic.port_threshold", 50)
	v.SetDefault("detect.traffic.event_types", []string{"traffic_deny"})
	v.SetDefault("detect.traffic.firewall_event_types", []string{"firewall_traffic"})
	v.SetDefault("detect.traffic.deny_actions", []string{"deny", "drop", "block", "reset"})

	v.SetDefault("ml.enabled", true)
	v.SetDefault("ml.min_events", 1000)
	v.SetDefault("ml.num_trees", 100)
	v.SetDefault("ml.subsample_size", 256)
	v.SetDefault("ml.contamination", 0.0) // 0 = automatic sigma threshold
	v.SetDefault("ml.threshold_sigma", 3.0)
	v.SetDefault("ml.seed", 42)
	v.SetDefault("ml.model_dir", "./data/models")
	v.SetDefault("ml.training_schedule", "@every 6h")
	v.SetDefault("ml.training_window", "168h")
	v.SetDefault("ml.training_limit", 10000)

	v.SetDefault("alerts.threshold", 0.8)
	v.SetDefault("alerts.dispatch_rate", 5.0)
	v.SetDefault("alerts.dispatch_burst", 10)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9102")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 0.1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.vault.address", "")
	v.SetDefault("secrets.vault.token", "")
	v.SetDefault("secrets.vault.path", "secret/watchpost")
	v.SetDefault("secrets.aws.region", "")
	v.SetDefault("secrets.aws.access_key", "")
	v.SetDefault("secrets.aws.secret_key", "")
	v.SetDefault("secrets.aws.secret_id", "watchpost/secrets")
}

// loadFromEnv maps WATCHPOST_SECTION_KEY onto section.key.
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// shorter names for the settings most often overridden in containers
	_ = v.BindEnv("redis.addr", "WATCHPOST_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("ml.model_dir", "WATCHPOST_ML_MODEL_DIR", "WATCHPOST_MODEL_DIR")
	_ = v.BindEnv("secrets.vault.token", "WATCHPOST_SECRETS_VAULT_TOKEN", "VAULT_TOKEN")
}

// Load reads configuration from configFile, or from config.yaml in . or
// ./config when configFile is empty, then applies environment overrides.
// A missing default config file is not an error.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	loadFromEnv(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.settings = v.AllSettings()

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Settings returns the effective settings tree with secrets masked.
func (c *Config) Settings() map[string]any {
	out := deepCopy(c.settings)
	for _, key := range sensitiveKeys {
		maskKey(out, strings.Split(key, "."))
	}
	return out
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopy(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func maskKey(m map[string]any, path []string) {
	if len(path) == 1 {
		if s, ok := m[path[0]].(string); ok && s != "" {
			m[path[0]] = "********"
		}
		return
	}
	if nested, ok := m[path[0]].(map[string]any); ok {
		maskKey(nested, path[1:])
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr cannot be empty")
	}
	if cfg.Redis.PoolSize < 1 {
		return fmt.Errorf("redis.pool_size must be positive")
	}

	if cfg.Store.EventRetention <= 0 {
		return fmt.Errorf("store.event_retention must be positive")
	}
	if cfg.Store.AnomalyRetention <= 0 {
		return fmt.Errorf("store.anomaly_retention must be positive")
	}
	if cfg.Store.MaxScan < 1 {
		return fmt.Errorf("store.max_scan must be positive")
	}
	if cfg.Store.RecordCacheSize < 0 {
		return fmt.Errorf("store.record_cache_size cannot be negative")
	}

	if cfg.Detect.QueryTimeout <= 0 {
		return fmt.Errorf("detect.query_timeout must be positive")
	}
	bf := cfg.Detect.Bruteforce
	if bf.Window <= 0 || bf.AttemptThreshold < 1 || bf.UniqueUserThreshold < 1 {
		return fmt.Errorf("detect.bruteforce window and thresholds must be positive")
	}
	if len(bf.EventTypes) == 0 {
		return fmt.Errorf("detect.bruteforce.event_types cannot be empty")
	}
	tr := cfg.Detect.Traffic
	if tr.Window <= 0 || tr.PortThreshold < 1 {
		return fmt.Errorf("detect.traffic window and port_threshold must be positive")
	}

	if cfg.ML.Enabled {
		if cfg.ML.MinEvents < 1 {
			return fmt.Errorf("ml.min_events must be positive")
		}
		if cfg.ML.Contamination < 0 || cfg.ML.Contamination >= 0.5 {
			return fmt.Errorf("ml.contamination must be in [0, 0.5), got %v", cfg.ML.Contamination)
		}
		if cfg.ML.NumTrees < 1 || cfg.ML.SubsampleSize < 2 {
			return fmt.Errorf("ml.num_trees and ml.subsample_size must be positive")
		}
		if cfg.ML.TrainingSchedule != "" {
			if _, err := cron.ParseStandard(cfg.ML.TrainingSchedule); err != nil {
				return fmt.Errorf("invalid ml.training_schedule %q: %w", cfg.ML.TrainingSchedule, err)
			}
		}
	}

	if cfg.Alerts.Threshold <= 0 || cfg.Alerts.Threshold > 1 {
		return fmt.Errorf("alerts.threshold must be in (0, 1], got %v", cfg.Alerts.Threshold)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr cannot be empty when metrics are enabled")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in [0, 1]")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging.format %q (console or json)", cfg.Logging.Format)
	}

	switch cfg.Secrets.Provider {
	case "", "env", "vault", "aws":
	default:
		return fmt.Errorf("unsupported secrets.provider %q", cfg.Secrets.Provider)
	}
	return nil
}
