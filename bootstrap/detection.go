package bootstrap

import (
	"watchpost/config"
	"watchpost/detect"
	"watchpost/ml"
	"watchpost/notify"

	"go.uber.org/zap"
)

// InitRuleEngine builds the rule detectors from the detect section.
func InitRuleEngine(cfg *config.Config, source detect.WindowSource, sugar *zap.SugaredLogger) *detect.RuleEngine {
	bruteforce := detect.NewBruteforceDetector(source, detect.BruteforceConfig{
		Window:              cfg.Detect.Bruteforce.Window,
		AttemptThreshold:    cfg.Detect.Bruteforce.AttemptThreshold,
		UniqueUserThreshold: cfg.Detect.Bruteforce.UniqueUserThreshold,
		EventTypes:          cfg.Detect.Bruteforce.EventTypes,
		QueryTimeout:        cfg.Detect.QueryTimeout,
	}, sugar.Named("bruteforce"))

	traffic := detect.NewTrafficDetector(source, detect.TrafficConfig{
		Window:             cfg.Detect.Traffic.Window,
		PortThreshold:      cfg.Detect.Traffic.PortThreshold,
		EventTypes:         cfg.Detect.Traffic.EventTypes,
		FirewallEventTypes: cfg.Detect.Traffic.FirewallEventTypes,
		DenyActions:        cfg.Detect.Traffic.DenyActions,
		QueryTimeout:       cfg.Detect.QueryTimeout,
	}, sugar.Named("traffic"))

	engine := detect.NewRuleEngine(sugar.Named("rules"), bruteforce, traffic)
	sugar.Infow("Rule engine initialized", "detectors", engine.Detectors())
	return engine
}

// InitScorer builds the outlier scorer, or returns nil when ML is disabled.
// The persisted model is not loaded here; call Scorer.Start.
func InitScorer(cfg *config.Config, sugar *zap.SugaredLogger) (*ml.Scorer, error) {
	if !cfg.ML.Enabled {
		sugar.Info("Outlier scoring disabled by configuration")
		return nil, nil
	}

	modelDir := cfg.ML.ModelDir
	if modelDir != "" {
		dir, err := EnsureDataDirectory(modelDir, sugar)
		if err != nil {
			return nil, err
		}
		modelDir = dir
	}

	forest := ml.DefaultIsolationForestConfig()
	forest.NumTrees = cfg.ML.NumTrees
	forest.SubsampleSize = cfg.ML.SubsampleSize
	forest.Seed = cfg.ML.Seed

	scorerCfg := ml.DefaultScorerConfig()
	scorerCfg.Model = ml.ModelConfig{
		Forest:         forest,
		Contamination:  cfg.ML.Contamination,
		ThresholdSigma: cfg.ML.ThresholdSigma,
	}
	scorerCfg.ModelDir = modelDir

	return ml.NewScorer(scorerCfg, ml.NetworkFeatureExtractor{}, sugar.Named("ml"))
}

// InitGate builds the alert gate with the log dispatcher.
func InitGate(cfg *config.Config, sugar *zap.SugaredLogger, dispatchers ...notify.Dispatcher) *notify.Gate {
	return notify.NewGate(notify.GateConfig{
		Threshold:     cfg.Alerts.Threshold,
		RatePerSecond: cfg.Alerts.DispatchRate,
		Burst:         cfg.Alerts.DispatchBurst,
	}, sugar.Named("alerts"), dispatchers...)
}
