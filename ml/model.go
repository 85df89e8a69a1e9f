package ml

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// ModelConfig controls how a Model derives its decision boundary.
//
// With Contamination > 0 the threshold is the training score quantile that
// leaves that share of training points above it. Otherwise it is
// max(0.5, mean + ThresholdSigma*stddev) of the training scores.
type ModelConfig struct {
	Forest         IsolationForestConfig
	Contamination  float64
	ThresholdSigma float64
}

// DefaultModelConfig uses the automatic three sigma boundary.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Forest:         DefaultIsolationForestConfig(),
		ThresholdSigma: 3,
	}
}

// Model is an immutable trained outlier model: a scaler, a forest and the
// boundary learned from the training scores. Readers share it freely.
type Model struct {
	Features  []string         `msgpack:"features"`
	Scaler    StandardScaler   `msgpack:"scaler"`
	Forest    *IsolationForest `msgpack:"forest"`
	Threshold float64          `msgpack:"threshold"`
	Samples   int              `msgpack:"samples"`
	TrainedAt time.Time        `msgpack:"trained_at"`
}

// TrainModel fits a new model on raw feature vectors.
func TrainModel(vectors [][]float64, features []string, cfg ModelConfig, now time.Time) (*Model, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no training vectors")
	}
	if cfg.Contamination < 0 || cfg.Contamination >= 0.5 {
		return nil, fmt.Errorf("contamination must be in [0, 0.5), got %v", cfg.Contamination)
	}
	if cfg.ThresholdSigma <= 0 {
		cfg.ThresholdSigma = DefaultModelConfig().ThresholdSigma
	}

	scaler, err := FitStandardScaler(vectors)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	scaled, err := scaler.TransformAll(vectors)
	if err != nil {
		return nil, fmt.Errorf("scale training data: %w", err)
	}
	forest, err := FitIsolationForest(scaled, cfg.Forest)
	if err != nil {
		return nil, fmt.Errorf("fit forest: %w", err)
	}

	scores := make([]float64, len(scaled))
	for i, row := range scaled {
		if scores[i], err = forest.Score(row); err != nil {
			return nil, fmt.Errorf("score training row %d: %w", i, err)
		}
	}

	return &Model{
		Features:  append([]string(nil), features...),
		Scaler:    scaler,
		Forest:    forest,
		Threshold: decisionThreshold(scores, cfg),
		Samples:   len(vectors),
		TrainedAt: now.UTC(),
	}, nil
}

func decisionThreshold(scores []float64, cfg ModelConfig) float64 {
	if cfg.Contamination > 0 {
		sorted := append([]float64(nil), scores...)
		sort.Float64s(sorted)
		idx := int(math.Ceil((1-cfg.Contamination)*float64(len(sorted)))) - 1
		if idx < 0 {
			idx = 0
		}
		return sorted[idx]
	}

	mean := 0.0
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))

	variance := 0.0
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	std := math.Sqrt(variance / float64(len(scores)))

	return math.Max(0.5, mean+cfg.ThresholdSigma*std)
}

// Score returns the raw anomaly score of x and whether it lies beyond the
// decision boundary.
func (m *Model) Score(x []float64) (float64, bool, error) {
	scaled, err := m.Scaler.Transform(x)
	if err != nil {
		return 0, false, err
	}
	score, err := m.Forest.Score(scaled)
	if err != nil {
		return 0, false, err
	}
	return score, score > m.Threshold, nil
}

// Confidence maps the distance past the boundary onto [0, 1].
func (m *Model) Confidence(score float64) float64 {
	return math.Max(0, math.Min((score-m.Threshold)*10, 1))
}
