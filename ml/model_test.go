package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionThreshold(t *testing.T) {
	scores := []float64{0.40, 0.41, 0.42, 0.43, 0.44, 0.45, 0.46, 0.47, 0.48, 0.90}

	t.Run("contamination quantile", func(t *testing.T) {
		got := decisionThreshold(scores, ModelConfig{Contamination: 0.1})
		assert.Equal(t, 0.48, got)
	})

	t.Run("sigma boundary", func(t *testing.T) {
		got := decisionThreshold(scores, ModelConfig{ThresholdSigma: 3})
		// mean 0.486, population stddev ~0.1402
		assert.InDelta(t, 0.9065, got, 1e-3)
	})

	t.Run("floor at one half", func(t *testing.T) {
		flat := []float64{0.3, 0.3, 0.3, 0.3}
		assert.Equal(t, 0.5, decisionThreshold(flat, ModelConfig{ThresholdSigma: 3}))
	})
}

func TestTrainModel_RejectsBadContamination(t *testing.T) {
	_, err := TrainModel([][]float64{{1}, {2}}, []string{"x"}, ModelConfig{Contamination: 0.7}, fixedNow())
	assert.Error(t, err)
}

func TestModel_Confidence(t *testing.T) {
	m := &Model{Threshold: 0.6}

	assert.InDelta(t, 0.5, m.Confidence(0.65), 1e-9)
	assert.Equal(t, 1.0, m.Confidence(0.95))
	assert.Equal(t, 0.0, m.Confidence(0.4))
}

func TestTrainModel_Fields(t *testing.T) {
	extractor := NetworkFeatureExtractor{}
	_, _, all := trainingSet()

	vectors := make([][]float64, 0, len(all))
	for _, ev := range all {
		vec, err := extractor.Extract(ev)
		require.NoError(t, err)
		vectors = append(vectors, vec)
	}

	m, err := TrainModel(vectors, extractor.Names(), DefaultModelConfig(), fixedNow())
	require.NoError(t, err)

	assert.Equal(t, extractor.Names(), m.Features)
	assert.Equal(t, len(all), m.Samples)
	assert.Equal(t, fixedNow(), m.TrainedAt)
	assert.GreaterOrEqual(t, m.Threshold, 0.5)
	assert.Len(t, m.Forest.Trees, DefaultIsolationForestConfig().NumTrees)
	assert.Len(t, m.Scaler.Mean, 4)
}
