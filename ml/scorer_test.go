package ml

import (
	"context"
	"sync"
	"testing"
	"time"

	"watchpost/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestScorer(t *testing.T, modelDir string) *Scorer {
	t.Helper()
	cfg := DefaultScorerConfig()
	cfg.ModelDir = modelDir
	cfg.Now = fixedNow
	s, err := NewScorer(cfg, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return s
}

func waitLoaded(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("model load did not finish")
	}
}

func TestScorer_NotReady(t *testing.T) {
	s := newTestScorer(t, "")

	assert.False(t, s.IsReady())
	assert.Nil(t, s.Model())

	f := s.Score(clusteredEvents(1)[0])
	assert.False(t, f.IsAnomaly)
	assert.Equal(t, "model not ready", f.Description)
	assert.Equal(t, "normal-0", f.EventID)
}

func TestScorer_TrainFlagsOutliers(t *testing.T) {
	s := newTestScorer(t, "")
	normal, outliers, all := trainingSet()

	require.NoError(t, s.Train(context.Background(), all))
	require.True(t, s.IsReady())

	for _, ev := range outliers {
		f := s.Score(ev)
		assert.True(t, f.IsAnomaly, "outlier %s not flagged: %s", ev.EventID, f.Description)
		assert.Equal(t, RuleOutlier, f.RuleName)
		assert.Equal(t, ev.EventID, f.EventID)
		assert.GreaterOrEqual(t, f.Confidence, 0.0)
		assert.LessOrEqual(t, f.Confidence, 1.0)
		if f.Confidence >= 0.5 {
			assert.Equal(t, core.SeverityHigh, f.Severity)
		} else {
			assert.Equal(t, core.SeverityMedium, f.Severity)
		}
	}

	for _, ev := range normal {
		f := s.Score(ev)
		require.False(t, f.IsAnomaly, "clustered point %s flagged: %s", ev.EventID, f.Description)
	}
}

func TestScorer_InsufficientTrainingData(t *testing.T) {
	s := newTestScorer(t, "")

	err := s.Train(context.Background(), clusteredEvents(999))
	assert.ErrorIs(t, err, ErrInsufficientTrainingData)
	assert.False(t, s.IsReady())
}

func TestScorer_UnusableEventsDoNotCount(t *testing.T) {
	s := newTestScorer(t, "")

	events := clusteredEvents(1000)
	delete(events[0].Fields, core.FieldSrcIP)

	err := s.Train(context.Background(), events)
	assert.ErrorIs(t, err, ErrInsufficientTrainingData)
}

func TestScorer_FailedTrainingKeepsModel(t *testing.T) {
	s := newTestScorer(t, "")
	_, _, all := trainingSet()

	require.NoError(t, s.Train(context.Background(), all))
	before := s.Model()

	err := s.Train(context.Background(), clusteredEvents(10))
	require.ErrorIs(t, err, ErrInsufficientTrainingData)
	assert.Same(t, before, s.Model())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Train(ctx, all), context.Canceled)
	assert.Same(t, before, s.Model())
}

func TestScorer_InsufficientFeatures(t *testing.T) {
	s := newTestScorer(t, "")
	_, _, all := trainingSet()
	require.NoError(t, s.Train(context.Background(), all))

	tests := []struct {
		name   string
		fields core.Fields
	}{
		{name: "missing src_ip", fields: core.Fields{"dst_port": 22}},
		{name: "malformed port", fields: core.Fields{"src_ip": "1.2.3.4", "dst_port": "twenty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := s.Score(core.Event{EventID: "bad", Fields: tt.fields})
			assert.False(t, f.IsAnomaly)
			assert.Contains(t, f.Description, "insufficient features")
		})
	}
}

func TestScorer_ScoreDuringTraining(t *testing.T) {
	s := newTestScorer(t, "")
	normal, _, all := trainingSet()
	require.NoError(t, s.Train(context.Background(), all))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				f := s.Score(normal[i])
				assert.NotEqual(t, "model not ready", f.Description)
			}
		}(i)
	}

	require.NoError(t, s.Train(context.Background(), all))
	close(stop)
	wg.Wait()
}

func TestScorer_StartLoadsPersistedModel(t *testing.T) {
	dir := t.TempDir()
	_, outliers, all := trainingSet()

	trainer := newTestScorer(t, dir)
	require.NoError(t, trainer.Train(context.Background(), all))

	s := newTestScorer(t, dir)
	assert.False(t, s.IsReady())

	ch := s.Start(context.Background())
	waitLoaded(t, ch)
	assert.Equal(t, ch, s.Start(context.Background()))

	require.NoError(t, s.LoadErr())
	require.True(t, s.IsReady())
	assert.Equal(t, trainer.Model().Threshold, s.Model().Threshold)
	assert.True(t, s.Score(outliers[0]).IsAnomaly)
}

func TestScorer_StartWithoutSnapshot(t *testing.T) {
	s := newTestScorer(t, t.TempDir())

	waitLoaded(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.LoadErr(), ErrNoSnapshot)
	assert.False(t, s.IsReady())
}

func TestScorer_LoadKeepsNewerModel(t *testing.T) {
	dir := t.TempDir()
	_, _, all := trainingSet()

	old := newTestScorer(t, dir)
	require.NoError(t, old.Train(context.Background(), all))

	s := newTestScorer(t, "")
	require.NoError(t, s.Train(context.Background(), all))
	current := s.Model()

	s.persistence = old.persistence
	require.NoError(t, s.Load(context.Background()))
	assert.Same(t, current, s.Model())
}
