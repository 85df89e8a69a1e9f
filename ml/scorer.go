package ml

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"watchpost/core"
	"watchpost/metrics"
	"watchpost/util/goroutine"

	"go.uber.org/zap"
)

// RuleOutlier is the rule name of findings produced by the scorer.
const RuleOutlier = "ml_outlier"

// MinTrainingEvents is the smallest batch Train accepts.
const MinTrainingEvents = 1000

// ScorerConfig configures training and persistence of the outlier model.
// An empty ModelDir disables persistence.
type ScorerConfig struct {
	Model             ModelConfig
	MinTrainingEvents int
	ModelDir          string
	Now               func() time.Time
}

// DefaultScorerConfig returns the production defaults without persistence.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		Model:             DefaultModelConfig(),
		MinTrainingEvents: MinTrainingEvents,
		Now:               time.Now,
	}
}

// Scorer wraps the active outlier model. Scoring reads the model through an
// atomic pointer; training builds a fresh model and swaps it in, so scoring
// never blocks on training and never sees a partial model.
type Scorer struct {
	cfg         ScorerConfig
	extractor   FeatureExtractor
	persistence *ModelPersistence
	logger      *zap.SugaredLogger

	model   atomic.Pointer[Model]
	trainMu sync.Mutex

	startOnce sync.Once
	loaded    chan struct{}
	loadErr   error
}

// NewScorer creates a scorer with no model. Call Start or Load to restore a
// persisted model, or Train to build one.
func NewScorer(cfg ScorerConfig, extractor FeatureExtractor, logger *zap.SugaredLogger) (*Scorer, error) {
	def := DefaultScorerConfig()
	if cfg.MinTrainingEvents <= 0 {
		cfg.MinTrainingEvents = def.MinTrainingEvents
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if extractor == nil {
		extractor = NetworkFeatureExtractor{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Scorer{
		cfg:       cfg,
		extractor: extractor,
		logger:    logger,
		loaded:    make(chan struct{}),
	}
	if cfg.ModelDir != "" {
		p, err := NewModelPersistence(cfg.ModelDir, logger)
		if err != nil {
			return nil, err
		}
		s.persistence = p
	}
	metrics.ModelReady.Set(0)
	return s, nil
}

// Name identifies the scorer in logs and metrics.
func (s *Scorer) Name() string { return RuleOutlier }

// IsReady reports whether a model has been loaded or trained.
func (s *Scorer) IsReady() bool {
	return s.model.Load() != nil
}

// Model returns the active model, or nil.
func (s *Scorer) Model() *Model {
	return s.model.Load()
}

// Start restores the persisted model in the background. The returned
// channel is closed once the attempt finishes; LoadErr then reports its
// outcome. Calling Start again returns the same channel.
func (s *Scorer) Start(ctx context.Context) <-chan struct{} {
	s.startOnce.Do(func() {
		goroutine.Go("ml-model-load", s.logger, func() {
			defer close(s.loaded)
			s.loadErr = s.Load(ctx)
			switch {
			case s.loadErr == nil:
			case errors.Is(s.loadErr, ErrNoSnapshot):
				s.logger.Infow("No persisted outlier model, waiting for training")
			default:
				s.logger.Warnw("Failed to load outlier model", "error", s.loadErr)
			}
		})
	})
	return s.loaded
}

// LoadErr returns the result of the Start load. Only meaningful after the
// channel returned by Start is closed.
func (s *Scorer) LoadErr() error {
	select {
	case <-s.loaded:
		return s.loadErr
	default:
		return nil
	}
}

// Load synchronously restores the persisted model. A model trained in the
// meantime is never replaced by an older snapshot.
func (s *Scorer) Load(ctx context.Context) error {
	if s.persistence == nil {
		return ErrNoSnapshot
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := s.persistence.Load()
	if err != nil {
		return err
	}
	if len(m.Features) != len(s.extractor.Names()) {
		return fmt.Errorf("snapshot has %d features, extractor produces %d", len(m.Features), len(s.extractor.Names()))
	}
	if !s.model.CompareAndSwap(nil, m) {
		s.logger.Infow("Skipping persisted model, a newer model is active")
		return nil
	}
	metrics.ModelReady.Set(1)
	return nil
}

// Score classifies one event. It never fails: missing models and
// unusable fields yield a negative finding carrying the reason.
func (s *Scorer) Score(event core.Event) core.Finding {
	m := s.model.Load()
	if m == nil {
		return core.NoAnomaly(event.EventID, ErrModelNotReady.Error())
	}

	vec, err := s.extractor.Extract(event)
	if err != nil {
		metrics.DetectorDegraded.WithLabelValues(RuleOutlier, "malformed").Inc()
		return core.NoAnomaly(event.EventID, fmt.Sprintf("insufficient features: %v", err))
	}

	score, outlier, err := m.Score(vec)
	if err != nil {
		metrics.DetectorDegraded.WithLabelValues(RuleOutlier, "malformed").Inc()
		return core.NoAnomaly(event.EventID, fmt.Sprintf("insufficient features: %v", err))
	}
	if !outlier {
		return core.NoAnomaly(event.EventID, fmt.Sprintf("outlier score %.3f within threshold %.3f", score, m.Threshold))
	}

	confidence := m.Confidence(score)
	severity := core.SeverityMedium
	if confidence >= 0.5 {
		severity = core.SeverityHigh
	}
	return core.Finding{
		IsAnomaly:   true,
		Confidence:  confidence,
		RuleName:    RuleOutlier,
		Description: fmt.Sprintf("Statistical outlier: score %.3f exceeds threshold %.3f", score, m.Threshold),
		Severity:    severity,
		EventID:     event.EventID,
	}
}

// Train fits a new model on events and makes it active. Events whose
// features cannot be extracted are skipped. On any error the previous
// model stays active. Concurrent Train calls run one at a time.
func (s *Scorer) Train(ctx context.Context, events []core.Event) error {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()

	start := time.Now()
	err := s.train(ctx, events)
	metrics.ModelTrainingDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.ModelTrainings.WithLabelValues("success").Inc()
	case errors.Is(err, ErrInsufficientTrainingData):
		metrics.ModelTrainings.WithLabelValues("insufficient_data").Inc()
	default:
		metrics.ModelTrainings.WithLabelValues("error").Inc()
	}
	return err
}

func (s *Scorer) train(ctx context.Context, events []core.Event) error {
	if len(events) < s.cfg.MinTrainingEvents {
		return fmt.Errorf("%w: %d events, need %d", ErrInsufficientTrainingData, len(events), s.cfg.MinTrainingEvents)
	}

	vectors := make([][]float64, 0, len(events))
	skipped := 0
	for i, ev := range events {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		vec, err := s.extractor.Extract(ev)
		if err != nil {
			skipped++
			continue
		}
		vectors = append(vectors, vec)
	}
	if len(vectors) < s.cfg.MinTrainingEvents {
		return fmt.Errorf("%w: %d usable events, need %d", ErrInsufficientTrainingData, len(vectors), s.cfg.MinTrainingEvents)
	}

	m, err := TrainModel(vectors, s.extractor.Names(), s.cfg.Model, s.cfg.Now())
	if err != nil {
		return fmt.Errorf("train model: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.model.Store(m)
	metrics.ModelReady.Set(1)
	s.logger.Infow("Outlier model trained",
		"samples", m.Samples,
		"skipped", skipped,
		"threshold", m.Threshold,
		"trees", len(m.Forest.Trees))

	if s.persistence != nil {
		if err := s.persistence.Save(m); err != nil {
			s.logger.Warnw("Failed to persist outlier model", "error", err)
		}
	}
	return nil
}
