package correlate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"watchpost/core"
	"watchpost/detect"
	"watchpost/metrics"
	"watchpost/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "watchpost/correlate"

// scorerOrder places the outlier scorer after every rule detector.
const scorerOrder = math.MaxInt32

// Pipeline states recorded as span events on every Ingest span.
const (
	StateReceived      = "received"
	StateRuleEvaluated = "rule_evaluated"
	StateMLEvaluated   = "ml_evaluated"
	StateMLSkipped     = "ml_skipped"
	StateArbitrated    = "arbitrated"
	StatePersisted     = "persisted"
)

// Store is the part of the time windowed store the arbiter uses.
type Store interface {
	storage.EventStore
	storage.AnomalyStore
}

// RuleEvaluator runs the rule detectors for one event.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, event core.Event) []detect.Result
}

// OutlierScorer is the statistical model behind the rule detectors.
type OutlierScorer interface {
	IsReady() bool
	Score(event core.Event) core.Finding
	Train(ctx context.Context, events []core.Event) error
}

// AlertSink receives newly persisted anomalies.
type AlertSink interface {
	Process(ctx context.Context, anomaly core.StoredAnomaly) (bool, error)
}

// Config tunes the arbiter.
//
// The outlier scorer only runs once the store holds more than MLMinEvents
// events. TrainingWindow and TrainingLimit bound the history read by
// TrainFromHistory.
type Config struct {
	MLMinEvents    int64
	CountTimeout   time.Duration
	TrainingWindow time.Duration
	TrainingLimit  int
	TracerProvider trace.TracerProvider
	Now            func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MLMinEvents:    1000,
		CountTimeout:   detect.DefaultQueryTimeout,
		TrainingWindow: 168 * time.Hour,
		TrainingLimit:  10000,
		Now:            time.Now,
	}
}

// Arbiter is the pipeline entry point. Each Ingest stores the event, runs
// the detectors, picks at most one winning finding and persists it.
type Arbiter struct {
	store  Store
	rules  RuleEvaluator
	scorer OutlierScorer
	sink   AlertSink
	cfg    Config
	tracer trace.Tracer
	logger *zap.SugaredLogger
}

// NewArbiter wires the pipeline. scorer and sink may be nil.
func NewArbiter(store Store, rules RuleEvaluator, scorer OutlierScorer, sink AlertSink, cfg Config, logger *zap.SugaredLogger) *Arbiter {
	def := DefaultConfig()
	if cfg.MLMinEvents <= 0 {
		cfg.MLMinEvents = def.MLMinEvents
	}
	if cfg.CountTimeout <= 0 {
		cfg.CountTimeout = def.CountTimeout
	}
	if cfg.TrainingWindow <= 0 {
		cfg.TrainingWindow = def.TrainingWindow
	}
	if cfg.TrainingLimit <= 0 {
		cfg.TrainingLimit = def.TrainingLimit
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Arbiter{
		store:  store,
		rules:  rules,
		scorer: scorer,
		sink:   sink,
		cfg:    cfg,
		tracer: tp.Tracer(tracerName),
		logger: logger,
	}
}

// Ingest runs one event through the pipeline. It returns the persisted
// anomaly, or nil when every detector was negative. Invalid events are
// rejected with core.ErrInvalidEvent; store failures are returned wrapped
// and storage.IsRetryable reports whether the caller should retry.
// Re-ingesting an event returns the anomaly persisted the first time.
func (a *Arbiter) Ingest(ctx context.Context, event core.Event) (*core.StoredAnomaly, error) {
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := a.tracer.Start(ctx, "correlate.Ingest", trace.WithAttributes(
		attribute.String("event.id", event.EventID),
		attribute.String("event.type", event.EventType),
	))
	defer span.End()

	event.Normalize()
	if err := event.Validate(); err != nil {
		metrics.EventsRejected.WithLabelValues("invalid").Inc()
		return nil, failSpan(span, err)
	}
	span.AddEvent(StateReceived)

	if err := a.store.AppendEvent(ctx, event); err != nil {
		metrics.EventsRejected.WithLabelValues("store").Inc()
		return nil, failSpan(span, fmt.Errorf("append event %s: %w", event.EventID, err))
	}
	metrics.EventsIngested.WithLabelValues(event.EventType).Inc()

	results := a.rules.Evaluate(ctx, event)
	candidates := make([]Candidate, 0, len(results)+1)
	positives := 0
	for _, r := range results {
		candidates = append(candidates, Candidate{Source: r.Detector, Order: r.Order, Finding: r.Finding})
		if r.Finding.IsAnomaly {
			positives++
		}
	}
	span.AddEvent(StateRuleEvaluated, trace.WithAttributes(
		attribute.Int("detectors", len(results)),
		attribute.Int("positives", positives),
	))

	if finding, skip := a.scoreOutlier(ctx, event); skip != "" {
		span.AddEvent(StateMLSkipped, trace.WithAttributes(attribute.String("reason", skip)))
	} else {
		candidates = append(candidates, Candidate{Source: "ml", Order: scorerOrder, Finding: finding})
		span.AddEvent(StateMLEvaluated, trace.WithAttributes(
			attribute.Bool("anomaly", finding.IsAnomaly),
			attribute.String("description", finding.Description),
		))
	}

	winner, ok := Arbitrate(candidates)
	if !ok {
		span.AddEvent(StateArbitrated, trace.WithAttributes(attribute.Bool("anomaly", false)))
		return nil, nil
	}
	span.AddEvent(StateArbitrated, trace.WithAttributes(
		attribute.Bool("anomaly", true),
		attribute.String("rule", winner.Finding.RuleName),
		attribute.String("severity", string(winner.Finding.Severity)),
		attribute.Float64("confidence", winner.Finding.Confidence),
	))

	anomaly := core.NewStoredAnomaly(winner.Finding, event, a.cfg.Now())
	created, err := a.store.StoreAnomaly(ctx, anomaly)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("store anomaly %s: %w", event.EventID, err))
	}
	span.AddEvent(StatePersisted, trace.WithAttributes(attribute.Bool("created", created)))

	if !created {
		existing, err := a.store.GetAnomaly(ctx, event.EventID)
		if err == nil {
			return &existing, nil
		}
		a.logger.Warnw("Failed to read back existing anomaly", "event_id", event.EventID, "error", err)
		return &anomaly, nil
	}

	metrics.AnomaliesDetected.WithLabelValues(string(anomaly.Severity), anomaly.RuleName).Inc()
	a.logger.Infow("Anomaly detected",
		"event_id", anomaly.EventID,
		"rule", anomaly.RuleName,
		"severity", anomaly.Severity,
		"confidence", anomaly.Confidence,
		"src_ip", anomaly.Fields[core.FieldSrcIP])

	if a.sink != nil {
		if _, err := a.sink.Process(ctx, anomaly); err != nil {
			a.logger.Warnw("Alert dispatch failed", "event_id", anomaly.EventID, "error", err)
		}
	}
	return &anomaly, nil
}

// scoreOutlier returns the scorer's finding, or a non-empty skip reason
// when the scorer must not run for this event.
func (a *Arbiter) scoreOutlier(ctx context.Context, event core.Event) (core.Finding, string) {
	if a.scorer == nil {
		return core.Finding{}, "disabled"
	}

	countCtx, cancel := context.WithTimeout(ctx, a.cfg.CountTimeout)
	defer cancel()
	count, err := a.store.CountEvents(countCtx)
	if err != nil {
		a.logger.Debugw("Skipping outlier scoring, event count unavailable", "event_id", event.EventID, "error", err)
		return core.Finding{}, "count unavailable"
	}
	if count <= a.cfg.MLMinEvents {
		return core.Finding{}, "insufficient history"
	}

	f := a.scorer.Score(event)
	f.EventID = event.EventID
	return f, ""
}

// QueryEvents returns stored events newest first.
func (a *Arbiter) QueryEvents(ctx context.Context, q storage.Query) ([]core.Event, error) {
	return a.store.QueryEvents(ctx, q)
}

// QueryAnomalies returns stored anomalies newest first.
func (a *Arbiter) QueryAnomalies(ctx context.Context, q storage.Query) ([]core.StoredAnomaly, error) {
	return a.store.QueryAnomalies(ctx, q)
}

// Stats returns anomaly counts by severity and rule.
func (a *Arbiter) Stats(ctx context.Context) (storage.Stats, error) {
	return a.store.Stats(ctx)
}

// UpdateStatus moves an anomaly through its operator lifecycle. The
// pipeline itself never calls it.
func (a *Arbiter) UpdateStatus(ctx context.Context, eventID string, status core.AnomalyStatus) (core.StoredAnomaly, error) {
	return a.store.UpdateAnomalyStatus(ctx, eventID, status)
}

// TrainModels retrains the outlier scorer on events. It reports false when
// training did not produce a new model; the previous model stays active.
func (a *Arbiter) TrainModels(ctx context.Context, events []core.Event) bool {
	if a.scorer == nil {
		a.logger.Warnw("Training requested but outlier scoring is disabled")
		return false
	}

	ctx, span := a.tracer.Start(ctx, "correlate.TrainModels", trace.WithAttributes(
		attribute.Int("events", len(events)),
	))
	defer span.End()

	if err := a.scorer.Train(ctx, events); err != nil {
		failSpan(span, err)
		a.logger.Warnw("Model training failed", "events", len(events), "error", err)
		return false
	}
	return true
}

// TrainFromHistory retrains on the most recent stored events.
func (a *Arbiter) TrainFromHistory(ctx context.Context) bool {
	events, err := a.store.QueryEvents(ctx, storage.Query{
		Range: a.cfg.TrainingWindow,
		End:   a.cfg.Now(),
		Limit: a.cfg.TrainingLimit,
	})
	if err != nil {
		a.logger.Warnw("Failed to load training history", "error", err)
		return false
	}
	return a.TrainModels(ctx, events)
}

// ModelReady reports whether the outlier scorer has a model.
func (a *Arbiter) ModelReady() bool {
	return a.scorer != nil && a.scorer.IsReady()
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, storage.ErrStoreUnavailable) {
		span.SetAttributes(attribute.Bool("retryable", true))
	}
	return err
}
