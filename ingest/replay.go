package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"watchpost/core"
	"watchpost/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Ingester is the pipeline entry point.
type Ingester interface {
	Ingest(ctx context.Context, event core.Event) (*core.StoredAnomaly, error)
}

// ReplayConfig controls pacing and retries. RatePerSecond <= 0 replays
// as fast as the pipeline accepts events.
type ReplayConfig struct {
	RatePerSecond float64
	Burst         int
	MaxRetries    int
	RetryBackoff  time.Duration
}

// DefaultReplayConfig replays unpaced with three retries.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		MaxRetries:   3,
		RetryBackoff: 200 * time.Millisecond,
	}
}

// ReplayStats summarizes one replay.
type ReplayStats struct {
	Total     int                  `json:"total"`
	Ingested  int                  `json:"ingested"`
	Rejected  int                  `json:"rejected"`
	Failed    int                  `json:"failed"`
	Anomalies []core.StoredAnomaly `json:"anomalies"`
}

// Replayer feeds recorded events through the pipeline in order.
type Replayer struct {
	ingester Ingester
	cfg      ReplayConfig
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger
}

// NewReplayer creates a replayer.
func NewReplayer(ingester Ingester, cfg ReplayConfig, logger *zap.SugaredLogger) *Replayer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultReplayConfig().RetryBackoff
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	r := &Replayer{ingester: ingester, cfg: cfg, logger: logger}
	if cfg.RatePerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	return r
}

// Replay ingests events in order. Invalid events are counted and skipped.
// A store outage that outlasts the retries stops the replay; the stats
// returned with the error cover the events processed so far.
func (r *Replayer) Replay(ctx context.Context, events []core.Event) (ReplayStats, error) {
	stats := ReplayStats{Total: len(events)}

	for i := range events {
		ev := events[i]
		if ev.EventID == "" {
			ev.EventID = uuid.NewString()
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return stats, err
			}
		} else if err := ctx.Err(); err != nil {
			return stats, err
		}

		anomaly, err := r.ingest(ctx, ev)
		switch {
		case err == nil:
			stats.Ingested++
			if anomaly != nil {
				stats.Anomalies = append(stats.Anomalies, *anomaly)
			}
		case errors.Is(err, core.ErrInvalidEvent):
			stats.Rejected++
			r.logger.Warnw("Skipping invalid event", "index", i, "event_id", ev.EventID, "error", err)
		case storage.IsRetryable(err):
			stats.Failed++
			return stats, fmt.Errorf("event %d (%s): %w", i, ev.EventID, err)
		case ctx.Err() != nil:
			return stats, ctx.Err()
		default:
			stats.Failed++
			r.logger.Errorw("Failed to ingest event", "index", i, "event_id", ev.EventID, "error", err)
		}
	}

	r.logger.Infow("Replay finished",
		"total", stats.Total,
		"ingested", stats.Ingested,
		"rejected", stats.Rejected,
		"failed", stats.Failed,
		"anomalies", len(stats.Anomalies))
	return stats, nil
}

// ingest retries retryable failures with exponential backoff.
func (r *Replayer) ingest(ctx context.Context, ev core.Event) (*core.StoredAnomaly, error) {
	backoff := r.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		anomaly, err := r.ingester.Ingest(ctx, ev)
		if err == nil || !storage.IsRetryable(err) || attempt >= r.cfg.MaxRetries {
			return anomaly, err
		}

		r.logger.Warnw("Store unavailable, retrying event",
			"event_id", ev.EventID,
			"attempt", attempt+1,
			"backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}
