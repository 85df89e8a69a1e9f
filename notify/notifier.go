package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"watchpost/core"
	"watchpost/metrics"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultThreshold is the confidence an anomaly needs to be dispatched.
const DefaultThreshold = 0.8

// ShouldNotify reports whether an anomaly's confidence reaches threshold.
func ShouldNotify(anomaly core.StoredAnomaly, threshold float64) bool {
	return anomaly.Confidence >= threshold
}

// GateConfig configures the alert gate. RatePerSecond <= 0 disables rate
// limiting.
type GateConfig struct {
	Threshold     float64
	RatePerSecond float64
	Burst         int
}

// DefaultGateConfig returns a 0.8 threshold and 5 dispatches per second.
func DefaultGateConfig() GateConfig {
	return GateConfig{Threshold: DefaultThreshold, RatePerSecond: 5, Burst: 10}
}

type channel struct {
	dispatcher Dispatcher
	breaker    *gobreaker.CircuitBreaker[struct{}]
}

// Gate applies ShouldNotify to persisted anomalies and hands the ones that
// pass to every dispatcher. Each dispatcher sits behind its own circuit
// breaker, so one broken channel does not slow down the others.
type Gate struct {
	cfg      GateConfig
	limiter  *rate.Limiter
	channels []channel
	logger   *zap.SugaredLogger
}

// NewGate creates a gate. An unset threshold falls back to DefaultThreshold.
// With no dispatchers, alerts go to a LogDispatcher.
func NewGate(cfg GateConfig, logger *zap.SugaredLogger, dispatchers ...Dispatcher) *Gate {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if len(dispatchers) == 0 {
		dispatchers = []Dispatcher{NewLogDispatcher(logger)}
	}

	g := &Gate{cfg: cfg, logger: logger}
	if cfg.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	for _, d := range dispatchers {
		g.channels = append(g.channels, channel{dispatcher: d, breaker: newChannelBreaker(d.Name(), logger)})
	}
	return g
}

// Threshold returns the configured confidence threshold.
func (g *Gate) Threshold() float64 { return g.cfg.Threshold }

// Process dispatches anomaly if it passes the threshold and the rate limit.
// It reports whether at least one channel accepted it. Alerts over the rate
// limit are dropped, never queued, so ingestion is not held up.
func (g *Gate) Process(ctx context.Context, anomaly core.StoredAnomaly) (bool, error) {
	if !ShouldNotify(anomaly, g.cfg.Threshold) {
		metrics.AlertsDispatched.WithLabelValues("below_threshold").Inc()
		return false, nil
	}
	if g.limiter != nil && !g.limiter.Allow() {
		metrics.AlertsDispatched.WithLabelValues("rate_limited").Inc()
		g.logger.Warnw("Alert dropped by rate limit", "event_id", anomaly.EventID, "rule", anomaly.RuleName)
		return false, nil
	}

	var (
		errs []error
		sent bool
	)
	for _, ch := range g.channels {
		_, err := ch.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, ch.dispatcher.Dispatch(ctx, anomaly)
		})
		switch {
		case err == nil:
			sent = true
			metrics.AlertsDispatched.WithLabelValues("sent").Inc()
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.AlertsDispatched.WithLabelValues("breaker_open").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", ch.dispatcher.Name(), err))
		default:
			metrics.AlertsDispatched.WithLabelValues("failed").Inc()
			g.logger.Errorw("Alert dispatch failed", "channel", ch.dispatcher.Name(), "event_id", anomaly.EventID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", ch.dispatcher.Name(), err))
		}
	}
	return sent, errors.Join(errs...)
}

func newChannelBreaker(name string, logger *zap.SugaredLogger) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notify-" + name,
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("Alert channel breaker state changed", "channel", name, "from", from.String(), "to", to.String())
		},
	})
}
