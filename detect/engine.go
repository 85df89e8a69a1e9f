package detect

import (
	"context"
	"fmt"
	"time"

	"watchpost/core"
	"watchpost/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result is one detector's finding tagged with its registration order.
type Result struct {
	Detector string
	Order    int
	Finding  core.Finding
}

// RuleEngine fans an event out to every registered detector that accepts
// it. Detectors are independent and run in parallel.
type RuleEngine struct {
	detectors []Detector
	logger    *zap.SugaredLogger
}

// NewRuleEngine creates an engine. Registration order is the final
// arbitration tie-break, so it is fixed at construction.
func NewRuleEngine(logger *zap.SugaredLogger, detectors ...Detector) *RuleEngine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RuleEngine{
		detectors: append([]Detector(nil), detectors...),
		logger:    logger,
	}
}

// Detectors returns the registered detector names in registration order.
func (re *RuleEngine) Detectors() []string {
	names := make([]string, len(re.detectors))
	for i, d := range re.detectors {
		names[i] = d.Name()
	}
	return names
}

// Evaluate runs every accepting detector and returns their findings in
// registration order. A panicking detector yields a negative finding.
func (re *RuleEngine) Evaluate(ctx context.Context, event core.Event) []Result {
	slots := make([]*Result, len(re.detectors))

	var g errgroup.Group
	for i, d := range re.detectors {
		if !d.Accepts(event) {
			continue
		}
		g.Go(func() error {
			slots[i] = &Result{Detector: d.Name(), Order: i, Finding: re.run(ctx, d, event)}
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Result, 0, len(slots))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	return results
}

func (re *RuleEngine) run(ctx context.Context, d Detector, event core.Event) (f core.Finding) {
	start := time.Now()
	defer func() {
		metrics.DetectorDuration.WithLabelValues(d.Name()).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			re.logger.Errorw("Detector panic recovered", "detector", d.Name(), "event_id", event.EventID, "panic", r)
			metrics.DetectorDegraded.WithLabelValues(d.Name(), "panic").Inc()
			f = core.NoAnomaly(event.EventID, fmt.Sprintf("detector failed: %v", r))
		}
	}()

	f = d.Evaluate(ctx, event)
	f.EventID = event.EventID
	return f
}
