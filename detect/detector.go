package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"watchpost/core"
	"watchpost/metrics"
	"watchpost/storage"
)

// Rule names emitted by the built-in detectors.
const (
	RuleBruteforce      = "bruteforce"
	RuleUserEnumeration = "user_enumeration"
	RulePortScan        = "port_scan"
	RuleFlood           = "traffic_flood"
)

// DefaultQueryTimeout bounds every window query issued by a detector.
const DefaultQueryTimeout = 500 * time.Millisecond

// Detector is one pluggable rule. Evaluate never fails: a detector that
// cannot decide returns a negative Finding carrying the reason.
type Detector interface {
	Name() string
	Accepts(event core.Event) bool
	Evaluate(ctx context.Context, event core.Event) core.Finding
}

// WindowSource is the part of the store detectors read from.
type WindowSource interface {
	QueryEvents(ctx context.Context, q storage.Query) ([]core.Event, error)
}

// queryWindow runs q under the detector's time budget.
func queryWindow(ctx context.Context, src WindowSource, budget time.Duration, q storage.Query) ([]core.Event, error) {
	if budget <= 0 {
		budget = DefaultQueryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return src.QueryEvents(ctx, q)
}

// degraded records why a detector fell back to a negative finding.
func degraded(detector string, event core.Event, err error) core.Finding {
	reason := "store"
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		reason = "timeout"
	case errors.Is(err, core.ErrFieldMissing), errors.Is(err, core.ErrFieldMalformed):
		reason = "malformed"
	}
	metrics.DetectorDegraded.WithLabelValues(detector, reason).Inc()

	if reason == "malformed" {
		return core.NoAnomaly(event.EventID, fmt.Sprintf("insufficient features: %v", err))
	}
	return core.NoAnomaly(event.EventID, fmt.Sprintf("insufficient data: %v", err))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
