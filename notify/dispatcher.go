package notify

import (
	"context"
	"fmt"
	"strings"

	"watchpost/core"

	"go.uber.org/zap"
)

// Dispatcher delivers one anomaly to an outbound channel. Implementations
// own formatting and transport; the gate only decides whether to call them.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, anomaly core.StoredAnomaly) error
}

// LogDispatcher writes alerts to the structured log. It is the default
// channel when no external dispatcher is wired.
type LogDispatcher struct {
	logger *zap.SugaredLogger
}

// NewLogDispatcher creates a log-backed dispatcher.
func NewLogDispatcher(logger *zap.SugaredLogger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Name() string { return "log" }

// Dispatch logs the anomaly at warn level.
func (d *LogDispatcher) Dispatch(_ context.Context, a core.StoredAnomaly) error {
	d.logger.Warnw("ALERT "+FormatMessage(a),
		"event_id", a.EventID,
		"rule", a.RuleName,
		"severity", a.Severity,
		"confidence", a.Confidence)
	return nil
}

// FormatMessage renders a one-line operator summary of an anomaly.
func FormatMessage(a core.StoredAnomaly) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(a.Severity)), a.RuleName)
	if src, err := a.Fields.String(core.FieldSrcIP); err == nil {
		fmt.Fprintf(&b, " from %s", src)
	}
	fmt.Fprintf(&b, " (confidence %.2f)", a.Confidence)
	if a.Description != "" {
		fmt.Fprintf(&b, ": %s", a.Description)
	}
	fmt.Fprintf(&b, " at %s", a.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	return b.String()
}
