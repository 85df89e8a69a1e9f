package storage

import (
	"context"
	"time"

	"watchpost/core"
)

// Default query windows and caps.
const (
	DefaultEventRange   = time.Hour
	DefaultAnomalyRange = 24 * time.Hour
	DefaultLimit        = 1000
)

// Filters narrows a query by exact match. Empty fields do not filter.
// Severity and RuleName only apply to anomaly queries.
type Filters struct {
	Severity   core.Severity
	RuleName   string
	EventTypes []string
	SrcIP      string
}

// Query selects items whose timestamp lies in [End-Range, End], newest first.
// A zero End means now.
type Query struct {
	Range   time.Duration
	End     time.Time
	Filters Filters
	Limit   int
}

func (q Query) withDefaults(now time.Time, defaultRange time.Duration) Query {
	if q.Range <= 0 {
		q.Range = defaultRange
	}
	if q.End.IsZero() {
		q.End = now
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	return q
}

func (q Query) matchesEvent(eventType, srcIP string) bool {
	if q.Filters.SrcIP != "" && q.Filters.SrcIP != srcIP {
		return false
	}
	if len(q.Filters.EventTypes) == 0 {
		return true
	}
	for _, t := range q.Filters.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Stats holds anomaly counts computed from the categorical indexes.
type Stats struct {
	Total      int64                   `json:"total"`
	BySeverity map[core.Severity]int64 `json:"by_severity"`
	ByRule     map[string]int64        `json:"by_rule"`
}

// EventStore is the event side of the time windowed store.
type EventStore interface {
	AppendEvent(ctx context.Context, event core.Event) error
	QueryEvents(ctx context.Context, q Query) ([]core.Event, error)
	CountEvents(ctx context.Context) (int64, error)
}

// AnomalyStore is the anomaly side of the time windowed store.
type AnomalyStore interface {
	StoreAnomaly(ctx context.Context, anomaly core.StoredAnomaly) (bool, error)
	GetAnomaly(ctx context.Context, eventID string) (core.StoredAnomaly, error)
	QueryAnomalies(ctx context.Context, q Query) ([]core.StoredAnomaly, error)
	Stats(ctx context.Context) (Stats, error)
	UpdateAnomalyStatus(ctx context.Context, eventID string, status core.AnomalyStatus) (core.StoredAnomaly, error)
}

// TimeWindowedStore is the TTL bounded store of events and anomalies.
type TimeWindowedStore interface {
	EventStore
	AnomalyStore
	Ping(ctx context.Context) error
	Sweep(ctx context.Context) error
	Close() error
}
