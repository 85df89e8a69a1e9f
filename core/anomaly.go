package core

import (
	"fmt"
	"time"
)

// AnomalyStatus is the operator owned lifecycle state of a StoredAnomaly.
type AnomalyStatus string

const (
	AnomalyStatusNew          AnomalyStatus = "new"
	AnomalyStatusAcknowledged AnomalyStatus = "acknowledged"
	AnomalyStatusResolved     AnomalyStatus = "resolved"
)

// IsValid reports whether the status is known.
func (s AnomalyStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// validTransitions defines the operator workflow. Resolved is final.
var validTransitions = map[AnomalyStatus][]AnomalyStatus{
	AnomalyStatusNew:          {AnomalyStatusAcknowledged, AnomalyStatusResolved},
	AnomalyStatusAcknowledged: {AnomalyStatusResolved},
	AnomalyStatusResolved:     {},
}

// StoredAnomaly is the persisted, arbitrated Finding merged with its event.
type StoredAnomaly struct {
	EventID        string          `json:"event_id" msgpack:"event_id"`
	RuleName       string          `json:"rule_name" msgpack:"rule_name"`
	Severity       Severity        `json:"severity" msgpack:"severity"`
	Confidence     float64         `json:"confidence" msgpack:"confidence"`
	Description    string          `json:"description" msgpack:"description"`
	Source         string          `json:"source,omitempty" msgpack:"source"`
	EventType      string          `json:"event_type" msgpack:"event_type"`
	LogType        LogType         `json:"log_type,omitempty" msgpack:"log_type"`
	Timestamp      time.Time       `json:"timestamp" msgpack:"timestamp"`
	DetectedAt     time.Time       `json:"detected_at" msgpack:"detected_at"`
	Status         AnomalyStatus   `json:"status" msgpack:"status"`
	Fields         Fields          `json:"fields" msgpack:"fields"`
	Raw            string          `json:"raw,omitempty" msgpack:"raw"`
	Classification *Classification `json:"classification,omitempty" msgpack:"classification,omitempty"`
}

// NewStoredAnomaly merges a winning finding with the event that triggered it.
// The field map is copied so later changes to the event do not leak in.
func NewStoredAnomaly(f Finding, e Event, detectedAt time.Time) StoredAnomaly {
	var cls *Classification
	if e.Classification != nil {
		c := *e.Classification
		cls = &c
	}
	return StoredAnomaly{
		EventID:        e.EventID,
		RuleName:       f.RuleName,
		Severity:       f.Severity,
		Confidence:     f.Confidence,
		Description:    f.Description,
		Source:         e.Source,
		EventType:      e.EventType,
		LogType:        e.LogType,
		Timestamp:      e.Timestamp.Round(0).UTC(),
		DetectedAt:     detectedAt.Round(0).UTC(),
		Status:         AnomalyStatusNew,
		Fields:         e.Fields.Normalize(),
		Raw:            e.Raw,
		Classification: cls,
	}
}

// Finding returns the finding part of the anomaly.
func (a StoredAnomaly) Finding() Finding {
	return Finding{
		IsAnomaly:   true,
		Confidence:  a.Confidence,
		RuleName:    a.RuleName,
		Description: a.Description,
		Severity:    a.Severity,
		EventID:     a.EventID,
	}
}

// CanTransitionTo checks if a status change is allowed without applying it.
func (a *StoredAnomaly) CanTransitionTo(next AnomalyStatus) bool {
	for _, s := range validTransitions[a.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// TransitionTo validates and applies a status change.
func (a *StoredAnomaly) TransitionTo(next AnomalyStatus) error {
	if !next.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if !a.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (allowed: %v)", ErrInvalidTransition, a.Status, next, validTransitions[a.Status])
	}
	a.Status = next
	return nil
}
