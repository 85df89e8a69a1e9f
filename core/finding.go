package core

import "fmt"

// Severity ranks a finding. The zero value is not a valid severity.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity from lowest to highest rank.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities low < medium < high < critical. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// IsValid reports whether s is one of the known severities.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// ParseSeverity converts a string into a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.IsValid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Finding is one detector's verdict for one event. A non-anomalous verdict
// is a valid Finding with IsAnomaly false.
type Finding struct {
	IsAnomaly   bool     `json:"is_anomaly"`
	Confidence  float64  `json:"confidence"`
	RuleName    string   `json:"rule_name,omitempty"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	EventID     string   `json:"event_id"`
}

// NoAnomaly builds a negative finding carrying the reason in its description.
func NoAnomaly(eventID, reason string) Finding {
	return Finding{
		IsAnomaly:   false,
		Confidence:  0,
		Description: reason,
		Severity:    SeverityLow,
		EventID:     eventID,
	}
}

// Outranks reports whether f wins arbitration against other on severity
// first and confidence second. Equal findings do not outrank each other.
func (f Finding) Outranks(other Finding) bool {
	if f.Severity.Rank() != other.Severity.Rank() {
		return f.Severity.Rank() > other.Severity.Rank()
	}
	return f.Confidence > other.Confidence
}
