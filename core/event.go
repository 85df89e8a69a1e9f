package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// LogType identifies the telemetry family an event was normalized from.
type LogType string

const (
	LogTypeCowrieSSH      LogType = "cowrie_ssh"
	LogTypePaloAltoFW     LogType = "palo_alto_firewall"
	LogTypeFortinetFW     LogType = "fortinet_firewall"
	LogTypeGenericSyslog  LogType = "generic_syslog"
	LogTypeDionaeaMalware LogType = "dionaea_malware"
	LogTypeTPot           LogType = "t_pot"
)

// IsFirewall reports whether the log type comes from a firewall vendor.
func (lt LogType) IsFirewall() bool {
	return lt == LogTypePaloAltoFW || lt == LogTypeFortinetFW
}

// Well-known field names populated by the normalizer.
const (
	FieldSrcIP    = "src_ip"
	FieldDstIP    = "dst_ip"
	FieldDstPort  = "dst_port"
	FieldUsername = "username"
	FieldAction   = "action"
	FieldSuccess  = "success"
)

// Classification is the optional (label, confidence) pair attached by the
// upstream text classifier. No detector reads it.
type Classification struct {
	Label      string  `json:"label" yaml:"label" msgpack:"label" validate:"required,max=128"`
	Confidence float64 `json:"confidence" yaml:"confidence" msgpack:"confidence" validate:"gte=0,lte=1"`
}

// Event is one normalized telemetry record. It is immutable once appended.
type Event struct {
	EventID        string          `json:"event_id" yaml:"event_id" msgpack:"event_id" validate:"required,max=256"`
	Source         string          `json:"source,omitempty" yaml:"source" msgpack:"source" validate:"max=256"`
	EventType      string          `json:"event_type" yaml:"event_type" msgpack:"event_type" validate:"required,max=128"`
	LogType        LogType         `json:"log_type,omitempty" yaml:"log_type" msgpack:"log_type" validate:"max=64"`
	Timestamp      time.Time       `json:"timestamp" yaml:"timestamp" msgpack:"timestamp"`
	Fields         Fields          `json:"fields" yaml:"fields" msgpack:"fields"`
	Raw            string          `json:"raw,omitempty" yaml:"raw" msgpack:"raw"`
	Classification *Classification `json:"classification,omitempty" yaml:"classification" msgpack:"classification,omitempty"`
}

var validate = validator.New()

// NewEvent creates an Event with a generated id and an empty field map.
func NewEvent(eventType string, timestamp time.Time) *Event {
	return &Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: timestamp.UTC(),
		Fields:    make(Fields),
	}
}

// Validate checks the canonical envelope. Detector specific fields are not
// validated here; detectors treat missing ones as a local degrade.
func (e *Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidEvent, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	return nil
}

// Normalize puts the event into the shape it has after a store round trip:
// UTC timestamp without monotonic reading and JSON-like field values.
func (e *Event) Normalize() {
	e.Timestamp = e.Timestamp.Round(0).UTC()
	e.Fields = e.Fields.Normalize()
}

// SrcIP returns the event's source IP field.
func (e *Event) SrcIP() (string, error) {
	return e.Fields.String(FieldSrcIP)
}

// Fields is the extensible vendor attribute map of an Event.
type Fields map[string]any

// String returns the field as a string. Empty strings count as missing.
func (f Fields) String(key string) (string, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrFieldMissing, key)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFieldMalformed, key, err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrFieldMissing, key)
	}
	return s, nil
}

// Int returns the field as an int. Numeric strings are accepted.
func (f Fields) Int(key string) (int, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s", ErrFieldMissing, key)
	}
	if s, isString := v.(string); isString {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, fmt.Errorf("%w: %s", ErrFieldMissing, key)
		}
		// cast parses a leading zero as octal
		if trimmed := strings.TrimLeft(s, "0"); trimmed != "" {
			s = trimmed
		} else {
			s = "0"
		}
		v = s
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrFieldMalformed, key, err)
	}
	return n, nil
}

// Bool returns the field as a bool ("true", "1", 1 and true are truthy).
func (f Fields) Bool(key string) (bool, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return false, fmt.Errorf("%w: %s", ErrFieldMissing, key)
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrFieldMalformed, key, err)
	}
	return b, nil
}

// Normalize returns a copy with every numeric value widened to float64,
// nested maps as map[string]any and slices as []any.
func (f Fields) Normalize() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
		return cast.ToFloat64(t)
	case Fields:
		return map[string]any(t.Normalize())
	case map[string]any:
		return map[string]any(Fields(t).Normalize())
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[cast.ToString(k)] = normalizeValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = normalizeValue(val)
		}
		return s
	case []string:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = val
		}
		return s
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return cast.ToString(t)
	}
}
