package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"watchpost/core"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrInvalidRecord wraps every fixture record that fails schema validation
// or decoding.
var ErrInvalidRecord = errors.New("invalid event record")

// maxLineSize bounds one NDJSON line.
const maxLineSize = 1 << 20

// Format is the encoding of an event file.
type Format string

const (
	FormatJSON    Format = "json"    // a single JSON array of events
	FormatNDJSON  Format = "ndjson"  // one JSON event per line
	FormatYAML    Format = "yaml"    // a YAML sequence of events
	FormatMsgpack Format = "msgpack" // a stream of msgpack maps, one per event
)

// eventSchema describes one canonical event record.
const eventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["event_type", "timestamp"],
  "properties": {
    "event_id":   {"type": "string", "maxLength": 256},
    "source":     {"type": "string", "maxLength": 256},
    "event_type": {"type": "string", "minLength": 1, "maxLength": 128},
    "log_type":   {"type": "string", "maxLength": 64},
    "timestamp":  {"type": "string", "format": "date-time"},
    "fields":     {"type": "object"},
    "raw":        {"type": "string"},
    "classification": {
      "type": "object",
      "required": ["label", "confidence"],
      "properties": {
        "label":      {"type": "string"},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

// FormatFromPath picks the format from the file extension. .json files are
// sniffed later, since NDJSON is often saved as .json.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".ndjson", ".jsonl":
		return FormatNDJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".msgpack", ".mpk":
		return FormatMsgpack, nil
	default:
		return "", fmt.Errorf("unsupported event file extension %q (json, ndjson, jsonl, yaml, yml, msgpack)", filepath.Ext(path))
	}
}

// Loader reads canonical event records from fixture files and validates
// each one against the event schema before decoding it.
type Loader struct {
	schema *gojsonschema.Schema
	logger *zap.SugaredLogger
}

// NewLoader compiles the event schema.
func NewLoader(logger *zap.SugaredLogger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile event schema: %w", err)
	}
	return &Loader{schema: schema, logger: logger}, nil
}

// LoadFile reads every event in path.
func (l *Loader) LoadFile(path string) ([]core.Event, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	defer f.Close()

	events, err := l.Load(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	l.logger.Infow("Loaded events", "file", path, "format", format, "count", len(events))
	return events, nil
}

// Load reads every event from r.
func (l *Loader) Load(r io.Reader, format Format) ([]core.Event, error) {
	var (
		records []any
		err     error
	)
	switch format {
	case FormatJSON:
		records, err = readJSON(r)
	case FormatNDJSON:
		records, err = readNDJSON(r)
	case FormatYAML:
		records, err = readYAML(r)
	case FormatMsgpack:
		records, err = readMsgpack(r)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, err
	}

	events := make([]core.Event, 0, len(records))
	for i, rec := range records {
		ev, err := l.decode(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (l *Loader) decode(rec any) (core.Event, error) {
	result, err := l.schema.Validate(gojsonschema.NewGoLoader(rec))
	if err != nil {
		return core.Event{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return core.Event{}, fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(msgs, "; "))
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return core.Event{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	var ev core.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return core.Event{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if ev.Fields == nil {
		ev.Fields = core.Fields{}
	}
	return ev, nil
}

// readJSON accepts a JSON array, falling back to NDJSON when the content
// does not start with '['.
func readJSON(r io.Reader) ([]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] != '[' {
		return readNDJSON(bytes.NewReader(trimmed))
	}

	var records []any
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, fmt.Errorf("invalid JSON event array: %w", err)
	}
	return records, nil
}

func readNDJSON(r io.Reader) ([]any, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var records []any
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec any
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("line %d: invalid JSON: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return records, nil
}

// readYAML accepts a sequence of events, possibly split over several
// documents.
func readYAML(r io.Reader) ([]any, error) {
	dec := yaml.NewDecoder(r)

	var records []any
	for {
		var doc any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		switch v := doc.(type) {
		case nil:
		case []any:
			for _, item := range v {
				records = append(records, normalizeValue(item))
			}
		default:
			records = append(records, normalizeValue(v))
		}
	}
	return records, nil
}

// readMsgpack decodes concatenated msgpack values, as written by fluentd's
// file output with format msgpack.
func readMsgpack(r io.Reader) ([]any, error) {
	dec := msgpack.NewDecoder(bufio.NewReader(r))
	dec.SetMapDecoder(func(d *msgpack.Decoder) (interface{}, error) {
		return d.DecodeUntypedMap()
	})

	var records []any
	for {
		rec, err := dec.DecodeInterface()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: invalid msgpack: %w", len(records)+1, err)
		}
		records = append(records, normalizeValue(rec))
	}
	return records, nil
}

// normalizeValue renders decoded timestamps as RFC 3339 strings and map
// keys as strings so every format validates the same way.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeValue(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
