package storage

import (
	"fmt"

	"watchpost/core"

	"github.com/vmihailenco/msgpack/v5"
)

func encodeEvent(ev core.Event) ([]byte, error) {
	data, err := msgpack.Marshal(&ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	return data, nil
}

func decodeEvent(data []byte) (core.Event, error) {
	var ev core.Event
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return core.Event{}, fmt.Errorf("%w: event: %v", ErrCorruptRecord, err)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.Fields == nil {
		ev.Fields = core.Fields{}
	}
	return ev, nil
}

func encodeAnomaly(a core.StoredAnomaly) ([]byte, error) {
	data, err := msgpack.Marshal(&a)
	if err != nil {
		return nil, fmt.Errorf("encode anomaly %s: %w", a.EventID, err)
	}
	return data, nil
}

func decodeAnomaly(data []byte) (core.StoredAnomaly, error) {
	var a core.StoredAnomaly
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return core.StoredAnomaly{}, fmt.Errorf("%w: anomaly: %v", ErrCorruptRecord, err)
	}
	a.Timestamp = a.Timestamp.UTC()
	a.DetectedAt = a.DetectedAt.UTC()
	if a.Fields == nil {
		a.Fields = core.Fields{}
	}
	return a, nil
}
