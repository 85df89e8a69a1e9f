package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_Validate(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"valid", Event{EventID: "e1", EventType: "login_failure", Timestamp: ts}, false},
		{"missing id", Event{EventType: "login_failure", Timestamp: ts}, true},
		{"missing type", Event{EventID: "e1", Timestamp: ts}, true},
		{"zero timestamp", Event{EventID: "e1", EventType: "login_failure"}, true},
		{"classification out of range", Event{
			EventID: "e1", EventType: "x", Timestamp: ts,
			Classification: &Classification{Label: "malware", Confidence: 1.5},
		}, true},
		{"classification ok", Event{
			EventID: "e1", EventType: "x", Timestamp: ts,
			Classification: &Classification{Label: "malware", Confidence: 0.7},
		}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidEvent))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLogType_IsFirewall(t *testing.T) {
	testCases := []struct {
		logType LogType
		want    bool
	}{
		{LogTypePaloAltoFW, true},
		{LogTypeFortinetFW, true},
		{LogTypeCowrieSSH, false},
		{LogTypeGenericSyslog, false},
		{LogTypeDionaeaMalware, false},
		{LogTypeTPot, false},
		{LogType(""), false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.logType), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.logType.IsFirewall())
		})
	}
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent("traffic_deny", time.Now())
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.NotNil(t, ev.Fields)
}

func TestFields_String(t *testing.T) {
	f := Fields{"src_ip": "1.2.3.4", "empty": "  ", "num": 22, "null": nil}

	s, err := f.String("src_ip")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", s)

	s, err = f.String("num")
	require.NoError(t, err)
	assert.Equal(t, "22", s)

	_, err = f.String("empty")
	assert.ErrorIs(t, err, ErrFieldMissing)

	_, err = f.String("null")
	assert.ErrorIs(t, err, ErrFieldMissing)

	_, err = f.String("nope")
	assert.ErrorIs(t, err, ErrFieldMissing)
}

func TestFields_Int(t *testing.T) {
	testCases := []struct {
		name    string
		value   any
		want    int
		wantErr error
	}{
		{"int", 22, 22, nil},
		{"float64", float64(443), 443, nil},
		{"string", "8080", 8080, nil},
		{"leading zero string", "0443", 443, nil},
		{"zero string", "000", 0, nil},
		{"int8", int8(21), 21, nil},
		{"garbage", "http", 0, ErrFieldMalformed},
		{"blank", " ", 0, ErrFieldMissing},
		{"nil", nil, 0, ErrFieldMissing},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := Fields{"dst_port": tc.value}.Int("dst_port")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}
}

func TestFields_Bool(t *testing.T) {
	b, err := Fields{"success": "true"}.Bool("success")
	require.NoError(t, err)
	assert.True(t, b)

	b, err = Fields{"success": 0}.Bool("success")
	require.NoError(t, err)
	assert.False(t, b)

	_, err = Fields{"success": "maybe"}.Bool("success")
	assert.ErrorIs(t, err, ErrFieldMalformed)

	_, err = Fields{}.Bool("success")
	assert.ErrorIs(t, err, ErrFieldMissing)
}

func TestFields_Normalize(t *testing.T) {
	in := Fields{
		"port":   22,
		"ratio":  float32(0.5),
		"name":   "root",
		"ok":     true,
		"nested": map[string]any{"n": int64(3)},
		"list":   []string{"a", "b"},
	}
	out := in.Normalize()

	assert.Equal(t, float64(22), out["port"])
	assert.Equal(t, float64(0.5), out["ratio"])
	assert.Equal(t, "root", out["name"])
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, map[string]any{"n": float64(3)}, out["nested"])
	assert.Equal(t, []any{"a", "b"}, out["list"])
	assert.Equal(t, 22, in["port"], "input must not be modified")
}
