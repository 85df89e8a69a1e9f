package detect

import (
	"context"
	"fmt"
	"testing"
	"time"

	"watchpost/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTraffic_PortScanAtFiftyDistinctPorts(t *testing.T) {
	store := newTestStore(t)
	d := NewTrafficDetector(store, DefaultTrafficConfig(), zaptest.NewLogger(t).Sugar())

	for port := 1; port <= 50; port++ {
		ev := denied(fmt.Sprintf("p%d", port), "5.6.7.8", 1000+port, baseTime.Add(time.Duration(port)*time.Minute))
		f := appendAndEvaluate(t, store, d, ev)
		if port < 50 {
			assert.False(t, f.IsAnomaly, "port %d must not fire", port)
			continue
		}
		assert.True(t, f.IsAnomaly)
		assert.Equal(t, RulePortScan, f.RuleName)
		assert.Equal(t, core.SeverityMedium, f.Severity)
		assert.Equal(t, 0.9, f.Confidence)
	}
}

func TestTraffic_RepeatedPortsDoNotCount(t *testing.T) {
	store := newTestStore(t)
	d := NewTrafficDetector(store, DefaultTrafficConfig(), nil)

	var f core.Finding
	for i := 0; i < 120; i++ {
		f = appendAndEvaluate(t, store, d, denied(fmt.Sprintf("r%d", i), "5.6.7.8", 20+i%10, baseTime.Add(time.Duration(i)*time.Second)))
	}
	assert.False(t, f.IsAnomaly)
}

func TestTraffic_WindowIsOneHour(t *testing.T) {
	store := newTestStore(t)
	d := NewTrafficDetector(store, DefaultTrafficConfig(), nil)
	ctx := context.Background()

	for port := 1; port <= 49; port++ {
		require.NoError(t, store.AppendEvent(ctx, denied(fmt.Sprintf("old%d", port), "5.6.7.8", port, baseTime.Add(-61*time.Minute))))
	}
	f := appendAndEvaluate(t, store, d, denied("probe", "5.6.7.8", 9999, baseTime))
	assert.False(t, f.IsAnomaly)
}

func TestTraffic_Accepts(t *testing.T) {
	d := NewTrafficDetector(failingSource{}, DefaultTrafficConfig(), nil)

	testCases := []struct {
		name   string
		event  core.Event
		accept bool
	}{
		{"traffic_deny", denied("a", "1.1.1.1", 22, baseTime), true},
		{"firewall deny", core.Event{EventType: "firewall_traffic", LogType: core.LogTypePaloAltoFW, Fields: core.Fields{"action": "DENY"}}, true},
		{"firewall drop", core.Event{EventType: "firewall_traffic", LogType: core.LogTypeFortinetFW, Fields: core.Fields{"action": "drop"}}, true},
		{"firewall allow", core.Event{EventType: "firewall_traffic", LogType: core.LogTypePaloAltoFW, Fields: core.Fields{"action": "allow"}}, false},
		{"firewall no action", core.Event{EventType: "firewall_traffic", LogType: core.LogTypeFortinetFW, Fields: core.Fields{}}, false},
		{"syslog deny", core.Event{EventType: "firewall_traffic", LogType: core.LogTypeGenericSyslog, Fields: core.Fields{"action": "deny"}}, false},
		{"honeypot deny", core.Event{EventType: "firewall_traffic", LogType: core.LogTypeDionaeaMalware, Fields: core.Fields{"action": "deny"}}, false},
		{"deny without log type", core.Event{EventType: "firewall_traffic", Fields: core.Fields{"action": "deny"}}, false},
		{"login", loginFailure("b", "1.1.1.1", "root", baseTime), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.accept, d.Accepts(tc.event))
		})
	}
}

func TestTraffic_CountsFirewallDeniesButNotAllows(t *testing.T) {
	store := newTestStore(t)
	d := NewTrafficDetector(store, DefaultTrafficConfig(), nil)
	ctx := context.Background()

	for port := 1; port <= 49; port++ {
		ev := core.Event{
			EventID:   fmt.Sprintf("fw%d", port),
			EventType: "firewall_traffic",
			LogType:   core.LogTypeFortinetFW,
			Timestamp: baseTime.Add(time.Duration(port) * time.Second),
			Fields:    core.Fields{"src_ip": "7.7.7.7", "dst_port": fmt.Sprint(port), "action": "deny"},
		}
		require.NoError(t, store.AppendEvent(ctx, ev))
	}
	allowed := core.Event{
		EventID:   "allowed",
		EventType: "firewall_traffic",
		Timestamp: baseTime.Add(time.Minute),
		Fields:    core.Fields{"src_ip": "7.7.7.7", "dst_port": 8443, "action": "allow"},
	}
	require.NoError(t, store.AppendEvent(ctx, allowed))

	f := appendAndEvaluate(t, store, d, denied("last", "7.7.7.7", 50, baseTime.Add(2*time.Minute)))
	assert.True(t, f.IsAnomaly)
	assert.Contains(t, f.Description, "50 distinct ports")

	f = appendAndEvaluate(t, store, d, denied("again", "7.7.7.7", 49, baseTime.Add(3*time.Minute)))
	assert.True(t, f.IsAnomaly)
}

func TestTraffic_IgnoresFirewallTrafficFromOtherLogTypes(t *testing.T) {
	store := newTestStore(t)
	d := NewTrafficDetector(store, DefaultTrafficConfig(), nil)
	ctx := context.Background()

	for port := 1; port <= 49; port++ {
		require.NoError(t, store.AppendEvent(ctx, denied(fmt.Sprintf("d%d", port), "8.8.4.4", port, baseTime.Add(time.Duration(port)*time.Second))))
	}
	relayed := core.Event{
		EventID:   "relayed",
		EventType: "firewall_traffic",
		LogType:   core.LogTypeGenericSyslog,
		Timestamp: baseTime.Add(time.Minute),
		Fields:    core.Fields{"src_ip": "8.8.4.4", "dst_port": 50, "action": "deny"},
	}

	f := appendAndEvaluate(t, store, d, relayed)
	assert.False(t, f.IsAnomaly)
	assert.Equal(t, "not a denied traffic event", f.Description)

	f = appendAndEvaluate(t, store, d, denied("repeat", "8.8.4.4", 49, baseTime.Add(2*time.Minute)))
	assert.False(t, f.IsAnomaly, "syslog relayed port must not count toward the scan")
}

func TestTraffic_MalformedPortsAreSkipped(t *testing.T) {
	store := newTestStore(t)
	d := NewTrafficDetector(store, DefaultTrafficConfig(), nil)

	ev := denied("bad", "5.6.7.8", 0, baseTime)
	ev.Fields["dst_port"] = "http"
	f := appendAndEvaluate(t, store, d, ev)
	assert.False(t, f.IsAnomaly)
}

func TestTraffic_FloodCheckIsAnExtensionPoint(t *testing.T) {
	store := newTestStore(t)

	f := NoFlood(context.Background(), denied("x", "1.1.1.1", 1, baseTime), nil)
	assert.False(t, f.IsAnomaly)

	cfg := DefaultTrafficConfig()
	var seen int
	cfg.Flood = func(_ context.Context, event core.Event, window []core.Event) core.Finding {
		seen = len(window)
		return core.Finding{IsAnomaly: true, Confidence: 0.7, Severity: core.SeverityLow, Description: "burst"}
	}
	d := NewTrafficDetector(store, cfg, nil)

	appendAndEvaluate(t, store, d, denied("f1", "3.3.3.3", 80, baseTime))
	got := appendAndEvaluate(t, store, d, denied("f2", "3.3.3.3", 80, baseTime.Add(time.Second)))
	assert.True(t, got.IsAnomaly)
	assert.Equal(t, RuleFlood, got.RuleName)
	assert.Equal(t, "f2", got.EventID)
	assert.Equal(t, 2, seen)
}

func TestTraffic_DegradesOnTimeout(t *testing.T) {
	cfg := DefaultTrafficConfig()
	cfg.QueryTimeout = 10 * time.Millisecond
	d := NewTrafficDetector(blockingSource{}, cfg, nil)

	f := d.Evaluate(context.Background(), denied("t", "5.6.7.8", 22, baseTime))
	assert.False(t, f.IsAnomaly)
	assert.Contains(t, f.Description, "insufficient data")
}
