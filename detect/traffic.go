package detect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"watchpost/core"
	"watchpost/storage"

	"go.uber.org/zap"
)

// FloodCheck is the rate based sub-check of the traffic detector. It sees
// the triggering event and the deny window already loaded for it.
type FloodCheck func(ctx context.Context, event core.Event, window []core.Event) core.Finding

// NoFlood is the default FloodCheck. Flood detection has no agreed
// threshold yet, so it always reports no anomaly.
func NoFlood(_ context.Context, event core.Event, _ []core.Event) core.Finding {
	return core.NoAnomaly(event.EventID, "no traffic flood detected")
}

// TrafficConfig holds the thresholds of the traffic detector.
//
// EventTypes are accepted unconditionally as denied traffic.
// FirewallEventTypes are accepted when their action field is one of
// DenyActions.
type TrafficConfig struct {
	Window             time.Duration
	PortThreshold      int
	EventTypes         []string
	FirewallEventTypes []string
	DenyActions        []string
	QueryTimeout       time.Duration
	MaxEvents          int
	Flood              FloodCheck
}

// DefaultTrafficConfig returns 50 distinct ports per hour.
func DefaultTrafficConfig() TrafficConfig {
	return TrafficConfig{
		Window:             time.Hour,
		PortThreshold:      50,
		EventTypes:         []string{"traffic_deny"},
		FirewallEventTypes: []string{"firewall_traffic"},
		DenyActions:        []string{"deny", "drop", "block", "reset"},
		QueryTimeout:       DefaultQueryTimeout,
		MaxEvents:          20000,
		Flood:              NoFlood,
	}
}

// TrafficDetector flags port scans from one source IP over denied traffic.
type TrafficDetector struct {
	source WindowSource
	cfg    TrafficConfig
	logger *zap.SugaredLogger
}

// NewTrafficDetector creates the detector. Zero config values take defaults.
func NewTrafficDetector(source WindowSource, cfg TrafficConfig, logger *zap.SugaredLogger) *TrafficDetector {
	def := DefaultTrafficConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.PortThreshold <= 0 {
		cfg.PortThreshold = def.PortThreshold
	}
	if len(cfg.EventTypes) == 0 && len(cfg.FirewallEventTypes) == 0 {
		cfg.EventTypes = def.EventTypes
		cfg.FirewallEventTypes = def.FirewallEventTypes
	}
	if len(cfg.DenyActions) == 0 {
		cfg.DenyActions = def.DenyActions
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.Flood == nil {
		cfg.Flood = NoFlood
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TrafficDetector{source: source, cfg: cfg, logger: logger}
}

func (d *TrafficDetector) Name() string { return "traffic" }

// Accepts only denied traffic: explicit deny event types, or firewall
// traffic from a firewall log type with a deny action.
func (d *TrafficDetector) Accepts(event core.Event) bool {
	if containsString(d.cfg.EventTypes, event.EventType) {
		return true
	}
	if !containsString(d.cfg.FirewallEventTypes, event.EventType) || !event.LogType.IsFirewall() {
		return false
	}
	action, err := event.Fields.String(core.FieldAction)
	return err == nil && containsString(d.cfg.DenyActions, strings.ToLower(action))
}

// Evaluate counts distinct destination ports denied for the event's source
// IP in the window ending at the event timestamp, then runs the flood check.
func (d *TrafficDetector) Evaluate(ctx context.Context, event core.Event) core.Finding {
	if !d.Accepts(event) {
		return core.NoAnomaly(event.EventID, "not a denied traffic event")
	}
	ip, err := event.SrcIP()
	if err != nil {
		return degraded(d.Name(), event, err)
	}

	types := make([]string, 0, len(d.cfg.EventTypes)+len(d.cfg.FirewallEventTypes))
	types = append(types, d.cfg.EventTypes...)
	types = append(types, d.cfg.FirewallEventTypes...)

	window, err := queryWindow(ctx, d.source, d.cfg.QueryTimeout, storage.Query{
		Range:   d.cfg.Window,
		End:     event.Timestamp,
		Filters: storage.Filters{SrcIP: ip, EventTypes: types},
		Limit:   d.cfg.MaxEvents,
	})
	if err != nil {
		d.logger.Debugw("Traffic window query failed", "event_id", event.EventID, "src_ip", ip, "error", err)
		return degraded(d.Name(), event, err)
	}

	var denied []core.Event
	ports := make(map[int]struct{})
	for _, ev := range window {
		if !d.Accepts(ev) {
			continue
		}
		denied = append(denied, ev)
		if port, err := ev.Fields.Int(core.FieldDstPort); err == nil {
			ports[port] = struct{}{}
		}
	}

	if len(ports) >= d.cfg.PortThreshold {
		return core.Finding{
			IsAnomaly:   true,
			Confidence:  0.9,
			RuleName:    RulePortScan,
			Description: fmt.Sprintf("Port scan detected from %s: %d distinct ports denied in %s", ip, len(ports), d.cfg.Window),
			Severity:    core.SeverityMedium,
			EventID:     event.EventID,
		}
	}

	if flood := d.cfg.Flood(ctx, event, denied); flood.IsAnomaly {
		if flood.RuleName == "" {
			flood.RuleName = RuleFlood
		}
		flood.EventID = event.EventID
		return flood
	}
	return core.NoAnomaly(event.EventID, "no traffic anomalies detected")
}
