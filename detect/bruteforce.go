package detect

import (
	"context"
	"fmt"
	"time"

	"watchpost/core"
	"watchpost/storage"

	"go.uber.org/zap"
)

// BruteforceConfig holds the thresholds of the bruteforce detector.
// EventTypes lists the failed authentication types it accepts.
type BruteforceConfig struct {
	Window              time.Duration
	AttemptThreshold    int
	UniqueUserThreshold int
	EventTypes          []string
	QueryTimeout        time.Duration
	MaxEvents           int
}

// DefaultBruteforceConfig returns 10 attempts or 5 usernames per 5 minutes.
func DefaultBruteforceConfig() BruteforceConfig {
	return BruteforceConfig{
		Window:              5 * time.Minute,
		AttemptThreshold:    10,
		UniqueUserThreshold: 5,
		EventTypes:          []string{"cowrie.login.failure", "login_failure", "auth_failure"},
		QueryTimeout:        DefaultQueryTimeout,
		MaxEvents:           10000,
	}
}

// BruteforceDetector flags repeated failed logins and username enumeration
// from one source IP.
type BruteforceDetector struct {
	source WindowSource
	cfg    BruteforceConfig
	logger *zap.SugaredLogger
}

// NewBruteforceDetector creates the detector. Zero config values take defaults.
func NewBruteforceDetector(source WindowSource, cfg BruteforceConfig, logger *zap.SugaredLogger) *BruteforceDetector {
	def := DefaultBruteforceConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.AttemptThreshold <= 0 {
		cfg.AttemptThreshold = def.AttemptThreshold
	}
	if cfg.UniqueUserThreshold <= 0 {
		cfg.UniqueUserThreshold = def.UniqueUserThreshold
	}
	if len(cfg.EventTypes) == 0 {
		cfg.EventTypes = def.EventTypes
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &BruteforceDetector{source: source, cfg: cfg, logger: logger}
}

func (d *BruteforceDetector) Name() string { return "bruteforce" }

// Accepts only failed authentication events.
func (d *BruteforceDetector) Accepts(event core.Event) bool {
	return containsString(d.cfg.EventTypes, event.EventType)
}

// Evaluate counts failed logins from the event's source IP in the window
// ending at the event timestamp. The attempt threshold is checked before
// the unique username threshold.
func (d *BruteforceDetector) Evaluate(ctx context.Context, event core.Event) core.Finding {
	if !d.Accepts(event) {
		return core.NoAnomaly(event.EventID, "not a failed login attempt")
	}
	ip, err := event.SrcIP()
	if err != nil {
		return degraded(d.Name(), event, err)
	}

	window, err := queryWindow(ctx, d.source, d.cfg.QueryTimeout, storage.Query{
		Range:   d.cfg.Window,
		End:     event.Timestamp,
		Filters: storage.Filters{SrcIP: ip, EventTypes: d.cfg.EventTypes},
		Limit:   d.cfg.MaxEvents,
	})
	if err != nil {
		d.logger.Debugw("Bruteforce window query failed", "event_id", event.EventID, "src_ip", ip, "error", err)
		return degraded(d.Name(), event, err)
	}

	attempts := len(window)
	users := make(map[string]struct{})
	for _, ev := range window {
		if u, err := ev.Fields.String(core.FieldUsername); err == nil {
			users[u] = struct{}{}
		}
	}

	if attempts >= d.cfg.AttemptThreshold {
		return core.Finding{
			IsAnomaly:   true,
			Confidence:  0.95,
			RuleName:    RuleBruteforce,
			Description: fmt.Sprintf("Bruteforce detected from %s: %d failed logins in %s", ip, attempts, d.cfg.Window),
			Severity:    core.SeverityHigh,
			EventID:     event.EventID,
		}
	}
	if len(users) >= d.cfg.UniqueUserThreshold {
		return core.Finding{
			IsAnomaly:   true,
			Confidence:  0.85,
			RuleName:    RuleUserEnumeration,
			Description: fmt.Sprintf("User enumeration detected from %s: %d distinct usernames in %s", ip, len(users), d.cfg.Window),
			Severity:    core.SeverityMedium,
			EventID:     event.EventID,
		}
	}
	return core.NoAnomaly(event.EventID, "no bruteforce detected")
}
