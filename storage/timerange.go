package storage

import (
	"strings"
	"time"
)

var namedRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"3d":  72 * time.Hour,
	"7d":  168 * time.Hour,
}

// ParseTimeRange accepts the named ranges used by operators ("1h", "6h",
// "24h", "3d", "7d") and any positive Go duration. Anything else yields
// fallback.
func ParseTimeRange(s string, fallback time.Duration) time.Duration {
	s = strings.TrimSpace(strings.ToLower(s))
	if d, ok := namedRanges[s]; ok {
		return d
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}
