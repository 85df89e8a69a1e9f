package storage

import (
	"strconv"
	"time"
)

// keyspace lays out records and indexes under an optional prefix.
// Events and anomalies never share a key.
type keyspace struct {
	prefix string
}

func (k keyspace) event(id string) string          { return k.prefix + "event:" + id }
func (k keyspace) eventsByTime() string            { return k.prefix + "events:time" }
func (k keyspace) eventsByIP(ip string) string     { return k.prefix + "events:ip:" + ip }
func (k keyspace) eventsByType(t string) string    { return k.prefix + "events:type:" + t }
func (k keyspace) anomaly(id string) string        { return k.prefix + "anomaly:" + id }
func (k keyspace) anomaliesByTime() string         { return k.prefix + "anomalies:time" }
func (k keyspace) anomalyRules() string            { return k.prefix + "anomalies:rules" }
func (k keyspace) anomaliesByRule(r string) string { return k.prefix + "anomalies:rule:" + r }
func (k keyspace) anomaliesBySeverity(s string) string {
	return k.prefix + "anomalies:severity:" + s
}

// score maps a timestamp onto the sorted set score space (unix millis).
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func scoreArg(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// exclusiveScoreArg is an exclusive upper or lower bound for ZRANGEBYSCORE.
func exclusiveScoreArg(t time.Time) string {
	return "(" + scoreArg(t)
}
