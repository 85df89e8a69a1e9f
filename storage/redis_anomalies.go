package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"watchpost/core"
	"watchpost/metrics"

	"github.com/redis/go-redis/v9"
)

const maxStatusRetries = 5

// storeAnomalyScript writes an anomaly record with every index entry
// atomically. An existing record wins, so a replayed event can never reset
// the status an operator already set.
//
// KEYS: record, time index, severity set, rule set, rule registry
// ARGV: payload, ttl ms, score, member, rule name
var storeAnomalyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[4])
redis.call('SADD', KEYS[4], ARGV[4])
redis.call('SADD', KEYS[5], ARGV[5])
for i = 2, 5 do
  redis.call('PEXPIRE', KEYS[i], ARGV[2])
end
return 1
`)

// removeAnomalyRefsScript drops anomaly ids from the time index, the
// severity sets and every registered rule set, then unregisters rules whose
// set became empty. Rule sets are addressed through the registry, so their
// keys are built from ARGV[1].
//
// KEYS: time index, rule registry, severity sets...
// ARGV: rule set key prefix, ids...
var removeAnomalyRefsScript = redis.NewScript(`
local ids = {}
for i = 2, #ARGV do
  ids[#ids + 1] = ARGV[i]
end
if #ids == 0 then
  return 0
end
redis.call('ZREM', KEYS[1], unpack(ids))
for i = 3, #KEYS do
  redis.call('SREM', KEYS[i], unpack(ids))
end
for _, rule in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  local set = ARGV[1] .. rule
  redis.call('SREM', set, unpack(ids))
  if redis.call('SCARD', set) == 0 then
    redis.call('SREM', KEYS[2], rule)
  end
end
return #ids
`)

// dropEmptyRulesScript unregisters the given rules whose set is empty at
// the time the script runs. A rule that gained members since the caller
// counted it stays registered.
//
// KEYS: rule registry
// ARGV: rule set key prefix, rule names...
var dropEmptyRulesScript = redis.NewScript(`
local dropped = 0
for i = 2, #ARGV do
  if redis.call('SCARD', ARGV[1] .. ARGV[i]) == 0 then
    dropped = dropped + redis.call('SREM', KEYS[1], ARGV[i])
  end
end
return dropped
`)

// StoreAnomaly persists the anomaly and its categorical index entries.
// It reports false when a record for the same event already existed.
func (s *RedisStore) StoreAnomaly(ctx context.Context, a core.StoredAnomaly) (bool, error) {
	if a.EventID == "" || a.RuleName == "" {
		return false, fmt.Errorf("%w: anomaly needs event_id and rule_name", ErrInvalidRecord)
	}
	if !a.Severity.IsValid() {
		return false, fmt.Errorf("%w: severity %q", ErrInvalidRecord, a.Severity)
	}
	if a.Status == "" {
		a.Status = core.AnomalyStatusNew
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = s.now()
	}
	a.Timestamp = a.Timestamp.Round(0).UTC()
	a.DetectedAt = a.DetectedAt.Round(0).UTC()
	a.Fields = a.Fields.Normalize()

	data, err := encodeAnomaly(a)
	if err != nil {
		return false, err
	}

	keys := []string{
		s.keys.anomaly(a.EventID),
		s.keys.anomaliesByTime(),
		s.keys.anomaliesBySeverity(string(a.Severity)),
		s.keys.anomaliesByRule(a.RuleName),
		s.keys.anomalyRules(),
	}
	args := []any{
		data,
		s.cfg.AnomalyRetention.Milliseconds(),
		strconv.FormatFloat(score(a.Timestamp), 'f', -1, 64),
		a.EventID,
		a.RuleName,
	}

	var created bool
	err = s.do(ctx, "store_anomaly", func() error {
		n, err := storeAnomalyScript.Run(ctx, s.client, keys, args...).Int()
		created = n == 1
		return err
	})
	if err != nil {
		return false, err
	}

	if _, err := s.pruneAnomalies(ctx); err != nil {
		s.logger.Debugw("Failed to prune anomaly indexes", "error", err)
	}
	return created, nil
}

// GetAnomaly loads a single anomaly by its triggering event id.
func (s *RedisStore) GetAnomaly(ctx context.Context, eventID string) (core.StoredAnomaly, error) {
	var data []byte
	err := s.do(ctx, "get_anomaly", func() error {
		var err error
		data, err = s.client.Get(ctx, s.keys.anomaly(eventID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: anomaly %s", ErrNotFound, eventID)
		}
		return err
	})
	if err != nil {
		return core.StoredAnomaly{}, err
	}
	return decodeAnomaly(data)
}

// QueryAnomalies returns anomalies whose event time lies in the query
// window, newest first. Severity and rule filters are resolved against
// the set indexes before any record is loaded.
func (s *RedisStore) QueryAnomalies(ctx context.Context, q Query) ([]core.StoredAnomaly, error) {
	q = q.withDefaults(s.now(), DefaultAnomalyRange)
	rng := &redis.ZRangeBy{
		Min: scoreArg(q.End.Add(-q.Range)),
		Max: scoreArg(q.End),
	}

	batch := min(q.Limit, scanBatch)
	var (
		out      []core.StoredAnomaly
		dangling []string
	)
	for offset := 0; len(out) < q.Limit && offset < s.cfg.MaxScan; offset += batch {
		rng.Offset, rng.Count = int64(offset), int64(batch)

		var ids []string
		err := s.do(ctx, "query_anomalies", func() error {
			var err error
			ids, err = s.client.ZRevRangeByScore(ctx, s.keys.anomaliesByTime(), rng).Result()
			return err
		})
		if err != nil {
			return nil, err
		}

		candidates := ids
		if q.Filters.Severity != "" {
			candidates, err = s.filterMembers(ctx, s.keys.anomaliesBySeverity(string(q.Filters.Severity)), candidates)
			if err != nil {
				return nil, err
			}
		}
		if q.Filters.RuleName != "" {
			candidates, err = s.filterMembers(ctx, s.keys.anomaliesByRule(q.Filters.RuleName), candidates)
			if err != nil {
				return nil, err
			}
		}

		anomalies, missing, err := s.loadAnomalies(ctx, candidates)
		if err != nil {
			return nil, err
		}
		dangling = append(dangling, missing...)

		for _, a := range anomalies {
			ip, _ := a.Fields.String(core.FieldSrcIP)
			if !q.matchesEvent(a.EventType, ip) {
				continue
			}
			out = append(out, a)
			if len(out) == q.Limit {
				break
			}
		}

		if len(ids) < batch {
			break
		}
	}

	if len(dangling) > 0 {
		if err := s.removeAnomalyRefs(ctx, dangling); err != nil {
			s.logger.Debugw("Failed to heal anomaly indexes", "error", err)
		} else {
			metrics.StoreIndexRepairs.WithLabelValues("anomalies").Add(float64(len(dangling)))
		}
	}
	return out, nil
}

// Stats counts anomalies from the categorical indexes after dropping
// entries that left the retention window.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	if _, err := s.pruneAnomalies(ctx); err != nil {
		if IsRetryable(err) {
			return Stats{}, err
		}
		s.logger.Debugw("Failed to prune anomaly indexes", "error", err)
	}

	var (
		total      *redis.IntCmd
		severities = make(map[core.Severity]*redis.IntCmd, len(core.Severities))
		rules      *redis.StringSliceCmd
	)
	err := s.do(ctx, "stats", func() error {
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			total = pipe.ZCard(ctx, s.keys.anomaliesByTime())
			for _, sev := range core.Severities {
				severities[sev] = pipe.SCard(ctx, s.keys.anomaliesBySeverity(string(sev)))
			}
			rules = pipe.SMembers(ctx, s.keys.anomalyRules())
			return nil
		})
		return err
	})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Total:      total.Val(),
		BySeverity: make(map[core.Severity]int64),
		ByRule:     make(map[string]int64),
	}
	for sev, cmd := range severities {
		if n := cmd.Val(); n > 0 {
			stats.BySeverity[sev] = n
		}
	}

	ruleNames := rules.Val()
	if len(ruleNames) == 0 {
		return stats, nil
	}
	ruleCounts := make([]*redis.IntCmd, len(ruleNames))
	err = s.do(ctx, "stats", func() error {
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, rule := range ruleNames {
				ruleCounts[i] = pipe.SCard(ctx, s.keys.anomaliesByRule(rule))
			}
			return nil
		})
		return err
	})
	if err != nil {
		return Stats{}, err
	}

	var empty []string
	for i, rule := range ruleNames {
		if n := ruleCounts[i].Val(); n > 0 {
			stats.ByRule[rule] = n
		} else {
			empty = append(empty, rule)
		}
	}
	if len(empty) > 0 {
		if err := s.dropEmptyRules(ctx, empty); err != nil {
			s.logger.Debugw("Failed to drop empty rule indexes", "error", err)
		}
	}
	return stats, nil
}

// dropEmptyRules unregisters rules that are still empty. The emptiness
// check and the removal run as one script, so a concurrent StoreAnomaly
// for the same rule is never lost from the registry.
func (s *RedisStore) dropEmptyRules(ctx context.Context, rules []string) error {
	args := make([]any, 0, len(rules)+1)
	args = append(args, s.keys.anomaliesByRule(""))
	for _, rule := range rules {
		args = append(args, rule)
	}
	return s.do(ctx, "drop_empty_rules", func() error {
		return dropEmptyRulesScript.Run(ctx, s.client, []string{s.keys.anomalyRules()}, args...).Err()
	})
}

// UpdateAnomalyStatus applies an operator status transition under WATCH.
// The record keeps its remaining TTL.
func (s *RedisStore) UpdateAnomalyStatus(ctx context.Context, eventID string, status core.AnomalyStatus) (core.StoredAnomaly, error) {
	key := s.keys.anomaly(eventID)
	var updated core.StoredAnomaly

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: anomaly %s", ErrNotFound, eventID)
		}
		if err != nil {
			return err
		}
		a, err := decodeAnomaly(data)
		if err != nil {
			return err
		}
		if err := a.TransitionTo(status); err != nil {
			return err
		}
		out, err := encodeAnomaly(a)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = a
		}
		return err
	}

	for attempt := 0; attempt < maxStatusRetries; attempt++ {
		err := s.do(ctx, "update_status", func() error {
			return s.client.Watch(ctx, txf, key)
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return core.StoredAnomaly{}, err
		}
		s.logger.Infow("Anomaly status updated", "event_id", eventID, "status", status)
		return updated, nil
	}
	return core.StoredAnomaly{}, fmt.Errorf("%w: anomaly %s", ErrConflict, eventID)
}

func (s *RedisStore) filterMembers(ctx context.Context, set string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	var flags []bool
	err := s.do(ctx, "filter_members", func() error {
		var err error
		flags, err = s.client.SMIsMember(ctx, set, members...).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for i, ok := range flags {
		if ok {
			out = append(out, ids[i])
		}
	}
	return out, nil
}

func (s *RedisStore) loadAnomalies(ctx context.Context, ids []string) ([]core.StoredAnomaly, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.anomaly(id)
	}
	var values []any
	err := s.do(ctx, "load_anomalies", func() error {
		var err error
		values, err = s.client.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	var (
		out     = make([]core.StoredAnomaly, 0, len(ids))
		missing []string
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		a, err := decodeAnomaly([]byte(raw))
		if err != nil {
			metrics.StoreErrors.WithLabelValues("load_anomalies", "corrupt").Inc()
			s.logger.Warnw("Skipping undecodable anomaly record", "event_id", ids[i], "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, missing, nil
}

// pruneAnomalies drops index entries older than the anomaly retention.
func (s *RedisStore) pruneAnomalies(ctx context.Context) (int, error) {
	cutoff := exclusiveScoreArg(s.now().Add(-s.cfg.AnomalyRetention))
	var expired []string
	err := s.do(ctx, "prune_anomalies", func() error {
		var err error
		expired, err = s.client.ZRangeByScore(ctx, s.keys.anomaliesByTime(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   cutoff,
			Count: sweepBatch,
		}).Result()
		return err
	})
	if err != nil || len(expired) == 0 {
		return 0, err
	}
	if err := s.removeAnomalyRefs(ctx, expired); err != nil {
		return 0, err
	}
	return len(expired), nil
}

// removeAnomalyRefs drops ids from the time index and from every
// categorical set in one script per batch. The record itself is left to
// its TTL.
func (s *RedisStore) removeAnomalyRefs(ctx context.Context, ids []string) error {
	keys := make([]string, 0, len(core.Severities)+2)
	keys = append(keys, s.keys.anomaliesByTime(), s.keys.anomalyRules())
	for _, sev := range core.Severities {
		keys = append(keys, s.keys.anomaliesBySeverity(string(sev)))
	}

	for start := 0; start < len(ids); start += sweepBatch {
		batch := ids[start:min(start+sweepBatch, len(ids))]
		args := make([]any, 0, len(batch)+1)
		args = append(args, s.keys.anomaliesByRule(""))
		for _, id := range batch {
			args = append(args, id)
		}
		err := s.do(ctx, "remove_anomaly_refs", func() error {
			return removeAnomalyRefsScript.Run(ctx, s.client, keys, args...).Err()
		})
		if err != nil {
			return err
		}
	}
	return nil
}
