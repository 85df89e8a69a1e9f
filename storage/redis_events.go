package storage

import (
	"context"
	"maps"

	"watchpost/core"
	"watchpost/metrics"

	"github.com/redis/go-redis/v9"
)

// AppendEvent writes the event record and its time, type and source IP
// index entries in one MULTI/EXEC. Re-appending the same event id
// overwrites the record and index scores, so it never duplicates.
func (s *RedisStore) AppendEvent(ctx context.Context, event core.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	event.Normalize()

	data, err := encodeEvent(event)
	if err != nil {
		return err
	}

	cutoff := exclusiveScoreArg(s.now().Add(-s.cfg.EventRetention))
	member := redis.Z{Score: score(event.Timestamp), Member: event.EventID}
	indexes := []string{s.keys.eventsByTime(), s.keys.eventsByType(event.EventType)}
	if ip, err := event.SrcIP(); err == nil {
		indexes = append(indexes, s.keys.eventsByIP(ip))
	}

	err = s.do(ctx, "append_event", func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.keys.event(event.EventID), data, s.cfg.EventRetention)
			for _, idx := range indexes {
				pipe.ZAdd(ctx, idx, member)
				pipe.ZRemRangeByScore(ctx, idx, "-inf", cutoff)
				pipe.Expire(ctx, idx, s.cfg.EventRetention)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Add(event.EventID, event)
	}
	return nil
}

// QueryEvents walks the most selective index newest first and returns the
// events matching q. An empty result means no matching history.
func (s *RedisStore) QueryEvents(ctx context.Context, q Query) ([]core.Event, error) {
	q = q.withDefaults(s.now(), DefaultEventRange)

	index := s.keys.eventsByTime()
	switch {
	case q.Filters.SrcIP != "":
		index = s.keys.eventsByIP(q.Filters.SrcIP)
	case len(q.Filters.EventTypes) == 1:
		index = s.keys.eventsByType(q.Filters.EventTypes[0])
	}
	rng := &redis.ZRangeBy{
		Min: scoreArg(q.End.Add(-q.Range)),
		Max: scoreArg(q.End),
	}

	batch := min(q.Limit, scanBatch)
	var (
		out      []core.Event
		dangling []string
	)
	for offset := 0; len(out) < q.Limit && offset < s.cfg.MaxScan; offset += batch {
		rng.Offset, rng.Count = int64(offset), int64(batch)

		var ids []string
		err := s.do(ctx, "query_events", func() error {
			var err error
			ids, err = s.client.ZRevRangeByScore(ctx, index, rng).Result()
			return err
		})
		if err != nil {
			return nil, err
		}

		events, missing, err := s.loadEvents(ctx, ids)
		if err != nil {
			return nil, err
		}
		dangling = append(dangling, missing...)

		for _, ev := range events {
			ip, _ := ev.SrcIP()
			if !q.matchesEvent(ev.EventType, ip) {
				continue
			}
			out = append(out, ev)
			if len(out) == q.Limit {
				break
			}
		}

		if len(ids) < batch {
			break
		}
	}

	if len(dangling) > 0 {
		s.healEventIndexes(ctx, index, dangling)
	}
	return out, nil
}

// CountEvents returns the number of events inside the retention window.
func (s *RedisStore) CountEvents(ctx context.Context) (int64, error) {
	cutoff := exclusiveScoreArg(s.now().Add(-s.cfg.EventRetention))
	var count *redis.IntCmd
	err := s.do(ctx, "count_events", func() error {
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, s.keys.eventsByTime(), "-inf", cutoff)
			count = pipe.ZCard(ctx, s.keys.eventsByTime())
			return nil
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return count.Val(), nil
}

// loadEvents resolves ids to records, preserving order. Ids whose record
// has expired are returned as missing.
func (s *RedisStore) loadEvents(ctx context.Context, ids []string) ([]core.Event, []string, error) {
	slots := make([]*core.Event, len(ids))
	var (
		fetchKeys []string
		fetchPos  []int
	)
	for i, id := range ids {
		if s.cache != nil {
			if ev, ok := s.cache.Get(id); ok {
				ev.Fields = maps.Clone(ev.Fields)
				slots[i] = &ev
				continue
			}
		}
		fetchKeys = append(fetchKeys, s.keys.event(id))
		fetchPos = append(fetchPos, i)
	}

	var missing []string
	if len(fetchKeys) > 0 {
		var values []any
		err := s.do(ctx, "load_events", func() error {
			var err error
			values, err = s.client.MGet(ctx, fetchKeys...).Result()
			return err
		})
		if err != nil {
			return nil, nil, err
		}

		for j, v := range values {
			id := ids[fetchPos[j]]
			raw, ok := v.(string)
			if !ok {
				missing = append(missing, id)
				continue
			}
			ev, err := decodeEvent([]byte(raw))
			if err != nil {
				metrics.StoreErrors.WithLabelValues("load_events", "corrupt").Inc()
				s.logger.Warnw("Skipping undecodable event record", "event_id", id, "error", err)
				continue
			}
			if s.cache != nil {
				s.cache.Add(id, ev)
				ev.Fields = maps.Clone(ev.Fields)
			}
			slots[fetchPos[j]] = &ev
		}
	}

	events := make([]core.Event, 0, len(ids))
	for _, ev := range slots {
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, missing, nil
}

// healEventIndexes removes references to expired records. Failures are
// logged only; the next query retries.
func (s *RedisStore) healEventIndexes(ctx context.Context, index string, ids []string) {
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	err := s.do(ctx, "heal_events", func() error {
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, s.keys.eventsByTime(), members...)
			if index != s.keys.eventsByTime() {
				pipe.ZRem(ctx, index, members...)
			}
			return nil
		})
		return err
	})
	if err != nil {
		s.logger.Debugw("Failed to heal event index", "index", index, "error", err)
		return
	}
	metrics.StoreIndexRepairs.WithLabelValues("events").Add(float64(len(ids)))
}
