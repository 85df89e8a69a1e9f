package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"watchpost/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAnomaly(id, rule string, sev core.Severity, conf float64, ts time.Time) core.StoredAnomaly {
	return core.StoredAnomaly{
		EventID:     id,
		RuleName:    rule,
		Severity:    sev,
		Confidence:  conf,
		Description: fmt.Sprintf("%s detected", rule),
		Source:      "sensor-1",
		EventType:   "cowrie.login.failure",
		LogType:     core.LogTypeCowrieSSH,
		Timestamp:   ts,
		DetectedAt:  ts.Add(time.Second),
		Status:      core.AnomalyStatusNew,
		Fields:      core.Fields{"src_ip": "1.2.3.4", "username": "admin", "dst_port": float64(22)},
		Raw:         `{"eventid":"cowrie.login.failure"}`,
	}
}

func TestRedisStore_AnomalyRoundTripWithSeverityFilter(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	want := testAnomaly("e1", "bruteforce", core.SeverityHigh, 0.95, baseTime.Add(-time.Minute))
	want.Classification = &core.Classification{Label: "ssh", Confidence: 0.7}
	other := testAnomaly("e2", "port_scan", core.SeverityMedium, 0.9, baseTime.Add(-2*time.Minute))

	created, err := store.StoreAnomaly(ctx, want)
	require.NoError(t, err)
	assert.True(t, created)
	_, err = store.StoreAnomaly(ctx, other)
	require.NoError(t, err)

	got, err := store.QueryAnomalies(ctx, Query{Filters: Filters{Severity: core.SeverityHigh}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0])

	got, err = store.QueryAnomalies(ctx, Query{Filters: Filters{RuleName: "port_scan"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, other, got[0])

	got, err = store.QueryAnomalies(ctx, Query{Filters: Filters{Severity: core.SeverityHigh, RuleName: "port_scan"}})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = store.QueryAnomalies(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].EventID, "newest first")
}

func TestRedisStore_StoreAnomalyFirstWriteWins(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	a := testAnomaly("e1", "bruteforce", core.SeverityHigh, 0.95, baseTime.Add(-time.Minute))
	created, err := store.StoreAnomaly(ctx, a)
	require.NoError(t, err)
	require.True(t, created)

	_, err = store.UpdateAnomalyStatus(ctx, "e1", core.AnomalyStatusAcknowledged)
	require.NoError(t, err)

	// a redelivered event must not reset the operator's status
	created, err = store.StoreAnomaly(ctx, a)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.GetAnomaly(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, core.AnomalyStatusAcknowledged, got.Status)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestRedisStore_StoreAnomalyValidation(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.StoreAnomaly(ctx, testAnomaly("", "bruteforce", core.SeverityHigh, 0.9, baseTime))
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = store.StoreAnomaly(ctx, testAnomaly("e1", "bruteforce", core.Severity("severe"), 0.9, baseTime))
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRedisStore_Stats(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Empty(t, stats.BySeverity)
	assert.Empty(t, stats.ByRule)

	for i, a := range []core.StoredAnomaly{
		testAnomaly("a", "bruteforce", core.SeverityHigh, 0.95, baseTime.Add(-time.Minute)),
		testAnomaly("b", "bruteforce", core.SeverityHigh, 0.95, baseTime.Add(-2*time.Minute)),
		testAnomaly("c", "port_scan", core.SeverityMedium, 0.9, baseTime.Add(-3*time.Minute)),
		testAnomaly("d", "ml_anomaly", core.SeverityHigh, 0.7, baseTime.Add(-4*time.Minute)),
	} {
		_, err := store.StoreAnomaly(ctx, a)
		require.NoError(t, err, "anomaly %d", i)
	}

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, map[core.Severity]int64{core.SeverityHigh: 3, core.SeverityMedium: 1}, stats.BySeverity)
	assert.Equal(t, map[string]int64{"bruteforce": 2, "port_scan": 1, "ml_anomaly": 1}, stats.ByRule)
}

func TestRedisStore_AnomaliesLeaveStatsAfterRetention(t *testing.T) {
	store, mr, clock := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.StoreAnomaly(ctx, testAnomaly("a", "bruteforce", core.SeverityHigh, 0.95, baseTime))
	require.NoError(t, err)

	clock.Advance(mr, 100*time.Hour)
	_, err = store.StoreAnomaly(ctx, testAnomaly("b", "port_scan", core.SeverityMedium, 0.9, clock.Now()))
	require.NoError(t, err)

	clock.Advance(mr, 69*time.Hour)

	assert.False(t, mr.Exists(store.keys.anomaly("a")))
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, map[core.Severity]int64{core.SeverityMedium: 1}, stats.BySeverity)
	assert.Equal(t, map[string]int64{"port_scan": 1}, stats.ByRule)
}

func TestRedisStore_HealsDanglingAnomalyReferences(t *testing.T) {
	store, mr, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.StoreAnomaly(ctx, testAnomaly("a", "bruteforce", core.SeverityHigh, 0.95, baseTime.Add(-time.Minute)))
	require.NoError(t, err)
	_, err = store.StoreAnomaly(ctx, testAnomaly("b", "bruteforce", core.SeverityHigh, 0.95, baseTime.Add(-2*time.Minute)))
	require.NoError(t, err)
	mr.Del(store.keys.anomaly("a"))

	got, err := store.QueryAnomalies(ctx, Query{Filters: Filters{RuleName: "bruteforce"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].EventID)

	isMember, err := mr.IsMember(store.keys.anomaliesBySeverity("high"), "a")
	require.NoError(t, err)
	assert.False(t, isMember)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, map[string]int64{"bruteforce": 1}, stats.ByRule)
}

func TestRedisStore_DropEmptyRulesKeepsRepopulatedRule(t *testing.T) {
	store, mr, _ := newTestStore(t, nil)
	ctx := context.Background()

	// Stats saw both rules empty; bruteforce gained a member before the drop.
	_, err := mr.SAdd(store.keys.anomalyRules(), "ghost")
	require.NoError(t, err)
	_, err = store.StoreAnomaly(ctx, testAnomaly("a", "bruteforce", core.SeverityHigh, 0.95, baseTime.Add(-time.Minute)))
	require.NoError(t, err)

	require.NoError(t, store.dropEmptyRules(ctx, []string{"bruteforce", "ghost"}))

	rules, err := mr.Members(store.keys.anomalyRules())
	require.NoError(t, err)
	assert.Equal(t, []string{"bruteforce"}, rules)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"bruteforce": 1}, stats.ByRule)
}

func TestRedisStore_RemoveAnomalyRefsUnregistersEmptiedRules(t *testing.T) {
	store, mr, _ := newTestStore(t, nil)
	ctx := context.Background()

	for _, a := range []core.StoredAnomaly{
		testAnomaly("a", "bruteforce", core.SeverityHigh, 0.95, baseTime.Add(-time.Minute)),
		testAnomaly("b", "port_scan", core.SeverityMedium, 0.9, baseTime.Add(-2*time.Minute)),
		testAnomaly("c", "port_scan", core.SeverityMedium, 0.9, baseTime.Add(-3*time.Minute)),
	} {
		_, err := store.StoreAnomaly(ctx, a)
		require.NoError(t, err)
	}

	require.NoError(t, store.removeAnomalyRefs(ctx, []string{"a", "b"}))

	rules, err := mr.Members(store.keys.anomalyRules())
	require.NoError(t, err)
	assert.Equal(t, []string{"port_scan"}, rules)
	assert.False(t, mr.Exists(store.keys.anomaliesByRule("bruteforce")))

	members, err := mr.ZMembers(store.keys.anomaliesByTime())
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, members)
	isMember, err := mr.IsMember(store.keys.anomaliesBySeverity("medium"), "b")
	require.NoError(t, err)
	assert.False(t, isMember)

	_, err = store.StoreAnomaly(ctx, testAnomaly("d", "bruteforce", core.SeverityHigh, 0.95, baseTime.Add(-time.Minute)))
	require.NoError(t, err)
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"bruteforce": 1, "port_scan": 1}, stats.ByRule)
}

func TestRedisStore_StatsConcurrentWithStoreAnomaly(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	const rules = 20
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = store.Stats(ctx)
			}
		}
	}()

	for i := 0; i < rules; i++ {
		a := testAnomaly(fmt.Sprintf("e%d", i), fmt.Sprintf("rule_%d", i), core.SeverityLow, 0.5, baseTime.Add(-time.Minute))
		_, err := store.StoreAnomaly(ctx, a)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Len(t, stats.ByRule, rules)
	for i := 0; i < rules; i++ {
		assert.Equal(t, int64(1), stats.ByRule[fmt.Sprintf("rule_%d", i)])
	}
}

func TestRedisStore_UpdateAnomalyStatus(t *testing.T) {
	store, mr, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.StoreAnomaly(ctx, testAnomaly("e1", "bruteforce", core.SeverityHigh, 0.95, baseTime))
	require.NoError(t, err)

	_, err = store.UpdateAnomalyStatus(ctx, "missing", core.AnomalyStatusAcknowledged)
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := store.UpdateAnomalyStatus(ctx, "e1", core.AnomalyStatusResolved)
	require.NoError(t, err)
	assert.Equal(t, core.AnomalyStatusResolved, updated.Status)
	assert.Greater(t, mr.TTL(store.keys.anomaly("e1")), time.Duration(0), "status updates keep the record TTL")

	_, err = store.UpdateAnomalyStatus(ctx, "e1", core.AnomalyStatusAcknowledged)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	assert.False(t, IsRetryable(err))

	got, err := store.GetAnomaly(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, core.AnomalyStatusResolved, got.Status)
}

func TestRedisStore_AnomalyQueryWindow(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.StoreAnomaly(ctx, testAnomaly("recent", "bruteforce", core.SeverityHigh, 0.95, baseTime.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = store.StoreAnomaly(ctx, testAnomaly("older", "bruteforce", core.SeverityHigh, 0.95, baseTime.Add(-30*time.Hour)))
	require.NoError(t, err)

	got, err := store.QueryAnomalies(ctx, Query{Range: ParseTimeRange("24h", DefaultAnomalyRange)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "recent", got[0].EventID)

	got, err = store.QueryAnomalies(ctx, Query{Range: ParseTimeRange("3d", DefaultAnomalyRange)})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
