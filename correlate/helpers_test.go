package correlate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"watchpost/core"
	"watchpost/detect"
	"watchpost/storage"

	"github.com/alicebob/miniredis/v2"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testNow() time.Time { return baseTime.Add(time.Hour) }

type fixture struct {
	arbiter *Arbiter
	store   *storage.RedisStore
	mr      *miniredis.Miniredis
	spans   *tracetest.SpanRecorder
	sink    *recordingSink
}

func newFixture(t *testing.T, scorer OutlierScorer, mlMinEvents int64) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	logger := zaptest.NewLogger(t).Sugar()

	storeCfg := storage.DefaultRedisStoreConfig()
	storeCfg.Now = testNow
	client := storage.NewRedisClient(mr.Addr(), "", 0, 10, time.Second)
	store := storage.NewRedisStore(client, storeCfg, logger)
	t.Cleanup(func() { _ = store.Close() })

	engine := detect.NewRuleEngine(logger,
		detect.NewBruteforceDetector(store, detect.BruteforceConfig{}, logger),
		detect.NewTrafficDetector(store, detect.TrafficConfig{}, logger),
	)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.MLMinEvents = mlMinEvents
	cfg.TracerProvider = tp
	cfg.Now = testNow

	return &fixture{
		arbiter: NewArbiter(store, engine, scorer, sink, cfg, logger),
		store:   store,
		mr:      mr,
		spans:   recorder,
		sink:    sink,
	}
}

// ingestSpanStates returns the state events of every finished Ingest span
// in completion order.
func (f *fixture) ingestSpanStates() [][]string {
	var out [][]string
	for _, span := range f.spans.Ended() {
		if span.Name() != "correlate.Ingest" {
			continue
		}
		var states []string
		for _, ev := range span.Events() {
			states = append(states, ev.Name)
		}
		out = append(out, states)
	}
	return out
}

func loginFailure(n int, ip, user string) core.Event {
	return core.Event{
		EventID:   fmt.Sprintf("login-%s-%d", ip, n),
		Source:    "honeypot-1",
		EventType: "cowrie.login.failure",
		LogType:   core.LogTypeCowrieSSH,
		Timestamp: baseTime.Add(time.Duration(n) * 5 * time.Second),
		Fields:    core.Fields{"src_ip": ip, "username": user, "dst_port": 22},
		Raw:       fmt.Sprintf(`{"eventid":"cowrie.login.failure","src_ip":%q}`, ip),
	}
}

func denyTraffic(n int, ip string, port int) core.Event {
	return core.Event{
		EventID:   fmt.Sprintf("deny-%s-%d", ip, n),
		Source:    "fw-1",
		EventType: "traffic_deny",
		LogType:   core.LogTypePaloAltoFW,
		Timestamp: baseTime.Add(time.Duration(n) * time.Second),
		Fields:    core.Fields{"src_ip": ip, "dst_ip": "10.0.0.5", "dst_port": port, "action": "deny"},
	}
}

func sessionEvent(n int) core.Event {
	return core.Event{
		EventID:   fmt.Sprintf("session-%d", n),
		EventType: "cowrie.session.connect",
		LogType:   core.LogTypeCowrieSSH,
		Timestamp: baseTime.Add(time.Duration(n) * time.Second),
		Fields:    core.Fields{"src_ip": "198.51.100.7", "dst_port": 22},
	}
}

type stubScorer struct {
	ready    bool
	finding  core.Finding
	trainErr error

	scored  atomic.Int32
	trained atomic.Int32
}

func (s *stubScorer) IsReady() bool { return s.ready }

func (s *stubScorer) Score(event core.Event) core.Finding {
	s.scored.Add(1)
	f := s.finding
	f.EventID = event.EventID
	return f
}

func (s *stubScorer) Train(_ context.Context, events []core.Event) error {
	s.trained.Store(int32(len(events)))
	return s.trainErr
}

type recordingSink struct {
	mu        sync.Mutex
	anomalies []core.StoredAnomaly
}

func (r *recordingSink) Process(_ context.Context, a core.StoredAnomaly) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies = append(r.anomalies, a)
	return true, nil
}

func (r *recordingSink) received() []core.StoredAnomaly {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.StoredAnomaly(nil), r.anomalies...)
}
