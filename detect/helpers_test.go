package detect

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"watchpost/core"
	"watchpost/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *storage.RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := storage.DefaultRedisStoreConfig()
	cfg.Now = func() time.Time { return baseTime.Add(2 * time.Hour) }
	client := storage.NewRedisClient(mr.Addr(), "", 0, 10, time.Second)
	store := storage.NewRedisStore(client, cfg, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newHungStore returns a store whose server accepts connections and never
// replies.
func newHungStore(t *testing.T) *storage.RedisStore {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	client := storage.NewRedisClient(ln.Addr().String(), "", 0, 2, time.Second)
	store := storage.NewRedisStore(client, storage.DefaultRedisStoreConfig(), zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() {
		_ = store.Close()
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return store
}

func loginFailure(id, ip, user string, ts time.Time) core.Event {
	return core.Event{
		EventID:   id,
		EventType: "cowrie.login.failure",
		LogType:   core.LogTypeCowrieSSH,
		Timestamp: ts,
		Fields:    core.Fields{"src_ip": ip, "username": user, "dst_port": 22},
	}
}

func denied(id, ip string, port int, ts time.Time) core.Event {
	return core.Event{
		EventID:   id,
		EventType: "traffic_deny",
		LogType:   core.LogTypePaloAltoFW,
		Timestamp: ts,
		Fields:    core.Fields{"src_ip": ip, "dst_ip": "10.0.0.1", "dst_port": port, "action": "deny"},
	}
}

// appendAndEvaluate mirrors the pipeline: the event is stored before the
// detector looks at its window.
func appendAndEvaluate(t *testing.T, store *storage.RedisStore, d Detector, ev core.Event) core.Finding {
	t.Helper()
	require.NoError(t, store.AppendEvent(context.Background(), ev))
	return d.Evaluate(context.Background(), ev)
}

// blockingSource never answers before its context is done.
type blockingSource struct{}

func (blockingSource) QueryEvents(ctx context.Context, _ storage.Query) ([]core.Event, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// failingSource reports the store as unavailable.
type failingSource struct{}

func (failingSource) QueryEvents(context.Context, storage.Query) ([]core.Event, error) {
	return nil, fmt.Errorf("%w: connection refused", storage.ErrStoreUnavailable)
}
