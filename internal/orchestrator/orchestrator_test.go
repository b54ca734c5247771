package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/executor"
	"github.com/driftline/driftline/internal/kvstore"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/netmon"
	"github.com/driftline/driftline/internal/syncqueue"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, logging.LevelError)
}

type stubProber struct{ online bool }

func (p *stubProber) Probe(context.Context) bool { return p.online }

// countingServer tracks probes and mutation requests separately.
type countingServer struct {
	mu        sync.Mutex
	probes    int
	mutations int
	fail      bool
	srv       *httptest.Server
}

func newCountingServer() *countingServer {
	cs := &countingServer{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		fail := cs.fail
		if r.URL.Path == "/api/health" {
			cs.probes++
		} else {
			cs.mutations++
		}
		cs.mu.Unlock()
		if fail && r.URL.Path != "/api/health" {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	return cs
}

func (cs *countingServer) mutationCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.mutations
}

func (cs *countingServer) setFail(fail bool) {
	cs.mu.Lock()
	cs.fail = fail
	cs.mu.Unlock()
}

type fixture struct {
	orch    *Orchestrator
	monitor *netmon.Monitor
	queue   *syncqueue.Queue
	server  *countingServer
}

func newFixture(t *testing.T, initial netmon.Status, opts ...Option) *fixture {
	t.Helper()

	cs := newCountingServer()
	t.Cleanup(cs.srv.Close)

	store := kvstore.NewWithBackend(kvstore.NewMemoryBackend(), testLogger())

	// near-zero backoff so failed items are re-eligible immediately
	queue := syncqueue.New(store, testLogger(),
		syncqueue.WithBackoffPolicy(&syncqueue.BackoffPolicy{
			MaxAttempts: syncqueue.DefaultMaxAttempts,
			Base:        time.Nanosecond,
			Cap:         time.Millisecond,
		}))

	exec := executor.New(executor.NewClient(cs.srv.URL), testLogger(),
		executor.WithSleepFunc(func(context.Context, time.Duration) error { return nil }))
	t.Cleanup(exec.Shutdown)

	monitor := netmon.New(&stubProber{online: true}, testLogger(),
		netmon.WithInitialStatus(initial))

	opts = append([]Option{
		WithSyncInterval(time.Hour),
		WithDebounce(20 * time.Millisecond),
		WithMinInterval(0),
	}, opts...)

	orch := New(monitor, queue, exec, testLogger(), opts...)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	return &fixture{orch: orch, monitor: monitor, queue: queue, server: cs}
}

func enqueue(f *fixture, id string) models.QueueItem {
	return f.queue.Enqueue("note", id, models.OperationCreate, json.RawMessage(`{}`), nil)
}

func TestEnqueueTriggersDebouncedSync(t *testing.T) {
	f := newFixture(t, netmon.StatusOnline)

	item := enqueue(f, "n1")

	require.Eventually(t, func() bool {
		got, _ := f.queue.Get(item.ID)
		return got.Status == models.StatusSynced
	}, 5*time.Second, 10*time.Millisecond)

	last, ok := f.orch.LastResult()
	require.True(t, ok)
	assert.Equal(t, 1, last.Succeeded)
}

func TestEnqueueBurstCoalesces(t *testing.T) {
	f := newFixture(t, netmon.StatusOnline, WithDebounce(50*time.Millisecond))

	var items []models.QueueItem
	for _, id := range []string{"n1", "n2", "n3"} {
		items = append(items, enqueue(f, id))
	}

	require.Eventually(t, func() bool {
		for _, item := range items {
			got, _ := f.queue.Get(item.ID)
			if got.Status != models.StatusSynced {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// three enqueues inside one debounce window ride a single pass
	last, ok := f.orch.LastResult()
	require.True(t, ok)
	assert.Equal(t, 3, last.Processed)
	assert.Equal(t, 3, last.Succeeded)
	assert.Equal(t, 3, f.server.mutationCount())
}

func TestReconnectTriggersSync(t *testing.T) {
	f := newFixture(t, netmon.StatusOffline, WithDebounce(time.Hour))

	item := enqueue(f, "n1")

	// offline: nothing moves
	time.Sleep(100 * time.Millisecond)
	got, _ := f.queue.Get(item.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, f.server.mutationCount())

	f.monitor.SetStatus(netmon.StatusOnline)

	require.Eventually(t, func() bool {
		got, _ := f.queue.Get(item.ID)
		return got.Status == models.StatusSynced
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManualTriggerThrottled(t *testing.T) {
	base := time.Now()
	f := newFixture(t, netmon.StatusOnline,
		WithDebounce(time.Hour),
		WithMinInterval(time.Minute),
		WithNowFunc(func() time.Time { return base }))

	first := enqueue(f, "n1")

	f.orch.TriggerSync()
	require.Eventually(t, func() bool {
		got, _ := f.queue.Get(first.ID)
		return got.Status == models.StatusSynced
	}, 5*time.Second, 10*time.Millisecond)

	// the clock has not advanced, so the next trigger is inside the
	// throttle window and the second item stays put
	second := enqueue(f, "n2")
	f.orch.TriggerSync()
	time.Sleep(100 * time.Millisecond)

	got, _ := f.queue.Get(second.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, f.server.mutationCount())
}

func TestOfflineSkipsPass(t *testing.T) {
	f := newFixture(t, netmon.StatusOffline, WithDebounce(time.Hour))

	enqueue(f, "n1")
	f.orch.TriggerSync()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, f.server.mutationCount())
}

func TestConflictOutcomeQuarantines(t *testing.T) {
	f := newFixture(t, netmon.StatusOnline)
	f.server.srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"remote":{"a":"theirs"},"message":"version mismatch"}`))
	})

	item := enqueue(f, "n1")

	require.Eventually(t, func() bool {
		got, _ := f.queue.Get(item.ID)
		return got.Status == models.StatusConflict
	}, 5*time.Second, 10*time.Millisecond)

	rec, ok := f.queue.GetConflict(item.ID)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":"theirs"}`, string(rec.Remote))

	got, _ := f.queue.Get(item.ID)
	assert.Equal(t, 0, got.Attempts)
}

func TestRepeatedFailuresDegradeMonitor(t *testing.T) {
	f := newFixture(t, netmon.StatusOnline, WithDebounce(time.Hour))
	f.server.srv.Close()

	enqueue(f, "n1")

	for i := 0; i < degradedThreshold; i++ {
		f.orch.TriggerSync()
		time.Sleep(50 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return f.monitor.Status() == netmon.StatusDegraded
	}, 5*time.Second, 10*time.Millisecond)
}
