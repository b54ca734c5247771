package netmon

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(&bytes.Buffer{}, logging.LevelError)
}

func newTestMonitor(initial Status) *Monitor {
	return New(nil, testLogger(), WithInitialStatus(initial))
}

func TestIsOnline(t *testing.T) {
	assert.True(t, newTestMonitor(StatusOnline).IsOnline())
	assert.True(t, newTestMonitor(StatusDegraded).IsOnline())
	assert.False(t, newTestMonitor(StatusOffline).IsOnline())
}

func TestSetStatusDeduplicates(t *testing.T) {
	m := newTestMonitor(StatusOnline)

	var notifications int32
	m.OnStatusChange(func(Status) {
		atomic.AddInt32(&notifications, 1)
	})

	m.SetStatus(StatusOnline) // same status: no-op
	m.SetStatus(StatusOffline)
	m.SetStatus(StatusOffline) // same again

	assert.Equal(t, int32(1), atomic.LoadInt32(&notifications))
	assert.Equal(t, StatusOffline, m.Status())
}

func TestOnStatusChangeUnsubscribe(t *testing.T) {
	m := newTestMonitor(StatusOnline)

	var calls int32
	unsubscribe := m.OnStatusChange(func(Status) {
		atomic.AddInt32(&calls, 1)
	})

	m.SetStatus(StatusOffline)
	unsubscribe()
	m.SetStatus(StatusOnline)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWaitForOnlineImmediate(t *testing.T) {
	m := newTestMonitor(StatusOnline)
	assert.True(t, m.WaitForOnline(context.Background(), time.Second))
}

func TestWaitForOnlineTimesOut(t *testing.T) {
	m := newTestMonitor(StatusOffline)

	start := time.Now()
	got := m.WaitForOnline(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, got)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestWaitForOnlineResolvesOnTransition(t *testing.T) {
	m := newTestMonitor(StatusOffline)

	go func() {
		time.Sleep(30 * time.Millisecond)
		m.SetStatus(StatusOnline)
	}()

	assert.True(t, m.WaitForOnline(context.Background(), 2*time.Second))

	// a second call resolves immediately now that we are online
	start := time.Now()
	assert.True(t, m.WaitForOnline(context.Background(), 2*time.Second))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitForOnlineContextCancel(t *testing.T) {
	m := newTestMonitor(StatusOffline)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	assert.False(t, m.WaitForOnline(ctx, 0))
}

func TestDegradedAndRestore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	m := New(NewHTTPProber(server.URL), testLogger(), WithInitialStatus(StatusOnline))

	m.SetDegraded()
	assert.Equal(t, StatusDegraded, m.Status())
	assert.True(t, m.IsOnline(), "degraded still counts as online")

	m.RestoreFromDegraded(context.Background())
	assert.Equal(t, StatusOnline, m.Status())
}

func TestRestoreFromDegradedDetectsOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // unreachable from here on

	m := New(NewHTTPProber(server.URL), testLogger(), WithInitialStatus(StatusDegraded))

	m.RestoreFromDegraded(context.Background())
	assert.Equal(t, StatusOffline, m.Status())
}

func TestRestoreNoOpWhenNotDegraded(t *testing.T) {
	m := newTestMonitor(StatusOnline)
	m.RestoreFromDegraded(context.Background())
	assert.Equal(t, StatusOnline, m.Status())
}

func TestHTTPProber(t *testing.T) {
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		// even an error status proves reachability
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewHTTPProber(server.URL)
	require.True(t, p.Probe(context.Background()))
	assert.Equal(t, http.MethodHead, gotMethod)

	server.Close()
	assert.False(t, p.Probe(context.Background()))
}

func TestInitialDetection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	online := New(NewHTTPProber(server.URL), testLogger())
	assert.Equal(t, StatusOnline, online.Status())

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	offline := New(NewHTTPProber(dead.URL), testLogger())
	assert.Equal(t, StatusOffline, offline.Status())
}
