package config

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/logging"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval.Std())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: https://sync.example.com
log_level: debug
sync:
  interval: 90s
  batch_size: 10
queue:
  max_attempts: 3
  backoff_base: 500ms
  backoff_cap: 1m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://sync.example.com", cfg.ServerURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 90*time.Second, cfg.Sync.Interval.Std())
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.BackoffBase.Std())

	// untouched sections keep their defaults
	assert.Equal(t, 2*time.Second, cfg.Sync.Debounce.Std())
	assert.Equal(t, "127.0.0.1:7430", cfg.Listen)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "server_url: [broken"},
		{"bad duration", "sync:\n  interval: soon"},
		{"bad log level", "log_level: loud"},
		{"empty server url", `server_url: ""`},
		{"zero batch size", "sync:\n  batch_size: 0"},
		{"cap below base", "queue:\n  backoff_base: 10s\n  backoff_cap: 1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestProbeURLDefaultsToHealthEndpoint(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "http://localhost:8080/api/health", cfg.ProbeURL())

	cfg.Network.ProbeURL = "https://probe.example.com/ping"
	assert.Equal(t, "https://probe.example.com/ping", cfg.ProbeURL())
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: https://one.example.com"), 0o644))

	var mu sync.Mutex
	var got []*Config
	watcher, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	}, logging.New(io.Discard, logging.LevelError))
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("server_url: https://two.example.com"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	last := got[len(got)-1]
	mu.Unlock()
	assert.Equal(t, "https://two.example.com", last.ServerURL)
}

func TestWatcherSkipsInvalidUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: https://one.example.com"), 0o644))

	var mu sync.Mutex
	calls := 0
	watcher, err := NewWatcher(path, func(*Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, logging.New(io.Discard, logging.LevelError))
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("log_level: loud"), 0o644))

	// give the debounce window time to fire
	time.Sleep(3 * reloadDebounce)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", out)
}
