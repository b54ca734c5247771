package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/driftline/driftline/internal/logging"
)

// reloadDebounce absorbs the write-then-rename bursts editors produce.
const reloadDebounce = 200 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands each
// valid new configuration to the callback. Invalid intermediate states are
// logged and skipped; the last good config stays in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	log      *logging.Logger

	mu      sync.Mutex
	running bool
	timer   *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher for the config file at path.
func NewWatcher(path string, onChange func(*Config), log *logging.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.Get()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:     path,
		watcher:  fw,
		onChange: onChange,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic saves (write temp, rename over) keep working.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()

	w.log.Debug("Config watcher started", map[string]interface{}{"path": w.path})
	return nil
}

// Stop halts watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	close(w.done)
	w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Config watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Reset(reloadDebounce)
		return
	}
	w.timer = time.AfterFunc(reloadDebounce, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		w.reload()
	})
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("Ignoring invalid config update",
			map[string]interface{}{"path": w.path, "error": err.Error()})
		return
	}

	w.log.Info("Config reloaded", map[string]interface{}{"path": w.path})
	w.onChange(cfg)
}
