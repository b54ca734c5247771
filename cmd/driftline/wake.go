package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/driftline/driftline/internal/logging"
)

// wakeFile records pending-work nudges by touching a marker file in the data
// directory. Platform schedulers (launchd, systemd path units) can watch the
// file to wake the daemon after the enqueuing process exits.
type wakeFile struct {
	path string
	log  *logging.Logger
}

func newWakeFile(dataDir string, log *logging.Logger) *wakeFile {
	return &wakeFile{
		path: filepath.Join(dataDir, "wake"),
		log:  log,
	}
}

func (w *wakeFile) RegisterWake(tag string) {
	if err := os.WriteFile(w.path, []byte(tag+" "+time.Now().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		w.log.Debug("Wake marker write failed",
			map[string]interface{}{"path": w.path, "error": err.Error()})
	}
}
