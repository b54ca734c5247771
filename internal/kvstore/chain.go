package kvstore

import (
	"path/filepath"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/logging"
)

// Factory constructs a backend. Factories are tried in priority order and
// the first success is cached for the store's lifetime; a failing factory
// logs and falls through instead of surfacing an error.
type Factory struct {
	Name string
	New  func() (Backend, error)
}

// DefaultChain returns the standard fallback order for dataDir:
// sqlite, then JSON files, then in-memory.
func DefaultChain(dataDir string) []Factory {
	return []Factory{
		{Name: "sqlite", New: func() (Backend, error) {
			return OpenSQLite(dataDir)
		}},
		{Name: "file", New: func() (Backend, error) {
			return OpenFileBackend(filepath.Join(dataDir, "partitions"))
		}},
		{Name: "memory", New: func() (Backend, error) {
			return NewMemoryBackend(), nil
		}},
	}
}

// selectBackend walks the chain and returns the first backend that opens.
// It never fails: when every factory errors, an in-memory backend is
// returned so loss of storage cannot crash the host.
func selectBackend(log *logging.Logger, factories []Factory) Backend {
	for _, f := range factories {
		backend, err := f.New()
		if err != nil {
			log.ErrorWithCode("Storage backend unavailable, falling through",
				string(errors.ErrStorageUnavailable), err,
				map[string]interface{}{"backend": f.Name})
			continue
		}
		log.Info("Storage backend selected",
			map[string]interface{}{"backend": backend.Name()})
		return backend
	}

	log.Warn("All storage backends failed, using in-memory fallback")
	return NewMemoryBackend()
}
