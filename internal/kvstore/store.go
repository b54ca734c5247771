package kvstore

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/logging"
)

// envelope wraps every stored value. ExpiresAt is unix milliseconds;
// 0 means "never expires".
type envelope struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at,omitempty"`
}

// Entry is a single key/value pair for bulk writes.
type Entry struct {
	Key   string
	Value interface{}
	TTL   time.Duration
}

// Store is the partitioned durable key/value store. Backend errors never
// cross this API: reads return nil, writes become no-ops, and everything is
// logged, because loss of the offline cache must never crash the host.
// Worst case is a cache miss forcing a remote refetch.
type Store struct {
	backend Backend
	log     *logging.Logger

	workerMu      sync.Mutex
	worker        *bulkWorker
	workerEnabled bool
}

// Open selects a backend from the factory chain and returns a ready store.
func Open(log *logging.Logger, factories []Factory) *Store {
	if log == nil {
		log = logging.Get()
	}
	return &Store{
		backend: selectBackend(log, factories),
		log:     log,
	}
}

// NewWithBackend wraps an already-open backend. Used by tests and by callers
// that manage backend lifetime themselves.
func NewWithBackend(backend Backend, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Get()
	}
	return &Store{backend: backend, log: log}
}

// BackendName reports which backend the fallback chain selected.
func (s *Store) BackendName() string {
	return s.backend.Name()
}

// EnableWorker routes bulk operations through a background worker goroutine.
// The synchronous path remains as fallback and both are behaviorally
// indistinguishable to callers.
func (s *Store) EnableWorker() {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	s.workerEnabled = true
	if s.worker == nil {
		s.worker = newBulkWorker(s)
	}
}

// activeWorker returns a live worker, respawning one that has died.
// A dead worker rejected its in-flight requests; the next bulk call simply
// re-initializes it.
func (s *Store) activeWorker() *bulkWorker {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	if !s.workerEnabled {
		return nil
	}
	if s.worker == nil || s.worker.dead() {
		s.worker = newBulkWorker(s)
	}
	return s.worker
}

// Close shuts down the worker (if any) and the backend.
func (s *Store) Close() {
	s.workerMu.Lock()
	s.workerEnabled = false
	if s.worker != nil {
		s.worker.shutdown()
		s.worker = nil
	}
	s.workerMu.Unlock()

	if err := s.backend.Close(); err != nil {
		s.log.Error("Failed to close storage backend", err)
	}
}

// Get returns the raw value for a key, or nil when the key is missing,
// expired, or the backend failed. Expiry is lazy: an expired entry is
// evicted on access.
func (s *Store) Get(partition, key string) json.RawMessage {
	data, ok, err := s.backend.Get(partition, key)
	if err != nil {
		s.log.ErrorWithCode("Storage read failed", string(errors.ErrStorageBackend), err,
			map[string]interface{}{"partition": partition, "key": key})
		return nil
	}
	if !ok {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.ErrorWithCode("Corrupt stored envelope", string(errors.ErrSerialization), err,
			map[string]interface{}{"partition": partition, "key": key})
		return nil
	}

	if env.ExpiresAt > 0 && env.ExpiresAt <= time.Now().UnixMilli() {
		s.Remove(partition, key)
		return nil
	}

	return env.Value
}

// GetJSON decodes the value for a key into dest, reporting whether a live
// value was found.
func (s *Store) GetJSON(partition, key string, dest interface{}) bool {
	raw := s.Get(partition, key)
	if raw == nil {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		s.log.ErrorWithCode("Failed to decode stored value", string(errors.ErrSerialization), err,
			map[string]interface{}{"partition": partition, "key": key})
		return false
	}
	return true
}

// Set stores a value with no expiry.
func (s *Store) Set(partition, key string, value interface{}) {
	s.SetTTL(partition, key, value, 0)
}

// SetTTL stores a value that expires after ttl. A zero ttl never expires.
func (s *Store) SetTTL(partition, key string, value interface{}, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		s.log.ErrorWithCode("Failed to encode value", string(errors.ErrSerialization), err,
			map[string]interface{}{"partition": partition, "key": key})
		return
	}

	env := envelope{Value: raw}
	if ttl > 0 {
		env.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	}

	data, err := json.Marshal(env)
	if err != nil {
		s.log.ErrorWithCode("Failed to encode envelope", string(errors.ErrSerialization), err,
			map[string]interface{}{"partition": partition, "key": key})
		return
	}

	if err := s.backend.Set(partition, key, data); err != nil {
		s.log.ErrorWithCode("Storage write failed", string(errors.ErrStorageBackend), err,
			map[string]interface{}{"partition": partition, "key": key})
	}
}

// Remove deletes a key. Removing a missing key is a no-op.
func (s *Store) Remove(partition, key string) {
	if err := s.backend.Delete(partition, key); err != nil {
		s.log.ErrorWithCode("Storage delete failed", string(errors.ErrStorageBackend), err,
			map[string]interface{}{"partition": partition, "key": key})
	}
}

// Clear removes every key in one partition. Other partitions are untouched.
func (s *Store) Clear(partition string) {
	if err := s.backend.Clear(partition); err != nil {
		s.log.ErrorWithCode("Storage clear failed", string(errors.ErrStorageBackend), err,
			map[string]interface{}{"partition": partition})
	}
}

// Keys returns all keys in a partition, including keys whose values have
// expired but not yet been swept. Run CleanupExpired first when that matters.
func (s *Store) Keys(partition string) []string {
	keys, err := s.backend.Keys(partition)
	if err != nil {
		s.log.ErrorWithCode("Storage keys failed", string(errors.ErrStorageBackend), err,
			map[string]interface{}{"partition": partition})
		return nil
	}
	return keys
}

// BulkGet returns the live values for a set of keys. Missing and expired
// keys are absent from the result. When the background worker is enabled the
// read is delegated to it; otherwise it runs in-thread.
func (s *Store) BulkGet(partition string, keys []string) map[string]json.RawMessage {
	if w := s.activeWorker(); w != nil {
		if result, ok := w.bulkGet(partition, keys); ok {
			return result
		}
		// worker unreachable; fall back to the in-thread path
	}
	return s.bulkGetSync(partition, keys)
}

func (s *Store) bulkGetSync(partition string, keys []string) map[string]json.RawMessage {
	result := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		if value := s.Get(partition, key); value != nil {
			result[key] = value
		}
	}
	return result
}

// BulkSet stores a batch of entries. Delegated to the worker when enabled.
func (s *Store) BulkSet(partition string, entries []Entry) {
	if w := s.activeWorker(); w != nil {
		if w.bulkSet(partition, entries) {
			return
		}
	}
	s.bulkSetSync(partition, entries)
}

func (s *Store) bulkSetSync(partition string, entries []Entry) {
	for _, e := range entries {
		s.SetTTL(partition, e.Key, e.Value, e.TTL)
	}
}

// CleanupExpired sweeps a partition, evicting every expired entry, and
// returns the number removed. Expiry is otherwise lazy (checked on read);
// hosts schedule this as a cooperative maintenance task.
func (s *Store) CleanupExpired(partition string) int {
	keys, err := s.backend.Keys(partition)
	if err != nil {
		s.log.ErrorWithCode("Storage sweep failed", string(errors.ErrStorageBackend), err,
			map[string]interface{}{"partition": partition})
		return 0
	}

	now := time.Now().UnixMilli()
	removed := 0

	for _, key := range keys {
		data, ok, err := s.backend.Get(partition, key)
		if err != nil || !ok {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.ExpiresAt > 0 && env.ExpiresAt <= now {
			s.Remove(partition, key)
			removed++
		}
	}

	if removed > 0 {
		s.log.Debug("Swept expired entries",
			map[string]interface{}{"partition": partition, "removed": removed})
	}
	return removed
}
