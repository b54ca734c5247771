package kvstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend is the degraded fallback: one JSON document per partition,
// rewritten atomically on every mutation. Slower and coarser than sqlite,
// but it needs nothing beyond a writable directory.
type FileBackend struct {
	mu  sync.Mutex
	dir string
}

// OpenFileBackend creates a JSON-file backend rooted at dir.
func OpenFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) path(partition string) string {
	return filepath.Join(b.dir, partition+".json")
}

// load reads a partition document. A missing file is an empty partition.
func (b *FileBackend) load(partition string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(b.path(partition))
	if os.IsNotExist(err) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}

	entries := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("corrupt partition file %s: %w", partition, err)
		}
	}
	return entries, nil
}

// save writes a partition document via temp file + rename so a crash cannot
// leave a half-written file.
func (b *FileBackend) save(partition string, entries map[string]json.RawMessage) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	tmp := b.path(partition) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path(partition))
}

func (b *FileBackend) Get(partition, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.load(partition)
	if err != nil {
		return nil, false, err
	}
	value, ok := entries[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(value), true, nil
}

func (b *FileBackend) Set(partition, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.load(partition)
	if err != nil {
		return err
	}
	entries[key] = json.RawMessage(value)
	return b.save(partition, entries)
}

func (b *FileBackend) Delete(partition, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.load(partition)
	if err != nil {
		return err
	}
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return b.save(partition, entries)
}

func (b *FileBackend) Keys(partition string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.load(partition)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (b *FileBackend) Clear(partition string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := os.Remove(b.path(partition))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b *FileBackend) Close() error { return nil }
