package kvstore

import "sync"

// MemoryBackend is the last-resort backend: nothing survives a restart, but
// the engine keeps working when no durable mechanism is available.
type MemoryBackend struct {
	mu         sync.RWMutex
	partitions map[string]map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		partitions: make(map[string]map[string][]byte),
	}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Get(partition, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.partitions[partition]
	if !ok {
		return nil, false, nil
	}
	value, ok := p[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (b *MemoryBackend) Set(partition, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.partitions[partition]
	if !ok {
		p = make(map[string][]byte)
		b.partitions[partition] = p
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	p[key] = stored
	return nil
}

func (b *MemoryBackend) Delete(partition, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.partitions[partition]; ok {
		delete(p, key)
	}
	return nil
}

func (b *MemoryBackend) Keys(partition string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.partitions[partition]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	return keys, nil
}

func (b *MemoryBackend) Clear(partition string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.partitions, partition)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
