// Package kvstore provides partitioned, crash-durable key/value storage with
// expiry semantics. Values are wrapped in a {value, expiresAt} envelope and a
// uniform API is exposed regardless of which durable mechanism is available:
// backends are tried in priority order (sqlite, JSON files, in-memory) and
// the first healthy one is cached for the store's lifetime.
package kvstore

// Reserved partition names. The queue and the domain cache share the store
// but live in separate partitions so clearing one cannot destroy the other.
const (
	PartitionRecords = "records"
	PartitionQueue   = "queue"
	PartitionMeta    = "meta"
	PartitionCache   = "cache"
)

// Backend is a raw partitioned key/value mechanism. Implementations store
// opaque envelope bytes and know nothing about expiry.
type Backend interface {
	// Name identifies the backend for logging and diagnostics.
	Name() string

	// Get returns the stored bytes and whether the key exists.
	Get(partition, key string) ([]byte, bool, error)

	// Set stores bytes under a key, overwriting any previous value.
	Set(partition, key string, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(partition, key string) error

	// Keys returns all keys in a partition.
	Keys(partition string) ([]string, error)

	// Clear removes every key in a partition.
	Clear(partition string) error

	// Close releases backend resources.
	Close() error
}
