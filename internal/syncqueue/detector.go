package syncqueue

import (
	"encoding/json"

	"github.com/driftline/driftline/internal/models"
)

// DetectorFunc decides whether a local mutation conflicts with the remote
// state of the same entity. It returns true when the mutation must be
// quarantined instead of applied.
type DetectorFunc func(item models.QueueItem, remote json.RawMessage) (bool, error)

// RegisterConflictDetector installs the detector for an entity type,
// replacing any previous one.
func (q *Queue) RegisterConflictDetector(entityType string, fn DetectorFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.detectors[entityType] = fn
}

// DetectConflict runs the registered detector for the item's entity type.
// Entity types without a detector never conflict.
func (q *Queue) DetectConflict(item models.QueueItem, remote json.RawMessage) (bool, error) {
	q.mu.Lock()
	fn, ok := q.detectors[item.EntityType]
	q.mu.Unlock()

	if !ok {
		return false, nil
	}
	return fn(item, remote)
}
