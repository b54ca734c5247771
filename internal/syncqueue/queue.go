// Package syncqueue provides the durable offline mutation queue.
//
// Items move through a five-state machine (pending, in_flight, synced,
// failed, conflict). Every transition is persisted to the queue partition of
// the durable store before listeners are notified, so a process restart
// rehydrates the exact queue state.
package syncqueue

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/kvstore"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/uuid"
)

const (
	itemKeyPrefix     = "item:"
	conflictKeyPrefix = "conflict:"
)

// WakeRegistrar is notified, best effort, whenever new pending work exists
// so sync can resume even without the enqueuing caller staying around.
// Absence of platform support is not an error; the default is a no-op.
type WakeRegistrar interface {
	RegisterWake(tag string)
}

// WakeTag labels wake registrations raised by this queue.
const WakeTag = "driftline-sync"

// Queue is the durable sync queue. All mutation goes through the Mark*
// methods; the executor reports outcomes and this queue owns the state.
type Queue struct {
	mu        sync.Mutex
	store     *kvstore.Store
	items     map[string]*models.QueueItem
	conflicts map[string]*models.ConflictRecord // keyed by item id
	seq       int64

	listeners      map[int]func(Event)
	nextListenerID int

	detectors map[string]DetectorFunc

	policy *BackoffPolicy
	wake   WakeRegistrar
	now    func() time.Time
	log    *logging.Logger

	lastUpdatedAt int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithBackoffPolicy overrides the retry policy.
func WithBackoffPolicy(p *BackoffPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithWakeRegistrar installs a background-wake trigger.
func WithWakeRegistrar(w WakeRegistrar) Option {
	return func(q *Queue) { q.wake = w }
}

// WithNowFunc overrides the clock. Tests use this to step time instead of
// sleeping through backoff windows.
func WithNowFunc(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue backed by the given store, rehydrating any persisted
// items and conflict records.
func New(store *kvstore.Store, log *logging.Logger, opts ...Option) *Queue {
	if log == nil {
		log = logging.Get()
	}

	q := &Queue{
		store:     store,
		items:     make(map[string]*models.QueueItem),
		conflicts: make(map[string]*models.ConflictRecord),
		listeners: make(map[int]func(Event)),
		detectors: make(map[string]DetectorFunc),
		policy:    DefaultBackoffPolicy(),
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(q)
	}

	q.rehydrate()
	return q
}

// rehydrate loads persisted queue state. Items stuck in_flight from a crash
// mid-dispatch are reset to pending so they get retried.
func (q *Queue) rehydrate() {
	keys := q.store.Keys(kvstore.PartitionQueue)
	if len(keys) == 0 {
		return
	}

	values := q.store.BulkGet(kvstore.PartitionQueue, keys)
	restored := 0

	for key, raw := range values {
		switch {
		case len(key) > len(itemKeyPrefix) && key[:len(itemKeyPrefix)] == itemKeyPrefix:
			var item models.QueueItem
			if err := json.Unmarshal(raw, &item); err != nil {
				q.log.ErrorWithCode("Dropping corrupt queue item", string(errors.ErrSerialization), err,
					map[string]interface{}{"key": key})
				q.store.Remove(kvstore.PartitionQueue, key)
				continue
			}
			if item.Status == models.StatusInFlight {
				item.Status = models.StatusPending
			}
			q.items[item.ID] = &item
			if item.Seq > q.seq {
				q.seq = item.Seq
			}
			restored++
		case len(key) > len(conflictKeyPrefix) && key[:len(conflictKeyPrefix)] == conflictKeyPrefix:
			var rec models.ConflictRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				q.store.Remove(kvstore.PartitionQueue, key)
				continue
			}
			q.conflicts[rec.ItemID] = &rec
		}
	}

	if restored > 0 {
		q.log.Info("Sync queue rehydrated",
			map[string]interface{}{"items": restored, "conflicts": len(q.conflicts)})
	}
}

// persistItem writes an item to the queue partition.
func (q *Queue) persistItem(item *models.QueueItem) {
	q.store.Set(kvstore.PartitionQueue, itemKeyPrefix+item.ID, item)
}

func (q *Queue) removeItemLocked(item *models.QueueItem) {
	delete(q.items, item.ID)
	q.store.Remove(kvstore.PartitionQueue, itemKeyPrefix+item.ID)
	if _, ok := q.conflicts[item.ID]; ok {
		delete(q.conflicts, item.ID)
		q.store.Remove(kvstore.PartitionQueue, conflictKeyPrefix+item.ID)
	}
}

// Enqueue creates a pending item, persists it, emits an enqueue event, and
// nudges the wake registrar.
func (q *Queue) Enqueue(entityType, entityID string, op models.Operation, payload json.RawMessage, metadata map[string]interface{}) models.QueueItem {
	q.mu.Lock()

	now := q.now().UnixMilli()
	q.seq++

	item := &models.QueueItem{
		ID:         uuid.New(),
		Seq:        q.seq,
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
		Status:     models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   metadata,
	}

	q.items[item.ID] = item
	q.persistItem(item)
	q.lastUpdatedAt = now
	snapshot := *item
	q.mu.Unlock()

	q.log.Debug("Enqueued mutation",
		map[string]interface{}{
			"item_id":     item.ID,
			"entity_type": entityType,
			"entity_id":   entityID,
			"operation":   string(op),
		})

	q.emit(Event{Type: EventEnqueue, Item: &snapshot})

	if q.wake != nil {
		q.wake.RegisterWake(WakeTag)
	}

	return snapshot
}

// BatchPeek returns up to limit eligible pending items, oldest first.
// Eligible means pending, attempts below the maximum, and scheduledAt absent
// or already due. Items are copies; callers cannot mutate queue state.
func (q *Queue) BatchPeek(limit int) []models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixMilli()
	var eligible []*models.QueueItem

	for _, item := range q.items {
		if item.Eligible(now, q.policy.MaxAttempts) {
			eligible = append(eligible, item)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].CreatedAt != eligible[j].CreatedAt {
			return eligible[i].CreatedAt < eligible[j].CreatedAt
		}
		return eligible[i].Seq < eligible[j].Seq
	})

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]models.QueueItem, len(eligible))
	for i, item := range eligible {
		out[i] = *item
	}
	return out
}

// MarkInFlight transitions a pending item to in_flight.
func (q *Queue) MarkInFlight(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return errors.New(errors.ErrQueueItemNotFound, "item "+id+" not found")
	}
	if item.Status != models.StatusPending {
		return errors.New(errors.ErrQueueTransition,
			"cannot dispatch item in state "+string(item.Status))
	}

	now := q.now().UnixMilli()
	item.Status = models.StatusInFlight
	item.UpdatedAt = now
	item.LastAttemptAt = now
	q.persistItem(item)
	q.lastUpdatedAt = now
	return nil
}

// Requeue returns an in-flight item to pending without recording an
// attempt. Used when a dispatch is abandoned before the item reaches the
// wire, such as during shutdown.
func (q *Queue) Requeue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok || item.Status != models.StatusInFlight {
		return
	}

	now := q.now().UnixMilli()
	item.Status = models.StatusPending
	item.UpdatedAt = now
	q.persistItem(item)
	q.lastUpdatedAt = now
}

// Defer reschedules an in-flight item with a backoff delay but without
// charging an attempt. Used when the mutation could not be tried at all,
// such as when the server is unreachable; the delay keeps retries from
// spinning while the outage lasts.
func (q *Queue) Defer(id string, errMsg string) {
	q.mu.Lock()

	item, ok := q.items[id]
	if !ok || item.Status != models.StatusInFlight {
		q.mu.Unlock()
		return
	}

	now := q.now().UnixMilli()
	item.Status = models.StatusPending
	item.LastError = errMsg
	item.UpdatedAt = now
	item.ScheduledAt = now + q.policy.Delay(item.Attempts).Milliseconds()
	q.persistItem(item)
	q.lastUpdatedAt = now
	snapshot := *item
	q.mu.Unlock()

	q.log.Warn("Mutation deferred",
		map[string]interface{}{
			"item_id":      id,
			"scheduled_at": snapshot.ScheduledAt,
			"error":        errMsg,
		})

	q.emit(Event{Type: EventFailure, Item: &snapshot})
}

// MarkSuccess transitions an item to synced. Calling it on an already
// synced item is a no-op: counts stay the same and no second event fires.
func (q *Queue) MarkSuccess(id string) {
	q.mu.Lock()

	item, ok := q.items[id]
	if !ok || item.Status == models.StatusSynced {
		q.mu.Unlock()
		return
	}

	now := q.now().UnixMilli()
	item.Status = models.StatusSynced
	item.UpdatedAt = now
	item.LastError = ""
	q.persistItem(item)
	q.lastUpdatedAt = now
	snapshot := *item
	q.mu.Unlock()

	q.log.Debug("Mutation synced", map[string]interface{}{"item_id": id})
	q.emit(Event{Type: EventSuccess, Item: &snapshot})
}

// MarkFailure records a failed attempt. Below the attempt cap the item goes
// back to pending with a jittered backoff; at the cap it becomes failed and
// stays put until a manual retry. Only in_flight items are affected, so a
// stale failure report cannot pull a quarantined or resolved item back
// into rotation.
func (q *Queue) MarkFailure(id string, errMsg string) {
	q.mu.Lock()

	item, ok := q.items[id]
	if !ok || item.Status != models.StatusInFlight {
		q.mu.Unlock()
		return
	}

	now := q.now().UnixMilli()
	item.Attempts++
	item.LastError = errMsg
	item.LastAttemptAt = now
	item.UpdatedAt = now

	if q.policy.Exhausted(item.Attempts) {
		item.Status = models.StatusFailed
		item.ScheduledAt = 0
	} else {
		delay := q.policy.Delay(item.Attempts)
		item.Status = models.StatusPending
		item.ScheduledAt = now + delay.Milliseconds()
	}

	q.persistItem(item)
	q.lastUpdatedAt = now
	snapshot := *item
	q.mu.Unlock()

	if snapshot.Status == models.StatusFailed {
		q.log.ErrorWithCode("Mutation failed permanently",
			string(errors.ErrAttemptsExhausted), nil,
			map[string]interface{}{"item_id": id, "attempts": snapshot.Attempts, "error": errMsg})
	} else {
		q.log.Warn("Mutation failed, scheduled for retry",
			map[string]interface{}{
				"item_id":      id,
				"attempts":     snapshot.Attempts,
				"scheduled_at": snapshot.ScheduledAt,
				"error":        errMsg,
			})
	}

	q.emit(Event{Type: EventFailure, Item: &snapshot})
}

// MarkConflict quarantines an item: it lands in the conflict state with a
// conflict record and waits for explicit resolution. Attempts are not
// incremented and no retry is scheduled, whatever the current counts are.
func (q *Queue) MarkConflict(id string, local, remote json.RawMessage, message string) {
	q.mu.Lock()

	item, ok := q.items[id]
	if !ok || item.Status == models.StatusSynced {
		q.mu.Unlock()
		return
	}

	now := q.now().UnixMilli()
	item.Status = models.StatusConflict
	item.UpdatedAt = now
	item.LastError = message

	rec := &models.ConflictRecord{
		ID:         uuid.New(),
		ItemID:     item.ID,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Operation:  item.Operation,
		Local:      local,
		Remote:     remote,
		Message:    message,
		Resolution: models.ResolutionUnresolved,
		DetectedAt: now,
	}

	q.conflicts[item.ID] = rec
	q.persistItem(item)
	q.store.Set(kvstore.PartitionQueue, conflictKeyPrefix+item.ID, rec)
	q.lastUpdatedAt = now

	itemCopy := *item
	recCopy := *rec
	q.mu.Unlock()

	q.log.Warn("Conflict detected, item quarantined",
		map[string]interface{}{
			"item_id":     id,
			"entity_type": itemCopy.EntityType,
			"entity_id":   itemCopy.EntityID,
		})

	q.emit(Event{Type: EventConflict, Item: &itemCopy, Conflict: &recCopy})
}

// Get returns a copy of an item.
func (q *Queue) Get(id string) (models.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return models.QueueItem{}, false
	}
	return *item, true
}

// Conflicts returns copies of all unresolved conflict records.
func (q *Queue) Conflicts() []models.ConflictRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.ConflictRecord, 0, len(q.conflicts))
	for _, rec := range q.conflicts {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt < out[j].DetectedAt })
	return out
}

// GetConflict returns the conflict record for an item.
func (q *Queue) GetConflict(itemID string) (models.ConflictRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.conflicts[itemID]
	if !ok {
		return models.ConflictRecord{}, false
	}
	return *rec, true
}

// Snapshot returns a read-only summary for UI polling.
func (q *Queue) Snapshot() models.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := models.Snapshot{
		Items:         make([]models.QueueItem, 0, len(q.items)),
		LastUpdatedAt: q.lastUpdatedAt,
	}

	for _, item := range q.items {
		snap.Items = append(snap.Items, *item)
		switch item.Status {
		case models.StatusPending, models.StatusInFlight:
			snap.Pending++
		case models.StatusFailed:
			snap.Failed++
		case models.StatusConflict:
			snap.Conflicts++
		}
	}

	sort.Slice(snap.Items, func(i, j int) bool {
		if snap.Items[i].CreatedAt != snap.Items[j].CreatedAt {
			return snap.Items[i].CreatedAt < snap.Items[j].CreatedAt
		}
		return snap.Items[i].Seq < snap.Items[j].Seq
	})

	return snap
}

// RetryItem manually re-arms a failed item as pending with attempts reset.
func (q *Queue) RetryItem(id string) error {
	q.mu.Lock()

	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return errors.New(errors.ErrQueueItemNotFound, "item "+id+" not found")
	}
	if item.Status != models.StatusFailed {
		q.mu.Unlock()
		return errors.New(errors.ErrQueueTransition,
			"manual retry requires a failed item, got "+string(item.Status))
	}

	q.rearmLocked(item, nil)
	snapshot := *item
	q.mu.Unlock()

	q.emit(Event{Type: EventEnqueue, Item: &snapshot})
	if q.wake != nil {
		q.wake.RegisterWake(WakeTag)
	}
	return nil
}

// Rearm resets a conflicted item to pending with attempts cleared, for the
// keep-local and merge resolutions. A non-nil payload replaces the item's
// payload (the merge result).
func (q *Queue) Rearm(id string, payload json.RawMessage) error {
	q.mu.Lock()

	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return errors.New(errors.ErrQueueItemNotFound, "item "+id+" not found")
	}
	if item.Status != models.StatusConflict {
		q.mu.Unlock()
		return errors.New(errors.ErrQueueTransition,
			"rearm requires a conflicted item, got "+string(item.Status))
	}

	if payload != nil {
		item.Payload = payload
	}
	q.rearmLocked(item, nil)

	if _, found := q.conflicts[id]; found {
		delete(q.conflicts, id)
		q.store.Remove(kvstore.PartitionQueue, conflictKeyPrefix+id)
	}

	snapshot := *item
	q.mu.Unlock()

	q.emit(Event{Type: EventEnqueue, Item: &snapshot})
	if q.wake != nil {
		q.wake.RegisterWake(WakeTag)
	}
	return nil
}

// rearmLocked resets an item to a fresh pending state. Caller holds the lock.
func (q *Queue) rearmLocked(item *models.QueueItem, payload json.RawMessage) {
	now := q.now().UnixMilli()
	if payload != nil {
		item.Payload = payload
	}
	item.Status = models.StatusPending
	item.Attempts = 0
	item.ScheduledAt = 0
	item.LastError = ""
	item.UpdatedAt = now
	q.persistItem(item)
	q.lastUpdatedAt = now
}

// Remove drops an item (and its conflict record, if any) from the queue.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()

	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return errors.New(errors.ErrQueueItemNotFound, "item "+id+" not found")
	}

	q.removeItemLocked(item)
	q.lastUpdatedAt = q.now().UnixMilli()
	q.mu.Unlock()

	q.emit(Event{Type: EventCleared})
	return nil
}

// ClearSynced garbage-collects synced items, returning the count removed.
func (q *Queue) ClearSynced() int {
	return q.clearWhere(func(item *models.QueueItem) bool {
		return item.Status == models.StatusSynced
	})
}

// ClearAll removes every item, returning the count removed.
func (q *Queue) ClearAll() int {
	return q.clearWhere(func(*models.QueueItem) bool { return true })
}

func (q *Queue) clearWhere(match func(*models.QueueItem) bool) int {
	q.mu.Lock()

	removed := 0
	for _, item := range q.items {
		if match(item) {
			q.removeItemLocked(item)
			removed++
		}
	}
	if removed > 0 {
		q.lastUpdatedAt = q.now().UnixMilli()
	}
	q.mu.Unlock()

	if removed > 0 {
		q.log.Debug("Queue garbage collected",
			map[string]interface{}{"removed": removed})
		q.emit(Event{Type: EventCleared})
	}
	return removed
}
