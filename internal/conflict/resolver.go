// Package conflict resolves quarantined sync conflicts. A conflicted queue
// item holds both the local mutation and the server's state; resolution
// picks a side, merges, or drops the mutation entirely.
package conflict

import (
	"context"
	"encoding/json"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/kvstore"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/syncqueue"
)

// Choice names a resolution action.
type Choice string

const (
	// KeepLocal re-arms the local mutation for another sync attempt.
	KeepLocal Choice = "keep_local"
	// KeepRemote applies the server's state locally and drops the mutation.
	KeepRemote Choice = "keep_remote"
	// Merge combines both sides through the entity's merger and re-arms
	// the merged mutation.
	Merge Choice = "merge"
	// Dismiss drops the mutation without touching local or remote state.
	Dismiss Choice = "dismiss"
)

// MergeFunc combines a local mutation payload with remote state into a new
// payload. Registered per entity type.
type MergeFunc func(local, remote json.RawMessage) (json.RawMessage, error)

// RemoteFetcher retrieves the server's current state of an entity. A nil
// remote with nil error means the entity no longer exists remotely.
type RemoteFetcher interface {
	Fetch(ctx context.Context, entityType, entityID string) (json.RawMessage, error)
}

// Resolver applies resolution choices to quarantined queue items.
type Resolver struct {
	queue   *syncqueue.Queue
	store   *kvstore.Store
	fetcher RemoteFetcher
	mergers map[string]MergeFunc
	log     *logging.Logger
}

// New creates a Resolver. fetcher may be nil; merge and remote refresh then
// fall back to the state captured when the conflict was detected.
func New(queue *syncqueue.Queue, store *kvstore.Store, fetcher RemoteFetcher, log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.Get()
	}
	return &Resolver{
		queue:   queue,
		store:   store,
		fetcher: fetcher,
		mergers: make(map[string]MergeFunc),
		log:     log,
	}
}

// RegisterMerger installs the merge function for an entity type.
func (r *Resolver) RegisterMerger(entityType string, fn MergeFunc) {
	r.mergers[entityType] = fn
}

// List returns all unresolved conflicts, oldest first.
func (r *Resolver) List() []models.ConflictRecord {
	return r.queue.Conflicts()
}

// FetchRemote returns the server's current state for a conflicted item,
// falling back to the snapshot in the conflict record when no fetcher is
// wired or the server cannot be reached.
func (r *Resolver) FetchRemote(ctx context.Context, itemID string) (json.RawMessage, error) {
	rec, ok := r.queue.GetConflict(itemID)
	if !ok {
		return nil, errors.New(errors.ErrQueueItemNotFound, "no conflict for item "+itemID)
	}

	if r.fetcher == nil {
		return rec.Remote, nil
	}

	remote, err := r.fetcher.Fetch(ctx, rec.EntityType, rec.EntityID)
	if err != nil {
		r.log.Warn("Remote refresh failed, using captured conflict state",
			map[string]interface{}{"item_id": itemID, "error": err.Error()})
		return rec.Remote, nil
	}
	return remote, nil
}

// Resolve applies a resolution choice to a conflicted item.
func (r *Resolver) Resolve(ctx context.Context, itemID string, choice Choice) error {
	rec, ok := r.queue.GetConflict(itemID)
	if !ok {
		return errors.New(errors.ErrQueueItemNotFound, "no conflict for item "+itemID)
	}

	r.log.Info("Resolving conflict",
		map[string]interface{}{
			"item_id":     itemID,
			"entity_type": rec.EntityType,
			"entity_id":   rec.EntityID,
			"choice":      string(choice),
		})

	switch choice {
	case KeepLocal:
		return r.queue.Rearm(itemID, nil)
	case KeepRemote:
		return r.keepRemote(ctx, itemID, rec)
	case Merge:
		return r.merge(ctx, itemID, rec)
	case Dismiss:
		return r.queue.Remove(itemID)
	default:
		return errors.New(errors.ErrConflictUnresolved, "unknown resolution choice "+string(choice))
	}
}

// keepRemote writes the server's state into the local record cache and
// drops the conflicted mutation.
func (r *Resolver) keepRemote(ctx context.Context, itemID string, rec models.ConflictRecord) error {
	remote, err := r.FetchRemote(ctx, itemID)
	if err != nil {
		return err
	}

	key := rec.EntityType + ":" + rec.EntityID
	if remote == nil {
		// entity deleted remotely; the local copy goes too
		r.store.Remove(kvstore.PartitionRecords, key)
	} else {
		r.store.Set(kvstore.PartitionRecords, key, remote)
	}

	return r.queue.Remove(itemID)
}

// merge runs the entity's merger over both sides and re-arms the result.
// The merged payload is checked against the conflict detector once; a merge
// that still conflicts is rejected rather than looped.
func (r *Resolver) merge(ctx context.Context, itemID string, rec models.ConflictRecord) error {
	fn, ok := r.mergers[rec.EntityType]
	if !ok {
		return errors.New(errors.ErrMergeRequired,
			"no merger registered for entity type "+rec.EntityType)
	}

	item, ok := r.queue.Get(itemID)
	if !ok {
		return errors.New(errors.ErrQueueItemNotFound, "item "+itemID+" not found")
	}

	remote, err := r.FetchRemote(ctx, itemID)
	if err != nil {
		return err
	}

	merged, err := fn(item.Payload, remote)
	if err != nil {
		return errors.Wrap(errors.ErrConflictUnresolved, "merge failed", err)
	}

	check := item
	check.Payload = merged
	if hit, derr := r.queue.DetectConflict(check, remote); derr != nil {
		return errors.Wrap(errors.ErrConflictUnresolved, "post-merge conflict check failed", derr)
	} else if hit {
		return errors.New(errors.ErrConflictUnresolved,
			"merged payload still conflicts with remote state")
	}

	r.store.Set(kvstore.PartitionRecords, rec.EntityType+":"+rec.EntityID, merged)
	return r.queue.Rearm(itemID, merged)
}
