package conflict

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/driftline/driftline/internal/kvstore"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/syncqueue"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, logging.LevelError)
}

// fakeFetcher returns canned remote state per entity key.
type fakeFetcher struct {
	remote map[string]json.RawMessage
	err    error
	calls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, entityType, entityID string) (json.RawMessage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.remote[entityType+":"+entityID], nil
}

// conflictedItem enqueues an item and drives it into the conflict state.
func conflictedItem(t *testing.T, q *syncqueue.Queue, local, remote string) models.QueueItem {
	t.Helper()

	item := q.Enqueue("note", "n1", models.OperationUpdate, json.RawMessage(local), nil)
	if err := q.MarkInFlight(item.ID); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	q.MarkConflict(item.ID, json.RawMessage(local), json.RawMessage(remote), "diverged")
	return item
}

func newTestResolver(t *testing.T, fetcher RemoteFetcher) (*Resolver, *syncqueue.Queue, *kvstore.Store) {
	t.Helper()
	store := kvstore.NewWithBackend(kvstore.NewMemoryBackend(), testLogger())
	queue := syncqueue.New(store, testLogger())
	return New(queue, store, fetcher, testLogger()), queue, store
}

func TestResolveKeepLocal(t *testing.T) {
	r, q, _ := newTestResolver(t, nil)
	item := conflictedItem(t, q, `{"title":"mine"}`, `{"title":"theirs"}`)

	if err := r.Resolve(context.Background(), item.ID, KeepLocal); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got, _ := q.Get(item.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if string(got.Payload) != `{"title":"mine"}` {
		t.Errorf("payload changed: %s", got.Payload)
	}
	if len(r.List()) != 0 {
		t.Error("conflict record should be cleared")
	}
}

func TestResolveKeepRemote(t *testing.T) {
	fetcher := &fakeFetcher{remote: map[string]json.RawMessage{
		"note:n1": json.RawMessage(`{"title":"theirs","v":2}`),
	}}
	r, q, store := newTestResolver(t, fetcher)
	item := conflictedItem(t, q, `{"title":"mine"}`, `{"title":"theirs"}`)

	if err := r.Resolve(context.Background(), item.ID, KeepRemote); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if _, ok := q.Get(item.ID); ok {
		t.Error("mutation should be dropped")
	}
	cached := store.Get(kvstore.PartitionRecords, "note:n1")
	if string(cached) != `{"title":"theirs","v":2}` {
		t.Errorf("local cache = %s, want refreshed remote state", cached)
	}
}

func TestResolveKeepRemoteDeletedEntity(t *testing.T) {
	// remote entity is gone: keep-remote deletes the local copy too
	fetcher := &fakeFetcher{remote: map[string]json.RawMessage{}}
	r, q, store := newTestResolver(t, fetcher)

	store.Set(kvstore.PartitionRecords, "note:n1", json.RawMessage(`{"title":"stale"}`))
	item := conflictedItem(t, q, `{"title":"mine"}`, `null`)

	if err := r.Resolve(context.Background(), item.ID, KeepRemote); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cached := store.Get(kvstore.PartitionRecords, "note:n1"); cached != nil {
		t.Errorf("local copy not removed: %s", cached)
	}
}

func TestResolveMerge(t *testing.T) {
	fetcher := &fakeFetcher{remote: map[string]json.RawMessage{
		"note:n1": json.RawMessage(`{"title":"theirs","tags":["b"]}`),
	}}
	r, q, store := newTestResolver(t, fetcher)
	item := conflictedItem(t, q, `{"title":"mine","tags":["a"]}`, `{"title":"theirs"}`)

	r.RegisterMerger("note", func(local, remote json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"title":"mine","tags":["a","b"]}`), nil
	})

	if err := r.Resolve(context.Background(), item.ID, Merge); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got, _ := q.Get(item.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if string(got.Payload) != `{"title":"mine","tags":["a","b"]}` {
		t.Errorf("payload = %s, want merged payload", got.Payload)
	}
	if cached := store.Get(kvstore.PartitionRecords, "note:n1"); string(cached) != `{"title":"mine","tags":["a","b"]}` {
		t.Errorf("cached record = %s, want merged payload", cached)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetcher calls = %d, want 1", fetcher.calls)
	}
}

func TestResolveMergeWithoutMerger(t *testing.T) {
	r, q, _ := newTestResolver(t, nil)
	item := conflictedItem(t, q, `{"a":1}`, `{"a":2}`)

	if err := r.Resolve(context.Background(), item.ID, Merge); err == nil {
		t.Fatal("merge without a registered merger should fail")
	}

	// the conflict stays quarantined
	got, _ := q.Get(item.ID)
	if got.Status != models.StatusConflict {
		t.Errorf("status = %s, want conflict", got.Status)
	}
}

func TestResolveMergeStillConflicting(t *testing.T) {
	r, q, _ := newTestResolver(t, nil)
	item := conflictedItem(t, q, `{"a":1}`, `{"a":2}`)

	r.RegisterMerger("note", func(local, remote json.RawMessage) (json.RawMessage, error) {
		return local, nil
	})
	q.RegisterConflictDetector("note", func(models.QueueItem, json.RawMessage) (bool, error) {
		return true, nil
	})

	if err := r.Resolve(context.Background(), item.ID, Merge); err == nil {
		t.Fatal("a merge the detector still flags should be rejected")
	}
	got, _ := q.Get(item.ID)
	if got.Status != models.StatusConflict {
		t.Errorf("status = %s, want conflict", got.Status)
	}
}

func TestResolveDismiss(t *testing.T) {
	r, q, _ := newTestResolver(t, nil)
	item := conflictedItem(t, q, `{"a":1}`, `{"a":2}`)

	if err := r.Resolve(context.Background(), item.ID, Dismiss); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := q.Get(item.ID); ok {
		t.Error("dismissed mutation should be gone")
	}
	if len(r.List()) != 0 {
		t.Error("dismissed conflict should be gone")
	}
}

func TestResolveUnknownItem(t *testing.T) {
	r, _, _ := newTestResolver(t, nil)
	if err := r.Resolve(context.Background(), "missing", KeepLocal); err == nil {
		t.Fatal("resolving a missing conflict should fail")
	}
}

func TestFetchRemoteFallsBackToSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{err: context.DeadlineExceeded}
	r, q, _ := newTestResolver(t, fetcher)
	item := conflictedItem(t, q, `{"a":1}`, `{"a":"captured"}`)

	remote, err := r.FetchRemote(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("FetchRemote: %v", err)
	}
	if string(remote) != `{"a":"captured"}` {
		t.Errorf("remote = %s, want the captured snapshot", remote)
	}
}
