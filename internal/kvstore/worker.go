package kvstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/errors"
)

// workerTimeout bounds how long a caller waits for the bulk worker before
// falling back to the in-thread path.
const workerTimeout = 5 * time.Second

type bulkOp int

const (
	opBulkGet bulkOp = iota
	opBulkSet
)

type bulkRequest struct {
	id        uint64
	op        bulkOp
	partition string
	keys      []string
	entries   []Entry
}

type bulkResponse struct {
	id     uint64
	result map[string]json.RawMessage
}

// bulkWorker runs bulk storage operations on a dedicated goroutine. It is a
// request/response multiplexer: each request gets a correlation id and a
// pending reply channel; replies (or timeouts) always remove the pending
// entry so the map cannot leak. A worker panic rejects every in-flight
// request and marks the worker dead; the store respawns it on next use.
type bulkWorker struct {
	store    *Store
	requests chan bulkRequest

	mu      sync.Mutex
	pending map[uint64]chan bulkResponse
	nextID  uint64
	stopped bool
}

func newBulkWorker(store *Store) *bulkWorker {
	w := &bulkWorker{
		store:    store,
		requests: make(chan bulkRequest, 16),
		pending:  make(map[uint64]chan bulkResponse),
	}
	go w.run()
	return w
}

func (w *bulkWorker) run() {
	defer func() {
		if r := recover(); r != nil {
			w.store.log.ErrorWithCode("Bulk storage worker crashed",
				string(errors.ErrStorageBackend), fmt.Errorf("panic: %v", r))
		}
		w.teardown()
	}()

	for req := range w.requests {
		var result map[string]json.RawMessage

		switch req.op {
		case opBulkGet:
			result = w.store.bulkGetSync(req.partition, req.keys)
		case opBulkSet:
			w.store.bulkSetSync(req.partition, req.entries)
		}

		w.deliver(bulkResponse{id: req.id, result: result})
	}
}

func (w *bulkWorker) deliver(resp bulkResponse) {
	w.mu.Lock()
	ch, ok := w.pending[resp.id]
	delete(w.pending, resp.id)
	w.mu.Unlock()

	if ok {
		ch <- resp
	}
}

// send submits a request and waits for its correlated response.
// Returns false when the worker is stopped or the timeout elapsed.
func (w *bulkWorker) send(req bulkRequest) (bulkResponse, bool) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return bulkResponse{}, false
	}
	w.nextID++
	req.id = w.nextID
	ch := make(chan bulkResponse, 1)
	w.pending[req.id] = ch

	// Non-blocking push while holding the lock so a concurrent shutdown
	// cannot close the channel underneath us.
	select {
	case w.requests <- req:
		w.mu.Unlock()
	default:
		// worker backed up; drop the pending entry and let the caller
		// use the in-thread path
		delete(w.pending, req.id)
		w.mu.Unlock()
		return bulkResponse{}, false
	}

	timer := time.NewTimer(workerTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		return resp, ok
	case <-timer.C:
		w.mu.Lock()
		delete(w.pending, req.id)
		w.mu.Unlock()
		w.store.log.ErrorWithCode("Bulk storage worker timed out",
			string(errors.ErrExecutorTimeout), nil)
		return bulkResponse{}, false
	}
}

func (w *bulkWorker) bulkGet(partition string, keys []string) (map[string]json.RawMessage, bool) {
	resp, ok := w.send(bulkRequest{op: opBulkGet, partition: partition, keys: keys})
	if !ok {
		return nil, false
	}
	return resp.result, true
}

func (w *bulkWorker) bulkSet(partition string, entries []Entry) bool {
	_, ok := w.send(bulkRequest{op: opBulkSet, partition: partition, entries: entries})
	return ok
}

// teardown rejects all in-flight requests and marks the worker dead.
func (w *bulkWorker) teardown() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	for id, ch := range w.pending {
		close(ch)
		delete(w.pending, id)
	}
}

func (w *bulkWorker) dead() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *bulkWorker) shutdown() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	close(w.requests)
}
