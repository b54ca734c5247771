package executor

import (
	"context"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/uuid"
)

const (
	// DefaultBatchTimeout bounds one Execute call end to end. A worker that
	// does not answer inside it is presumed wedged.
	DefaultBatchTimeout = 30 * time.Second

	// Per-item dispatch retries inside a single batch. These are quick
	// retries for flaky connections; retries across batches belong to the
	// queue's backoff policy.
	maxDispatchAttempts = 3
	dispatchBackoffStep = 1 * time.Second
)

// OutcomeKind classifies what happened to one item.
type OutcomeKind string

const (
	// OutcomeSuccess means the remote accepted the mutation.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeFailure means the item's attempt budget ran out or the server
	// was unreachable; the queue's backoff policy decides what happens next.
	OutcomeFailure OutcomeKind = "failure"
	// OutcomeConflict means the remote rejected the mutation as diverged.
	// Never produced by a retry; a 409 ends the item's batch immediately.
	OutcomeConflict OutcomeKind = "conflict"
	// OutcomeAborted means shutdown interrupted the batch before the item
	// was attempted.
	OutcomeAborted OutcomeKind = "aborted"
)

// Outcome is the per-item result of a batch. The executor only reports;
// it never transitions queue state itself. Attempted is false when no
// mutation request was ever made for the item, so a failure does not
// count against the item's attempt budget.
type Outcome struct {
	ItemID    string
	Kind      OutcomeKind
	Attempted bool
	Error     string
	Remote    []byte
	Message   string
}

// batchRequest travels to the worker goroutine. ID correlates the response;
// done receives exactly one answer.
type batchRequest struct {
	id    string
	items []models.QueueItem
	token string
	done  chan batchResponse
}

type batchResponse struct {
	id       string
	outcomes []Outcome
	err      error
}

// Executor replays mutation batches on a background worker goroutine.
// Execute is the only entry point; requests and responses are correlated by
// batch id so a wedged worker surfaces as a timeout, not a hang.
type Executor struct {
	client *Client
	log    *logging.Logger

	batchTimeout time.Duration
	sleep        func(ctx context.Context, d time.Duration) error

	// done signals shutdown to the worker and to senders blocked handing
	// it a batch. The requests channel itself is never closed, so a send
	// racing Shutdown cannot panic.
	done chan struct{}

	mu       sync.Mutex
	requests chan batchRequest
	alive    bool
	shutdown bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithBatchTimeout overrides the per-batch deadline.
func WithBatchTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.batchTimeout = d
		}
	}
}

// WithSleepFunc overrides the inter-attempt wait. Tests use this to skip
// real sleeps.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// New creates an Executor over the given client. The worker goroutine is
// spawned lazily on first use.
func New(client *Client, log *logging.Logger, opts ...Option) *Executor {
	if log == nil {
		log = logging.Get()
	}

	e := &Executor{
		client:       client,
		log:          log,
		batchTimeout: DefaultBatchTimeout,
		sleep:        sleepCtx,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Shutdown raises the shutdown flag. In-progress batches abort their
// remaining items; batches not yet picked up and later Execute calls fail
// with a shutdown error.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return
	}
	e.shutdown = true
	close(e.done)
	e.log.Info("Mutation executor shut down", nil)
}

// ShuttingDown reports whether Shutdown has been called.
func (e *Executor) ShuttingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

// activeWorker returns the request channel, spawning a fresh worker if the
// previous one died.
func (e *Executor) activeWorker() (chan batchRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutdown {
		return nil, errors.New(errors.ErrExecutorShutdown, "executor shutting down")
	}
	if !e.alive {
		e.requests = make(chan batchRequest, 1)
		e.alive = true
		go e.run(e.requests)
	}
	return e.requests, nil
}

// run is the worker loop. A panic in batch processing kills the worker;
// the in-flight request gets an error response and the next Execute
// respawns a clean one.
func (e *Executor) run(requests chan batchRequest) {
	var current *batchRequest

	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.alive = false
			e.mu.Unlock()
			e.log.ErrorWithCode("Executor worker crashed",
				string(errors.ErrExecutorFailed), nil,
				map[string]interface{}{"panic": r})
			if current != nil {
				current.done <- batchResponse{
					id:  current.id,
					err: errors.New(errors.ErrExecutorFailed, "worker crashed mid-batch"),
				}
			}
		}
	}()

	for {
		select {
		case req := <-requests:
			current = &req
			outcomes := e.processBatch(req)
			current = nil
			req.done <- batchResponse{id: req.id, outcomes: outcomes}
		case <-e.done:
			// keep answering: a sender that won the send race against the
			// closed done channel must not wait out the batch timeout
			e.mu.Lock()
			e.alive = false
			e.mu.Unlock()
			for req := range requests {
				req.done <- batchResponse{
					id:  req.id,
					err: errors.New(errors.ErrExecutorShutdown, "executor shutting down"),
				}
			}
			return
		}
	}
}

// Execute replays a batch of queue items and returns one Outcome per item,
// in order. The bearer token rides with the batch. The call is bounded by
// ctx and the batch timeout.
func (e *Executor) Execute(ctx context.Context, items []models.QueueItem, authToken string) ([]Outcome, error) {
	if len(items) == 0 {
		return nil, nil
	}

	requests, err := e.activeWorker()
	if err != nil {
		return nil, err
	}

	req := batchRequest{
		id:    uuid.New(),
		items: items,
		token: authToken,
		done:  make(chan batchResponse, 1),
	}

	select {
	case requests <- req:
	case <-e.done:
		return nil, errors.New(errors.ErrExecutorShutdown, "executor shutting down")
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrExecutorTimeout, "batch not accepted", ctx.Err())
	}

	timer := time.NewTimer(e.batchTimeout)
	defer timer.Stop()

	select {
	case resp := <-req.done:
		return resp.outcomes, resp.err
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrExecutorTimeout, "batch result not delivered", ctx.Err())
	case <-timer.C:
		return nil, errors.New(errors.ErrExecutorTimeout, "batch timed out")
	}
}

// processBatch dispatches each item in turn. Shutdown aborts the remainder.
func (e *Executor) processBatch(req batchRequest) []Outcome {
	e.log.Debug("Dispatching batch",
		map[string]interface{}{"batch_id": req.id, "items": len(req.items)})

	ctx, cancel := context.WithTimeout(context.Background(), e.batchTimeout)
	defer cancel()

	outcomes := make([]Outcome, 0, len(req.items))
	for i, item := range req.items {
		if e.ShuttingDown() || ctx.Err() != nil {
			for _, rest := range req.items[i:] {
				outcomes = append(outcomes, Outcome{
					ItemID: rest.ID,
					Kind:   OutcomeAborted,
					Error:  "shutting down",
				})
			}
			break
		}
		outcomes = append(outcomes, e.dispatch(ctx, item, req.token))
	}
	return outcomes
}

// dispatch replays one item. Each attempt starts with a liveness check so
// an unreachable server fails fast instead of burning the attempt budget.
// Conflicts end the item immediately; every other rejection gets quick
// retries with a linear wait.
func (e *Executor) dispatch(ctx context.Context, item models.QueueItem, token string) Outcome {
	var lastErr error
	attempted := false
	for attempt := 1; attempt <= maxDispatchAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, time.Duration(attempt-1)*dispatchBackoffStep); err != nil {
				return Outcome{ItemID: item.ID, Kind: OutcomeFailure, Attempted: attempted, Error: err.Error()}
			}
		}

		// every attempt re-checks reachability; an unreachable server
		// fails the item fast instead of burning the remaining attempts
		if err := e.client.Ping(ctx); err != nil {
			return Outcome{
				ItemID:    item.ID,
				Kind:      OutcomeFailure,
				Attempted: attempted,
				Error:     "network unavailable: " + err.Error(),
			}
		}

		_, err := e.client.Execute(ctx, item, token)
		attempted = true
		if err == nil {
			return Outcome{ItemID: item.ID, Kind: OutcomeSuccess, Attempted: true}
		}
		lastErr = err

		if ce, ok := err.(*ConflictError); ok {
			return Outcome{
				ItemID:    item.ID,
				Kind:      OutcomeConflict,
				Attempted: true,
				Remote:    ce.Remote,
				Message:   ce.Error(),
			}
		}
		if e.ShuttingDown() || ctx.Err() != nil {
			break
		}

		e.log.Debug("Dispatch attempt failed",
			map[string]interface{}{
				"item_id": item.ID,
				"attempt": attempt,
				"error":   err.Error(),
			})
	}

	return Outcome{ItemID: item.ID, Kind: OutcomeFailure, Attempted: true, Error: lastErr.Error()}
}
