// Package orchestrator ties the network monitor, sync queue, and executor
// together. It decides when sync passes run: on reconnect, on a periodic
// timer, and shortly after new mutations are enqueued. It also owns the
// outcome handling: the executor reports per-item results and the
// orchestrator applies them to the queue.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/executor"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/netmon"
	"github.com/driftline/driftline/internal/syncqueue"
)

const (
	// DefaultSyncInterval is the periodic sync cadence while online.
	DefaultSyncInterval = 5 * time.Minute

	// DefaultDebounce coalesces bursts of enqueues into one sync pass.
	DefaultDebounce = 2 * time.Second

	// DefaultMinInterval throttles back-to-back passes regardless of what
	// triggered them.
	DefaultMinInterval = 10 * time.Second

	// DefaultBatchSize bounds how many items one pass dispatches.
	DefaultBatchSize = 25

	// Consecutive failed passes before the monitor is flagged degraded.
	degradedThreshold = 3
)

// PassResult summarizes one completed sync pass.
type PassResult struct {
	Reason     string
	Processed  int
	Succeeded  int
	Failed     int
	Conflicts  int
	FinishedAt time.Time
}

// Orchestrator schedules sync passes. All triggers funnel through a single
// goroutine so throttling has one clock to consult and only one pass runs
// at a time.
type Orchestrator struct {
	monitor *netmon.Monitor
	queue   *syncqueue.Queue
	exec    *executor.Executor
	log     *logging.Logger

	syncInterval time.Duration
	debounce     time.Duration
	minInterval  time.Duration
	batchSize    int
	authToken    func() string
	now          func() time.Time

	kick chan string

	mu            sync.Mutex
	running       bool
	lastPass      time.Time
	lastResult    *PassResult
	probeFailures int
	stopCh        chan struct{}
	wg            sync.WaitGroup

	unsubscribeNet   func()
	unsubscribeQueue func()

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSyncInterval overrides the periodic sync cadence.
func WithSyncInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.syncInterval = d
		}
	}
}

// WithDebounce overrides the enqueue coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.debounce = d
		}
	}
}

// WithMinInterval overrides the pass throttle.
func WithMinInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.minInterval = d
		}
	}
}

// WithBatchSize overrides the per-pass item limit.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithAuthToken supplies the bearer token handed to the executor with each
// batch. The function is consulted per pass so rotated tokens take effect
// without a restart.
func WithAuthToken(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.authToken = fn
		}
	}
}

// WithNowFunc overrides the throttle clock.
func WithNowFunc(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator over the given components.
func New(monitor *netmon.Monitor, queue *syncqueue.Queue, exec *executor.Executor, log *logging.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logging.Get()
	}

	o := &Orchestrator{
		monitor:      monitor,
		queue:        queue,
		exec:         exec,
		log:          log,
		syncInterval: DefaultSyncInterval,
		debounce:     DefaultDebounce,
		minInterval:  DefaultMinInterval,
		batchSize:    DefaultBatchSize,
		authToken:    func() string { return "" },
		now:          time.Now,
		kick:         make(chan string, 4),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start subscribes to reconnect and enqueue triggers and launches the
// scheduling loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	o.unsubscribeNet = o.monitor.OnStatusChange(func(status netmon.Status) {
		if status == netmon.StatusOnline {
			o.requestSync("reconnect")
		}
	})

	o.unsubscribeQueue = o.queue.AddListener(func(ev syncqueue.Event) {
		if ev.Type == syncqueue.EventEnqueue {
			o.scheduleDebounced()
		}
	})

	o.wg.Add(1)
	go o.loop(ctx)

	o.log.Info("Sync orchestrator started",
		map[string]interface{}{
			"sync_interval_s": o.syncInterval.Seconds(),
			"debounce_ms":     o.debounce.Milliseconds(),
		})
}

// Stop unsubscribes the triggers and waits for the loop to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	stopCh := o.stopCh
	o.mu.Unlock()

	if o.unsubscribeNet != nil {
		o.unsubscribeNet()
	}
	if o.unsubscribeQueue != nil {
		o.unsubscribeQueue()
	}

	o.debounceMu.Lock()
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
		o.debounceTimer = nil
	}
	o.debounceMu.Unlock()

	close(stopCh)
	o.wg.Wait()

	o.log.Info("Sync orchestrator stopped", nil)
}

// LastResult returns the most recently completed pass, if any.
func (o *Orchestrator) LastResult() (PassResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastResult == nil {
		return PassResult{}, false
	}
	return *o.lastResult, true
}

// scheduleDebounced arms (or re-arms) the enqueue coalescing timer.
func (o *Orchestrator) scheduleDebounced() {
	if o.debounce == 0 {
		o.requestSync("enqueue")
		return
	}

	o.debounceMu.Lock()
	defer o.debounceMu.Unlock()

	if o.debounceTimer != nil {
		o.debounceTimer.Reset(o.debounce)
		return
	}
	o.debounceTimer = time.AfterFunc(o.debounce, func() {
		o.debounceMu.Lock()
		o.debounceTimer = nil
		o.debounceMu.Unlock()
		o.requestSync("enqueue")
	})
}

// requestSync pushes a trigger into the loop. Triggers arriving while the
// buffer is full are dropped; a pass is already imminent.
func (o *Orchestrator) requestSync(reason string) {
	select {
	case o.kick <- reason:
	default:
	}
}

// TriggerSync requests an immediate pass, subject to the usual throttle.
// A manual trigger also re-probes a degraded link.
func (o *Orchestrator) TriggerSync() {
	if o.monitor.Status() == netmon.StatusDegraded {
		o.monitor.RestoreFromDegraded(context.Background())
	}
	o.requestSync("manual")
}

// loop serializes all triggers and enforces the throttle.
func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.runPass(ctx, "periodic")
		case reason := <-o.kick:
			o.runPass(ctx, reason)
		}
	}
}

// runPass executes one sync pass: check connectivity, peek a batch, mark it
// in flight, hand it to the executor, and apply the reported outcomes.
func (o *Orchestrator) runPass(ctx context.Context, reason string) {
	o.mu.Lock()
	since := o.now().Sub(o.lastPass)
	if !o.lastPass.IsZero() && since < o.minInterval {
		o.mu.Unlock()
		o.log.Debug("Sync pass throttled",
			map[string]interface{}{"reason": reason, "since_last_ms": since.Milliseconds()})
		return
	}
	o.lastPass = o.now()
	o.mu.Unlock()

	// degraded suppresses automatic passes; TriggerSync re-probes first
	if status := o.monitor.Status(); status != netmon.StatusOnline {
		o.log.Debug("Sync pass skipped",
			map[string]interface{}{"reason": reason, "network": string(status)})
		return
	}

	batch := o.queue.BatchPeek(o.batchSize)
	if len(batch) == 0 {
		return
	}

	// Items that race into another state between peek and dispatch fall
	// out of the batch here.
	dispatched := batch[:0]
	for _, item := range batch {
		if err := o.queue.MarkInFlight(item.ID); err == nil {
			dispatched = append(dispatched, item)
		}
	}
	if len(dispatched) == 0 {
		return
	}

	outcomes, err := o.exec.Execute(ctx, dispatched, o.authToken())
	if err != nil {
		// Nothing reached the wire; no attempt is charged.
		for _, item := range dispatched {
			o.queue.Requeue(item.ID)
		}
		o.log.Warn("Sync batch not dispatched",
			map[string]interface{}{"reason": reason, "error": err.Error()})
		return
	}

	result := o.applyOutcomes(reason, dispatched, outcomes)

	o.mu.Lock()
	if result.Succeeded > 0 || result.Conflicts > 0 {
		o.probeFailures = 0
	}
	o.lastResult = &result
	o.mu.Unlock()

	if result.Succeeded == 0 && result.Failed == result.Processed && result.Processed > 0 {
		o.noteFailure(nil)
	}

	o.log.Info("Sync pass completed",
		map[string]interface{}{
			"reason":    reason,
			"processed": result.Processed,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"conflicts": result.Conflicts,
		})
}

// applyOutcomes feeds executor verdicts back into the queue. This is the
// only place items leave the in_flight state.
func (o *Orchestrator) applyOutcomes(reason string, batch []models.QueueItem, outcomes []executor.Outcome) PassResult {
	result := PassResult{Reason: reason, FinishedAt: o.now()}

	byID := make(map[string]models.QueueItem, len(batch))
	for _, item := range batch {
		byID[item.ID] = item
	}

	for _, outcome := range outcomes {
		item, ok := byID[outcome.ItemID]
		if !ok {
			continue
		}

		switch outcome.Kind {
		case executor.OutcomeSuccess:
			o.queue.MarkSuccess(outcome.ItemID)
			result.Processed++
			result.Succeeded++
		case executor.OutcomeConflict:
			o.queue.MarkConflict(outcome.ItemID, item.Payload, outcome.Remote, outcome.Message)
			result.Processed++
			result.Conflicts++
		case executor.OutcomeFailure:
			if outcome.Attempted {
				o.queue.MarkFailure(outcome.ItemID, outcome.Error)
			} else {
				// nothing reached the wire, so only the backoff applies
				o.queue.Defer(outcome.ItemID, outcome.Error)
			}
			result.Processed++
			result.Failed++
		case executor.OutcomeAborted:
			// the batch was interrupted before this item reached the
			// wire; no attempt is charged
			o.queue.Requeue(outcome.ItemID)
		}
	}

	return result
}

// noteFailure counts consecutive failed passes and degrades the monitor
// when the server stays unreachable despite the link looking up.
func (o *Orchestrator) noteFailure(err error) {
	o.mu.Lock()
	o.probeFailures++
	failures := o.probeFailures
	o.mu.Unlock()

	fields := map[string]interface{}{"consecutive": failures}
	if err != nil {
		fields["error"] = err.Error()
	}
	o.log.Warn("Sync pass failed", fields)

	if failures >= degradedThreshold && o.monitor.Status() == netmon.StatusOnline {
		o.monitor.SetDegraded()
	}
}
