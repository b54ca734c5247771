// Package netmon tracks network connectivity for the sync engine.
//
// Status is three-valued: online, offline, and degraded. Degraded is entered
// manually when the engine wants to suppress sync attempts despite the
// network looking reachable (for example after repeated remote failures) and
// is cleared by RestoreFromDegraded, which re-detects actual reachability.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/logging"
)

// Status represents connectivity state.
type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusDegraded Status = "degraded"
)

// Prober answers whether the network is actually reachable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber probes reachability with a HEAD request. Any response at all,
// including an error status, proves the network path works.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober against url with a short request timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL:    url,
		Client: &http.Client{Timeout: 3 * time.Second},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Monitor is the connectivity state machine.
type Monitor struct {
	mu        sync.Mutex
	status    Status
	listeners map[int]func(Status)
	nextID    int

	prober   Prober
	interval time.Duration
	log      *logging.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbeInterval overrides how often the probe loop re-checks.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithInitialStatus skips initial detection. Used by tests and by hosts that
// already know their connectivity.
func WithInitialStatus(s Status) Option {
	return func(m *Monitor) { m.status = s }
}

// New creates a Monitor. Unless an initial status is supplied, connectivity
// is detected with one probe at construction.
func New(prober Prober, log *logging.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = logging.Get()
	}
	m := &Monitor{
		listeners: make(map[int]func(Status)),
		prober:    prober,
		interval:  30 * time.Second,
		log:       log,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.status == "" {
		m.status = StatusOffline
		if prober != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if prober.Probe(ctx) {
				m.status = StatusOnline
			}
		}
	}

	return m
}

// Status returns the current connectivity status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsOnline reports whether sync traffic is worth attempting. Degraded still
// counts as online at this level; only offline is a hard no.
func (m *Monitor) IsOnline() bool {
	return m.Status() != StatusOffline
}

// SetStatus transitions to a new status. Setting the current status is a
// no-op and does not re-notify listeners.
func (m *Monitor) SetStatus(status Status) {
	m.mu.Lock()
	if m.status == status {
		m.mu.Unlock()
		return
	}
	old := m.status
	m.status = status
	listeners := make([]func(Status), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.log.Info("Network status changed",
		map[string]interface{}{"from": string(old), "to": string(status)})

	for _, fn := range listeners {
		fn(status)
	}
}

// OnStatusChange registers a listener and returns its unsubscribe function.
func (m *Monitor) OnStatusChange(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// WaitForOnline blocks until the status is anything but offline. Returns
// true immediately if already online. A zero timeout waits until the context
// is done; otherwise false is returned once the timeout elapses.
func (m *Monitor) WaitForOnline(ctx context.Context, timeout time.Duration) bool {
	if m.IsOnline() {
		return true
	}

	ch := make(chan struct{}, 1)
	unsubscribe := m.OnStatusChange(func(s Status) {
		if s != StatusOffline {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// re-check after subscribing so a transition in the gap is not missed
	if m.IsOnline() {
		return true
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ch:
		return true
	case <-timer:
		return false
	case <-ctx.Done():
		return false
	}
}

// SetDegraded manually enters the degraded state to suppress sync attempts.
func (m *Monitor) SetDegraded() {
	m.SetStatus(StatusDegraded)
}

// RestoreFromDegraded leaves the degraded state by re-detecting actual
// reachability. Does nothing when not degraded.
func (m *Monitor) RestoreFromDegraded(ctx context.Context) {
	if m.Status() != StatusDegraded {
		return
	}

	status := StatusOffline
	if m.prober != nil && m.prober.Probe(ctx) {
		status = StatusOnline
	}
	m.SetStatus(status)
}

// Start runs the probe loop until ctx is done. Transitions discovered by the
// probe update the status; the degraded state is manual and is left alone.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Status() == StatusDegraded {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			reachable := m.prober.Probe(probeCtx)
			cancel()

			if reachable {
				m.SetStatus(StatusOnline)
			} else {
				m.SetStatus(StatusOffline)
			}
		}
	}
}
