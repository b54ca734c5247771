package syncqueue

import (
	"math/rand"
	"sync"
	"time"
)

// Default retry policy. After MaxAttempts failures an item stops retrying
// automatically and requires a manual retry.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 5 * time.Minute
)

// BackoffPolicy computes retry delays: exponential in the attempt count with
// full jitter on the base term, capped at Cap. The jitter spreads retries of
// many queued items after an outage instead of letting them stampede.
type BackoffPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultBackoffPolicy returns the standard policy.
func DefaultBackoffPolicy() *BackoffPolicy {
	return &BackoffPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Base:        DefaultBackoffBase,
		Cap:         DefaultBackoffCap,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay computes the wait before the next retry after the given number of
// failed attempts (attempts >= 1):
//
//	delay = min(base * 2^(attempts-1) + jitter, cap)   jitter ∈ [0, base)
func (p *BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	exp := p.Base << uint(attempts-1)
	// guard shift overflow for absurd attempt counts
	if exp <= 0 || exp > p.Cap {
		return p.Cap
	}

	delay := exp + p.jitter()
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

func (p *BackoffPolicy) jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(p.rng.Int63n(int64(p.Base)))
}

// Exhausted reports whether an item with the given attempt count has used up
// its retry budget.
func (p *BackoffPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
