package syncqueue

import "github.com/driftline/driftline/internal/models"

// EventType names a queue state change observable from the outside.
type EventType string

const (
	EventEnqueue  EventType = "enqueue"
	EventSuccess  EventType = "success"
	EventFailure  EventType = "failure"
	EventConflict EventType = "conflict"
	EventCleared  EventType = "cleared"
)

// Event carries a queue transition to listeners. Item and Conflict are
// copies; listeners may hold on to them freely.
type Event struct {
	Type     EventType
	Item     *models.QueueItem
	Conflict *models.ConflictRecord
}

// AddListener subscribes fn to queue events and returns an unsubscribe
// closure. Listeners run synchronously on the transitioning goroutine and
// must not call back into the queue.
func (q *Queue) AddListener(fn func(Event)) func() {
	q.mu.Lock()
	id := q.nextListenerID
	q.nextListenerID++
	q.listeners[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// emit fans an event out to the current listener set. Called with the queue
// lock released.
func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	fns := make([]func(Event), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
