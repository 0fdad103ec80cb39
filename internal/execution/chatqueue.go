package execution

import (
	"container/list"
	"sync"
)

// chatQueue serializes chat executions against a single agent into a FIFO.
// Arrivals block until every earlier-arriving request for the same agent
// has completed (spec §4.6: "at most one chat execution runs against a
// given agent at a time").
type chatQueue struct {
	mu      sync.Mutex
	waiters *list.List // of chan struct{}
	busy    bool
}

func newChatQueue() *chatQueue {
	return &chatQueue{waiters: list.New()}
}

// acquire blocks until it is this caller's turn, returning a release func.
// Ties among simultaneous arrivals are broken by queue insertion order,
// which the caller establishes by calling acquire under the engine's
// per-agent admission lock (see Engine.Chat), matching the spec's "ordered
// by execution id (monotone)" tie-break since IDs are assigned in the same
// order.
func (q *chatQueue) acquire() func() {
	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return q.release
	}
	ch := make(chan struct{})
	q.waiters.PushBack(ch)
	q.mu.Unlock()

	<-ch
	return q.release
}

func (q *chatQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.waiters.Front()
	if front == nil {
		q.busy = false
		return
	}
	q.waiters.Remove(front)
	close(front.Value.(chan struct{}))
}

// depth reports how many callers are waiting plus the one in flight, used
// by the Scheduler's back-pressure gate (spec §4.7).
func (q *chatQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.waiters.Len()
	if q.busy {
		n++
	}
	return n
}
