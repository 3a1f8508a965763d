package negotiator

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// candidateQueue is a count-bounded FIFO of ICE candidates.
//
// It absorbs the race between candidate generation/arrival and the moment the
// satisfying event (call id assigned, remote description applied) makes them
// actionable. Enqueue never blocks; once the budget is exhausted further
// candidates are dropped and counted.
type candidateQueue struct {
	mu     sync.Mutex
	closed bool

	max   int
	items []webrtc.ICECandidateInit

	drops atomic.Uint64
}

func newCandidateQueue(max int) *candidateQueue {
	return &candidateQueue{max: max}
}

func (q *candidateQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends c if the queue is open and has room.
func (q *candidateQueue) Enqueue(c webrtc.ICECandidateInit) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.max {
		q.drops.Add(1)
		return false
	}
	q.items = append(q.items, c)
	return true
}

// Drain returns all queued candidates in arrival order and empties the queue.
// Draining an empty or closed queue returns nil.
func (q *candidateQueue) Drain() []webrtc.ICECandidateInit {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	items := q.items
	q.items = nil
	return items
}

func (q *candidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *candidateQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
