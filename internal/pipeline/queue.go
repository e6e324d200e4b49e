package pipeline

import (
	"sync"
)

// requestQueue is a thread-safe FIFO of ingestion and operator requests.
//
// The queue is unbounded so callers never block on a busy writer; they
// block on their reply instead. Enqueue is safe from any goroutine while
// the Run loop dequeues.
//
// A buffered signal channel lets Run wait for work and context
// cancellation in one select.
type requestQueue struct {
	mu       sync.Mutex
	requests []request
	closed   bool
	signal   chan struct{} // buffered, size 1
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		requests: make([]request, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a request to the back of the queue.
// Returns false if the queue is closed.
func (q *requestQueue) Enqueue(r request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.requests = append(q.requests, r)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front request without blocking.
func (q *requestQueue) TryDequeue() (request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.requests) == 0 {
		return request{}, false
	}

	r := q.requests[0]

	// Clear the slot so the payload and reply channel can be collected.
	q.requests[0] = request{}

	if len(q.requests) == 1 {
		q.requests = q.requests[:0]
	} else {
		q.requests = q.requests[1:]
	}

	return r, true
}

// Wait returns a channel that signals when requests may be available.
// It is closed by Close.
func (q *requestQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// Closed reports whether Close has been called.
func (q *requestQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting requests and wakes any waiter. Requests already
// queued are still drained by Run.
func (q *requestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
