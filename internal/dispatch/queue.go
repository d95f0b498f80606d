package dispatch

import "sync"

// boundedQueue is a thread-safe FIFO with a fixed capacity. When full, the
// oldest event is discarded to make room.
//
// The queue uses a channel for signaling so the drain loop can wait without
// holding the lock.
type boundedQueue struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	closed   bool
	signal   chan struct{} // Signals event availability (buffered, size 1)
}

func newBoundedQueue(capacity int) *boundedQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &boundedQueue{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends e. dropped is the event evicted to make room, if any.
// accepted is false if the queue is closed.
func (q *boundedQueue) Enqueue(e Event) (dropped *Event, accepted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, false
	}

	if len(q.events) >= q.capacity {
		old := q.events[0]
		q.events[0] = Event{}
		q.events = q.events[1:]
		dropped = &old
	}
	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return dropped, true
}

// TryDequeue removes the front event without blocking.
func (q *boundedQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]
	// Clear the slot so the payload can be collected.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed by Close.
func (q *boundedQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *boundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close rejects further events and returns whatever was still queued.
func (q *boundedQueue) Close() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	rest := q.events
	q.events = nil
	close(q.signal)
	return rest
}
