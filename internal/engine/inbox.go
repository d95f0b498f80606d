package engine

import (
	"context"
	"sync"
)

// inbox is an unbounded FIFO between a transport stream goroutine and the
// subscription's apply loop. push never blocks, so the stream never waits
// on cache locks or store writes.
type inbox struct {
	mu     sync.Mutex
	items  []any
	closed bool
	signal chan struct{} // buffered, size 1
	idle   *idleCounter
}

func newInbox(idle *idleCounter) *inbox {
	return &inbox{signal: make(chan struct{}, 1), idle: idle}
}

// push appends v. It is a no-op once the inbox is closed.
func (q *inbox) push(v any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	q.idle.add(1)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// take removes every queued item. The caller calls done once per item.
func (q *inbox) take() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *inbox) done(n int) {
	q.idle.add(-n)
}

// close discards what is still queued and rejects later pushes.
func (q *inbox) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.idle.add(-len(q.items))
	q.items = nil
}

// idleCounter tracks subscription events accepted but not yet applied.
type idleCounter struct {
	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

func newIdleCounter() *idleCounter {
	c := &idleCounter{idle: make(chan struct{})}
	close(c.idle)
	return c
}

func (c *idleCounter) add(delta int) {
	if delta == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.pending
	c.pending += delta
	switch {
	case before == 0 && c.pending > 0:
		c.idle = make(chan struct{})
	case before > 0 && c.pending == 0:
		close(c.idle)
	}
}

// wait blocks until nothing is pending or ctx ends.
func (c *idleCounter) wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
