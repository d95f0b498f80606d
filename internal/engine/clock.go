package engine

import "sync/atomic"

// Clock is the monotonic logical clock that stamps cache versions.
//
// Every cache write takes a fresh value from Next, so a later write always
// carries a larger version than an earlier one, regardless of wall time.
// On start the clock resumes from the store's highest version.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose first Next returns start+1.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next version and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued version without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
