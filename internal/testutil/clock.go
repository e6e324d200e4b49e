// Package testutil holds deterministic helpers shared by package tests.
package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time for DeterministicClock.
var Epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// DeterministicClock is a thread-safe wall clock that advances by a fixed
// step on every call to Now.
//
// Unlike ids.SystemClock it can be reset, so the same scenario produces the
// same timestamps (and therefore the same audit hashes) on every run.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	calls int64
}

// NewDeterministicClock starts at Epoch and advances one second per call.
// The first call to Now returns Epoch.
func NewDeterministicClock() *DeterministicClock {
	return NewClockAt(Epoch, time.Second)
}

// NewClockAt creates a clock starting at start advancing by step.
func NewClockAt(start time.Time, step time.Duration) *DeterministicClock {
	return &DeterministicClock{start: start, step: step}
}

// Now returns the next timestamp.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.calls) * c.step)
	c.calls++
	return t
}

// Calls reports how many timestamps have been handed out.
func (c *DeterministicClock) Calls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Reset rewinds the clock to its start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = 0
}
