package epoch

import (
	"errors"
	"fmt"
	"sync"
)

// Epoch is a monotonically increasing logical timestamp marking a consistent
// cut across the dataflow. Epochs are totally ordered and never revised once
// assigned to a batch.
type Epoch uint64

// Next returns the epoch following e.
func (e Epoch) Next() Epoch { return e + 1 }

func (e Epoch) String() string { return fmt.Sprintf("t%d", uint64(e)) }

// ErrDraining is returned by epoch assignment once shutdown has begun.
var ErrDraining = errors.New("engine is draining: no new epochs can be assigned")

// Clock is the process-wide epoch counter. It is explicit state passed into
// the scheduler and the ingestion boundary, initialized from the persisted
// snapshot/WAL position on startup and flushed on graceful shutdown.
type Clock struct {
	mu       sync.Mutex
	current  Epoch
	draining bool
}

// NewClock returns a clock starting at epoch 0.
func NewClock() *Clock {
	return &Clock{}
}

// Current returns the epoch assigned to batches ingested now. Fails once the
// clock is draining.
func (c *Clock) Current() (Epoch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return 0, ErrDraining
	}
	return c.current, nil
}

// Advance closes the current ingestion epoch and moves the clock to the next
// one, returning the epoch that was closed for ingestion.
func (c *Clock) Advance() (Epoch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return 0, ErrDraining
	}
	closed := c.current
	c.current++
	return closed, nil
}

// InitFrom positions the clock after recovery: the next ingestion epoch is
// the one following the last persisted epoch.
func (c *Clock) InitFrom(last Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = last.Next()
}

// BeginDrain stops epoch assignment. In-flight epochs still complete.
func (c *Clock) BeginDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = true
}

// Draining reports whether shutdown has begun.
func (c *Clock) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}
