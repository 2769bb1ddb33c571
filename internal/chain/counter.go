// Package chain holds the mock block counter. Blocks are never produced on
// their own: the height only moves when a caller mines explicitly.
package chain

import (
	"fmt"
	"sync"
)

// Counter is the process-wide block height.
type Counter struct {
	mu     sync.RWMutex
	height uint64
	step   uint64
}

// NewCounter starts at initial and advances by step per Mine call. A zero
// step is treated as 1.
func NewCounter(initial, step uint64) *Counter {
	if step == 0 {
		step = 1
	}
	return &Counter{height: initial, step: step}
}

// Current returns the current block height.
func (c *Counter) Current() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height
}

// Mine advances the height by one step and returns the new height. Every
// caller observes a distinct value.
func (c *Counter) Mine() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += c.step
	return c.height
}

// Set moves the counter to height when restoring a snapshot. The height
// never decreases.
func (c *Counter) Set(height uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height < c.height {
		return fmt.Errorf("block height cannot go back from %d to %d", c.height, height)
	}
	c.height = height
	return nil
}
