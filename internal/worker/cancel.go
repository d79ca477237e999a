package worker

import (
	"context"
	"sync"
)

// Cancels tracks the cancel function of every running batch so the API can
// stop one regardless of which worker picked it up.
type Cancels struct {
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewCancels returns an empty registry.
func NewCancels() *Cancels {
	return &Cancels{running: make(map[string]context.CancelFunc)}
}

func (c *Cancels) register(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[id] = cancel
}

func (c *Cancels) done(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, id)
}

// Cancel stops a running batch and reports whether one was found.
func (c *Cancels) Cancel(id string) bool {
	c.mu.Lock()
	cancel, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports the number of batches in flight.
func (c *Cancels) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}
