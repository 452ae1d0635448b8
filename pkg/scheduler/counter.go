package scheduler

import (
	"context"
	"sync"
)

// UsageCounter tracks the memory reserved by admitted jobs. Reserve is a
// compare-and-set: it only succeeds when the new total stays within ceiling.
type UsageCounter interface {
	// Reserve records memory for jobID unless that would push the total past
	// ceiling. A ceiling <= 0 means unlimited. Reserving an already reserved
	// job succeeds without changing the total.
	Reserve(ctx context.Context, jobID string, memory, ceiling int) (bool, error)
	// Release drops the job's reservation and returns the memory freed.
	Release(ctx context.Context, jobID string) (int, error)
	// Used returns the total reserved memory.
	Used(ctx context.Context) (int, error)
	Close() error
}

// LocalCounter is a UsageCounter for a single server process.
type LocalCounter struct {
	mu           sync.Mutex
	total        int
	reservations map[string]int
}

// NewLocalCounter creates an empty in-process counter
func NewLocalCounter() *LocalCounter {
	return &LocalCounter{reservations: make(map[string]int)}
}

// Reserve implements UsageCounter
func (c *LocalCounter) Reserve(_ context.Context, jobID string, memory, ceiling int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.reservations[jobID]; exists {
		return true, nil
	}
	if ceiling > 0 && c.total+memory > ceiling {
		return false, nil
	}
	c.reservations[jobID] = memory
	c.total += memory
	return true, nil
}

// Release implements UsageCounter
func (c *LocalCounter) Release(_ context.Context, jobID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	memory, exists := c.reservations[jobID]
	if !exists {
		return 0, nil
	}
	delete(c.reservations, jobID)
	c.total -= memory
	return memory, nil
}

// Used implements UsageCounter
func (c *LocalCounter) Used(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, nil
}

// Close is a no-op
func (c *LocalCounter) Close() error { return nil }
