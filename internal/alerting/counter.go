package alerting

import "sync"

// CounterKey identifies one device/threshold pair.
type CounterKey struct {
	DeviceID    string
	ThresholdID uint
}

// Counter tracks consecutive breaches per device/threshold. The engine
// serialises calls per device, so implementations only need to be safe
// for concurrent use across keys.
//
// Counts are process-local: when the server runs as several replicas each
// must own a disjoint set of devices, or Counter must be backed by shared
// storage.
type Counter interface {
	// Increment adds one breach and returns the new count.
	Increment(key CounterKey) int
	// Reset sets the count back to zero.
	Reset(key CounterKey)
}

// MemoryCounter is the in-process Counter.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[CounterKey]int
}

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[CounterKey]int)}
}

func (c *MemoryCounter) Increment(key CounterKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key]
}

func (c *MemoryCounter) Reset(key CounterKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
}

// Count returns the current count for key.
func (c *MemoryCounter) Count(key CounterKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
