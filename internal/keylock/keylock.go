// Package keylock provides per-key mutual exclusion.
package keylock

import "sync"

// Map hands out one mutex per key. Entries are never removed, so keys
// should come from a bounded space such as device or policy ids.
type Map struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty Map.
func New() *Map {
	return &Map{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
