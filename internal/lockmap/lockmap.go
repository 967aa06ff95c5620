// Package lockmap provides mutexes keyed by id. Entries are dropped once no
// goroutine holds or waits for them.
package lockmap

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Map[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

func New[K comparable]() *Map[K] {
	return &Map[K]{locks: make(map[K]*entry)}
}

// Lock blocks until the key is free and returns its unlock function
func (m *Map[K]) Lock(key K) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
