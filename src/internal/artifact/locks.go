// Package artifact serializes mutations of staged binary files.
// Staging (process supervisor) and replacement (update orchestrator)
// must never run concurrently for the same artifact path.
package artifact

import "sync"

// Locks hands out one mutex per artifact path.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*sync.Mutex)}
}

// For returns the mutex guarding path, creating it on first use.
func (l *Locks) For(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.locks[path]; !exists {
		l.locks[path] = &sync.Mutex{}
	}
	return l.locks[path]
}
