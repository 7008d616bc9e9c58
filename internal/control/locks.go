package control

import "sync"

// serverLocks serializes lifecycle operations per server id. Operations on
// different servers proceed concurrently; two operations on the same server
// queue behind each other so phase transitions never interleave.
type serverLocks struct {
	mu    sync.Mutex
	locks map[string]*serverLock
}

type serverLock struct {
	mu   sync.Mutex
	refs int
}

func newServerLocks() *serverLocks {
	return &serverLocks{locks: make(map[string]*serverLock)}
}

// lock acquires the mutex for id and returns its unlock function. Entries are
// reference counted and removed once the last holder releases, so the map does
// not grow with deleted servers.
func (l *serverLocks) lock(id string) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &serverLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
