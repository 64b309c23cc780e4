package services

import "sync"

// keyedMutex serializes work per key while letting different keys proceed in
// parallel. The engine holds a conversant's lock for one full pass, never
// across passes. Entries are reference counted so the map does not grow with
// every conversant ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLockEntry
}

type keyedLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLockEntry)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (km *keyedMutex) Lock(key string) func() {
	km.mu.Lock()
	entry, ok := km.locks[key]
	if !ok {
		entry = &keyedLockEntry{}
		km.locks[key] = entry
	}
	entry.refs++
	km.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		km.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}
