package progression

import "sync"

// keyedMutex serializes work per key while leaving distinct keys fully
// parallel. Entries are reference-counted and removed once the last holder
// releases, so the map does not grow with the number of discounts ever seen.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock blocks until the key's mutex is held and returns the unlock func.
func (km *keyedMutex) Lock(key string) (unlock func()) {
	km.mu.Lock()
	e, ok := km.entries[key]
	if !ok {
		e = &keyedEntry{}
		km.entries[key] = e
	}
	e.refs++
	km.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		km.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(km.entries, key)
		}
		km.mu.Unlock()
	}
}
