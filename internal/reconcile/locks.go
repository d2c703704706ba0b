package reconcile

import (
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when an entity's transition lock could not be
// acquired within the bounded wait. The event is redelivered later rather
// than blocking a worker forever.
var ErrLockTimeout = errors.New("transition lock acquisition timed out")

// keyedLocks serializes transitions per entity. Lock entries are
// reference-counted so the map does not grow with the total number of
// entities ever touched.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

// acquire takes the lock for key, waiting at most timeout. On success it
// returns a release func.
func (k *keyedLocks) acquire(key string, timeout time.Duration) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.ch:
		return func() {
			e.ch <- struct{}{}
			k.put(key, e)
		}, nil
	case <-timer.C:
		k.put(key, e)
		return nil, ErrLockTimeout
	}
}

func (k *keyedLocks) put(key string, e *lockEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}
