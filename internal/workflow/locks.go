// ABOUTME: Keyed locks that allow one in-flight mutating operation per resource.
// ABOUTME: Each key is backed by a weighted semaphore so acquisition honours context cancellation.

package workflow

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locks hands out per-key exclusive locks. Entries are dropped once nobody holds or waits on them.
type Locks struct {
	mutex   sync.Mutex
	entries map[string]*lockEntry
}

func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the lock for key is free or ctx is done. The returned release must be called exactly once.
func (l *Locks) Acquire(ctx context.Context, key string) (func(), error) {
	l.mutex.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mutex.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, entry)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			l.unref(key, entry)
		})
	}, nil
}

// Held returns the number of keys currently held or awaited
func (l *Locks) Held() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.entries)
}

func (l *Locks) unref(key string, entry *lockEntry) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry.refs--
	if entry.refs == 0 && l.entries[key] == entry {
		delete(l.entries, key)
	}
}
