package escalation

import (
	"context"
	"sync"
)

// entityLock is a single-token channel semaphore so acquisition can honor ctx.
type entityLock struct {
	ch   chan struct{}
	refs int
}

// keyedLocks hands out one lock per entity and forgets it once nobody holds
// or waits on it, so the map does not grow with every hive ever seen.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: map[string]*entityLock{}}
}

// lock blocks until the entity lock is held or ctx ends.
// The returned func releases it and must be called exactly once.
func (k *keyedLocks) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &entityLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case <-l.ch:
		return func() {
			l.ch <- struct{}{}
			k.drop(key, l)
		}, nil
	case <-ctx.Done():
		k.drop(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedLocks) drop(key string, l *entityLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 && k.locks[key] == l {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
