package core

import (
	"context"
	"sync"

	"pkt.systems/pageview/schema"
)

// TabLocks serializes activation actions per tab. Actions on different tabs
// do not block each other.
type TabLocks struct {
	mu    sync.Mutex
	locks map[schema.TabID]*tabLock
}

type tabLock struct {
	token chan struct{}
	refs  int
}

// NewTabLocks constructs an empty lock table.
func NewTabLocks() *TabLocks {
	return &TabLocks{locks: make(map[schema.TabID]*tabLock)}
}

// Acquire blocks until the tab's token is free or ctx ends. The returned
// release func must be called exactly once.
func (l *TabLocks) Acquire(ctx context.Context, tabID schema.TabID) (func(), error) {
	l.mu.Lock()
	lock := l.locks[tabID]
	if lock == nil {
		lock = &tabLock{token: make(chan struct{}, 1)}
		l.locks[tabID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.token <- struct{}{}:
	case <-ctx.Done():
		l.unref(tabID, lock)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.token
			l.unref(tabID, lock)
		})
	}, nil
}

// Len reports how many tabs currently hold or wait for a token.
func (l *TabLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *TabLocks) unref(tabID schema.TabID, lock *tabLock) {
	l.mu.Lock()
	lock.refs--
	if lock.refs == 0 && l.locks[tabID] == lock {
		delete(l.locks, tabID)
	}
	l.mu.Unlock()
}
