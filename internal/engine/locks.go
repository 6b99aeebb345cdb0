package engine

import "sync"

// userLocks serializes lifecycle transitions per telegram user, so an
// admin approval cannot interleave with the sweep expiring the same
// subscription.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*sync.Mutex)}
}

func (l *userLocks) lock(telegramID int64) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[telegramID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[telegramID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
