package application

import "sync"

// mailboxLocks serializes token work per mailbox id. Entries are reference
// counted and dropped once nobody holds or waits on them.
type mailboxLocks struct {
	mu    sync.Mutex
	locks map[int64]*mailboxLock
}

type mailboxLock struct {
	mu   sync.Mutex
	refs int
}

func newMailboxLocks() *mailboxLocks {
	return &mailboxLocks{locks: make(map[int64]*mailboxLock)}
}

// lock blocks until the caller owns id and returns the release function.
func (l *mailboxLocks) lock(id int64) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &mailboxLock{}
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

// size returns the number of live entries.
func (l *mailboxLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
