package store

import "sync"

// CallLocks serializes webhook handling per call SID. The carrier's strict
// request/response pattern already orders requests for a live call, but
// retransmits and status callbacks can race; holding the per-SID lock for
// the duration of one webhook keeps CallState mutations single-writer.
type CallLocks struct {
	mu    sync.Mutex
	locks map[string]*callLock
}

type callLock struct {
	mu   sync.Mutex
	refs int
}

// NewCallLocks creates an empty lock table.
func NewCallLocks() *CallLocks {
	return &CallLocks{locks: make(map[string]*callLock)}
}

// Lock acquires the lock for sid, creating it on first use. The returned
// function releases the lock and drops the table entry once no other
// goroutine is waiting on it.
func (c *CallLocks) Lock(sid string) (unlock func()) {
	c.mu.Lock()
	l, ok := c.locks[sid]
	if !ok {
		l = &callLock{}
		c.locks[sid] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, sid)
		}
		c.mu.Unlock()
	}
}
