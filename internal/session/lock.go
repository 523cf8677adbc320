package session

import "sync"

// creationLock serializes channel creation. It is a try-lock owned by a
// caller token: other tokens are turned away, the holder may lock again.
type creationLock struct {
	mu      sync.Mutex
	holder  any
	release func()
}

// TryLock takes the lock for token, or returns ErrLockContention if a
// different token holds it.
func (l *creationLock) TryLock(token any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.holder {
	case nil:
		l.holder = token
		return nil
	case token:
		return nil
	default:
		return ErrLockContention
	}
}

// Unlock releases the lock if token holds it.
func (l *creationLock) Unlock(token any) {
	l.mu.Lock()
	released := l.holder != nil && l.holder == token
	if released {
		l.holder = nil
	}
	l.mu.Unlock()

	if released && l.release != nil {
		l.release()
	}
}

// Holder returns the current token, or nil.
func (l *creationLock) Holder() any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
