package resume

import "sync"

// nameLocks grants at most one holder per filename without blocking.
type nameLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (l *nameLocks) tryLock(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]struct{})
	}
	if _, busy := l.held[name]; busy {
		return false
	}
	l.held[name] = struct{}{}
	return true
}

func (l *nameLocks) unlock(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
}
