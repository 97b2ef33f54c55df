package revision

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/niczy/revbranch/internal/apierr"
)

const (
	DefaultLockTimeout      = time.Minute
	DefaultLockIdleExpiry   = 5 * time.Minute
	DefaultLockRegistrySize = 4096
)

type pathLock struct {
	sem  chan struct{}
	refs int
}

// LockManager hands out advisory per-path locks. A lock that is held or
// waited for stays pinned; once released it moves to a bounded registry of
// idle locks and is dropped after the idle expiry or when the registry is
// full.
type LockManager struct {
	mu      sync.Mutex
	active  map[string]*pathLock
	idle    *expirable.LRU[string, *pathLock]
	timeout time.Duration
}

// NewLockManager creates a lock registry.
func NewLockManager(size int, idleExpiry, timeout time.Duration) *LockManager {
	if size <= 0 {
		size = DefaultLockRegistrySize
	}
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if idleExpiry <= 0 {
		idleExpiry = DefaultLockIdleExpiry
	}
	return &LockManager{
		active:  make(map[string]*pathLock),
		idle:    expirable.NewLRU[string, *pathLock](size, nil, idleExpiry),
		timeout: timeout,
	}
}

func (m *LockManager) acquire(path string) *pathLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.active[path]
	if !ok {
		if l, ok = m.idle.Peek(path); ok {
			m.idle.Remove(path)
		} else {
			l = &pathLock{sem: make(chan struct{}, 1)}
		}
		m.active[path] = l
	}
	l.refs++
	return l
}

func (m *LockManager) release(path string, l *pathLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(m.active, path)
		m.idle.Add(path, l)
	}
}

// Lock acquires the lock of path, failing with a request timeout when it is
// not available within the configured timeout.
func (m *LockManager) Lock(ctx context.Context, path string) (func(), error) {
	l := m.acquire(path)
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
	case <-timer.C:
		m.release(path, l)
		return nil, apierr.NewRequestTimeout("Failed to acquire lock for branch '%s' in %s.", path, m.timeout)
	case <-ctx.Done():
		m.release(path, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			m.release(path, l)
		})
	}, nil
}

// Len returns the number of registered locks, held and idle.
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active) + m.idle.Len()
}

// locked runs fn while holding the lock of path.
func (m *LockManager) locked(ctx context.Context, path string, fn func() error) error {
	unlock, err := m.Lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
