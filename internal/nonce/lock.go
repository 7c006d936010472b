package nonce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sempo/ethworker/contexthelper"
	"github.com/sempo/ethworker/storage"
)

// Locker is a named, expiring mutual-exclusion lock. storage.RedisStorage is
// the distributed implementation; MemoryLocker serves a single process.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (release func(context.Context) error, err error)
}

var _ Locker = (*storage.RedisStorage)(nil)

type heldLock struct {
	token   string
	expires time.Time
}

type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]heldLock
	now   func() time.Time
	every time.Duration
}

var _ Locker = (*MemoryLocker)(nil)

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]heldLock),
		now:   time.Now,
		every: 5 * time.Millisecond,
	}
}

func (m *MemoryLocker) tryAcquire(key, token string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if h, ok := m.held[key]; ok && now.Before(h.expires) {
		return false
	}
	m.held[key] = heldLock{token: token, expires: now.Add(ttl)}
	return true
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	deadline := m.now().Add(wait)
	for !m.tryAcquire(key, token, ttl) {
		if !m.now().Before(deadline) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrLockNotAcquired)
		}
		if err := contexthelper.Sleep(ctx, m.every); err != nil {
			return nil, err
		}
	}
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if h, ok := m.held[key]; ok && h.token == token {
			delete(m.held, key)
		}
		return nil
	}, nil
}
