package leader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHolder is returned by Renew and Release when the lock is absent,
// expired or held by someone else.
var ErrNotHolder = errors.New("lock not held by this holder")

// LockStore provides the three conditional operations a lease needs, all
// against a single key.
type LockStore interface {
	// Acquire creates the lock for holder unless an unexpired lock exists.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Renew extends the expiry only if holder still owns an unexpired lock.
	Renew(ctx context.Context, key, holder string, ttl time.Duration) error
	// Release deletes the lock only if holder owns it.
	Release(ctx context.Context, key, holder string) error
}

// MemoryLockStore is a process-local LockStore for tests and single-replica
// deployments.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

type memoryLock struct {
	holder    string
	expiresAt time.Time
}

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]memoryLock), now: time.Now}
}

// WithClock replaces the time source.
func (m *MemoryLockStore) WithClock(now func() time.Time) *MemoryLockStore {
	m.now = now
	return m
}

func (m *MemoryLockStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.locks[key]; ok && now.Before(l.expiresAt) {
		return false, nil
	}
	m.locks[key] = memoryLock{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLockStore) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.locks[key]
	if !ok || l.holder != holder || !now.Before(l.expiresAt) {
		return ErrNotHolder
	}
	l.expiresAt = now.Add(ttl)
	m.locks[key] = l
	return nil
}

func (m *MemoryLockStore) Release(ctx context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok || l.holder != holder {
		return ErrNotHolder
	}
	delete(m.locks, key)
	return nil
}

// Holder returns the current unexpired holder of key, or "".
func (m *MemoryLockStore) Holder(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[key]; ok && m.now().Before(l.expiresAt) {
		return l.holder
	}
	return ""
}

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisLockStore implements LockStore with SET NX PX and holder-checked
// Lua scripts, so Redis key expiry is the lease.
type RedisLockStore struct {
	client redis.Cmdable
}

func NewRedisLockStore(client redis.Cmdable) *RedisLockStore {
	return &RedisLockStore{client: client}
}

func (r *RedisLockStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, holder, ttl).Result()
}

func (r *RedisLockStore) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, r.client, []string{key}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHolder
	}
	return nil
}

func (r *RedisLockStore) Release(ctx context.Context, key, holder string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, holder).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHolder
	}
	return nil
}
