package infrastructure

import (
	"context"
	"time"

	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
)

var (
	_ domain.ResourceLocker = (*RedisResourceLocker)(nil)
	_ domain.ResourceLocker = (*MemoryResourceLocker)(nil)
)

const lockKeyPrefix = "wsm:lock:"

// acquire succeeds when the key is free or already held by the caller, in which
// case the ttl is refreshed
var acquireScript = redis.NewScript(`
	local current = redis.call("get", KEYS[1])
	if current == false then
		redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[2])
		return 1
	end
	if current == ARGV[1] then
		redis.call("pexpire", KEYS[1], ARGV[2])
		return 1
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// RedisResourceLocker holds advisory resource locks in Redis
type RedisResourceLocker struct {
	client redis.Scripter
}

// NewRedisResourceLocker creates a new RedisResourceLocker
func NewRedisResourceLocker(client redis.Scripter) *RedisResourceLocker {
	return &RedisResourceLocker{client: client}
}

func (l *RedisResourceLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, l.client, []string{lockKeyPrefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "failed to acquire lock %s", key)
	}
	return n == 1, nil
}

func (l *RedisResourceLocker) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{lockKeyPrefix + key}, owner).Err(); err != nil {
		return errors.Wrapf(err, "failed to release lock %s", key)
	}
	return nil
}

type heldLock struct {
	owner  string
	expiry time.Time
}

// MemoryResourceLocker is the single-process ResourceLocker
type MemoryResourceLocker struct {
	locks *xsync.MapOf[string, heldLock]
	now   func() time.Time
}

func NewMemoryResourceLocker() *MemoryResourceLocker {
	return &MemoryResourceLocker{
		locks: xsync.NewMapOf[string, heldLock](),
		now:   time.Now,
	}
}

func (l *MemoryResourceLocker) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	now := l.now()

	l.locks.Compute(key, func(current heldLock, loaded bool) (heldLock, bool) {
		if loaded && current.owner != owner && now.Before(current.expiry) {
			return current, false
		}
		acquired = true
		return heldLock{owner: owner, expiry: now.Add(ttl)}, false
	})
	return acquired, nil
}

func (l *MemoryResourceLocker) Release(_ context.Context, key, owner string) error {
	l.locks.Compute(key, func(current heldLock, loaded bool) (heldLock, bool) {
		if !loaded || current.owner != owner {
			return current, !loaded
		}
		return heldLock{}, true
	})
	return nil
}
