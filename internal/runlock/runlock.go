// Package runlock serializes mutation per run id. With Redis configured the
// lock is distributed across replicas; otherwise a process-local keyed mutex
// gives the same guarantee for a single instance.
package runlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrBusy means another regeneration or commit holds the run.
var ErrBusy = fmt.Errorf("run is locked by another operation")

// Locker grants exclusive sections keyed by run id.
type Locker interface {
	// Acquire takes the lock for runID. The returned release function must
	// be called exactly once.
	Acquire(ctx context.Context, runID string) (release func(), err error)
}

// lockTTL bounds how long a crashed holder can wedge a run.
const lockTTL = 2 * time.Minute

// RedisLocker implements Locker over SetNX with a TTL.
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker wraps a Redis client.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, runID string) (func(), error) {
	key := "storyforge:runlock:" + runID
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return func() {
		bg := context.Background()
		// Release only if we still hold the lock; the TTL may have expired.
		if v, err := l.rdb.Get(bg, key).Result(); err == nil && v == token {
			l.rdb.Del(bg, key)
		}
	}, nil
}

// LocalLocker implements Locker with in-process keyed mutexes. Like the
// Redis backend it fails fast with ErrBusy instead of queueing, so both
// deployments present the same contention behavior.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalLocker builds an empty local locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *LocalLocker) Acquire(ctx context.Context, runID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[runID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[runID] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, ErrBusy
	}
	return m.Unlock, nil
}
