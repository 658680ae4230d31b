package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
)

// ErrLockHeld is returned when another process owns the queue lock
var ErrLockHeld = errors.New("cache: lock held by another worker")

// Lock is an acquired queue lock
type Lock interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out named locks that expire after ttl unless refreshed
type Locker interface {
	Obtain(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

// NewLocker returns a redis-backed locker, or a process-local one when cache is nil
func NewLocker(cache *Cache) Locker {
	if !cache.enabled() {
		return localLocker{}
	}
	return &redisLocker{cache: cache, client: redislock.New(cache.client)}
}

type redisLocker struct {
	cache  *Cache
	client *redislock.Client
}

func (l *redisLocker) Obtain(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	lock, err := l.client.Obtain(ctx, l.cache.namespaceKey("lock:"+name), ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", name, err)
	}
	return redisLock{lock: lock}, nil
}

type redisLock struct {
	lock *redislock.Lock
}

func (l redisLock) Refresh(ctx context.Context, ttl time.Duration) error {
	if err := l.lock.Refresh(ctx, ttl, nil); err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return ErrLockHeld
		}
		return err
	}
	return nil
}

func (l redisLock) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// localLocker always grants the lock; a single process needs no coordination
type localLocker struct{}

func (localLocker) Obtain(context.Context, string, time.Duration) (Lock, error) {
	return localLock{}, nil
}

type localLock struct{}

func (localLock) Refresh(context.Context, time.Duration) error { return nil }
func (localLock) Release(context.Context) error                { return nil }
