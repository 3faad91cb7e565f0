package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sannchesda/hotel-reservation-backend/lock"
	"github.com/sannchesda/hotel-reservation-backend/logger"
	"github.com/sannchesda/hotel-reservation-backend/model"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockNotOwned    = errors.New("lock not owned")
)

const releaseScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// DistributedLock is a single owned Redis key
type DistributedLock struct {
	client *redis.Client
	key    string
	value  string
}

// LockManager hands out Redis locks. It serialises room admission across API replicas
// in front of the database row lock.
type LockManager struct {
	client     *redis.Client
	ttl        time.Duration
	maxWait    time.Duration
	retryDelay time.Duration
}

var _ lock.Locker = (*LockManager)(nil)

func NewLockManager(client *redis.Client, ttl, maxWait, retryDelay time.Duration) *LockManager {
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}
	return &LockManager{client: client, ttl: ttl, maxWait: maxWait, retryDelay: retryDelay}
}

// AcquireLock tries once to take key
func (m *LockManager) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error) {
	lockKey := fmt.Sprintf("lock:%s", key)
	lockValue := uuid.New().String()

	ok, err := m.client.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	return &DistributedLock{
		client: m.client,
		key:    lockKey,
		value:  lockValue,
	}, nil
}

// AcquireLockWithRetry polls until the lock is taken or ctx ends
func (m *LockManager) AcquireLockWithRetry(ctx context.Context, key string, ttl time.Duration, retryDelay time.Duration) (*DistributedLock, error) {
	for {
		l, err := m.AcquireLock(ctx, key, ttl)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, model.ErrLockTimeout
			}
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// Acquire takes every key in ascending order within the manager's wait bound
func (m *LockManager) Acquire(ctx context.Context, keys ...string) (lock.Unlock, error) {
	waitCtx := ctx
	if m.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.maxWait)
		defer cancel()
	}

	held := make([]*DistributedLock, 0, len(keys))
	release := func() {
		// Release must run even when the request context is already done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Release(releaseCtx); err != nil && !errors.Is(err, ErrLockNotOwned) {
				logger.Warn("failed to release distributed lock", zap.String("key", held[i].key), zap.Error(err))
			}
		}
	}

	for _, key := range lock.SortedUnique(keys) {
		l, err := m.AcquireLockWithRetry(waitCtx, key, m.ttl, m.retryDelay)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, l)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		release()
	}, nil
}

// Release deletes the key only if this lock still owns it
func (l *DistributedLock) Release(ctx context.Context) error {
	result, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.value).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotOwned
	}
	return nil
}
