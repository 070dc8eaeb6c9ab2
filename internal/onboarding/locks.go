package onboarding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TurnLocker serializes turns per user. Acquire blocks until the user's
// lock is held or ctx expires; the returned release frees it.
type TurnLocker interface {
	Acquire(ctx context.Context, userID string) (release func(), err error)
}

// MemoryLocker is a keyed mutex for single-process deployments and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.Lock()
		close(done)
	}()
	select {
	case <-done:
		return m.Unlock, nil
	case <-ctx.Done():
		// The goroutine will eventually take and must give back the lock.
		go func() {
			<-done
			m.Unlock()
		}()
		return nil, ctx.Err()
	}
}

// RedisLocker takes a leased per-user lock via SETNX so turns stay
// serialized across replicas. The lease guards against a crashed holder.
type RedisLocker struct {
	client *redis.Client
	lease  time.Duration
}

func NewRedisLocker(client *redis.Client, lease time.Duration) *RedisLocker {
	if lease <= 0 {
		lease = 60 * time.Second
	}
	return &RedisLocker{client: client, lease: lease}
}

func (l *RedisLocker) Acquire(ctx context.Context, userID string) (func(), error) {
	key := fmt.Sprintf("coach:turnlock:%s", userID)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, "1", l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring turn lock: %w", err)
		}
		if ok {
			return func() {
				l.client.Del(context.Background(), key)
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// NewLocker picks the redis-backed locker when a client is configured and
// falls back to the in-memory one.
func NewLocker(client *redis.Client, lease time.Duration) TurnLocker {
	if client != nil {
		return NewRedisLocker(client, lease)
	}
	return NewMemoryLocker()
}
