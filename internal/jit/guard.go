package jit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/lunzai/arguspam-sub003/internal/shared"
)

// Locker provides mutual exclusion across processes. Acquire fails with
// ErrSessionBusy when the key is already held.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("jit: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, key)
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}

// MemoryLocker is a single-process Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker constructs a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, key)
	}
	l.held[key] = struct{}{}
	return func(context.Context) error {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
		return nil
	}, nil
}

// sessionGuard serialises work on one session. Concurrent callers of the same
// operation share one execution; a different operation already holding the
// session lock gets ErrSessionBusy.
type sessionGuard struct {
	group  singleflight.Group
	locker Locker
	ttl    time.Duration
	logger *slog.Logger
}

func (g *sessionGuard) do(ctx context.Context, op string, sessionID int64, fn func(context.Context) (any, error)) (any, error) {
	key := fmt.Sprintf("%s:%d", op, sessionID)
	resultChan := g.group.DoChan(key, func() (any, error) {
		// The run is shared by every joined caller, so it must outlive the
		// caller that started it. The lock TTL bounds it instead.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.ttl)
		defer cancel()
		lockKey := shared.SessionLockKey(sessionID)
		release, err := g.locker.Acquire(runCtx, lockKey, g.ttl)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := release(context.WithoutCancel(runCtx)); err != nil {
				g.logger.WarnContext(runCtx, "release session lock", slog.String("key", lockKey), slog.Any("error", err))
			}
		}()
		return fn(runCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		return res.Val, res.Err
	}
}
