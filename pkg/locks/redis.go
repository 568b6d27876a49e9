package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if this holder still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every API replica. Each lock is a lease:
// a holder that dies releases it when the TTL runs out.
type RedisLocker struct {
	rdb       *redis.Client
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
	log       logger.Logger
}

// RedisLockerOption configures a RedisLocker
type RedisLockerOption func(*RedisLocker)

// WithTTL sets the lease duration
func WithTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.ttl = ttl }
}

// WithRetryWait sets the polling interval while the lock is held elsewhere
func WithRetryWait(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.retryWait = d }
}

// NewRedisLocker creates a distributed Locker
func NewRedisLocker(rdb *redis.Client, log logger.Logger, opts ...RedisLockerOption) *RedisLocker {
	if log == nil {
		log = logger.Default()
	}
	l := &RedisLocker{
		rdb:       rdb,
		prefix:    "lock:entitlement:",
		ttl:       30 * time.Second,
		retryWait: 25 * time.Millisecond,
		log:       log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock polls SET NX until it wins the lease or ctx is done
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrLockTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
	}

	return func() {
		// Release must not be skipped because the caller's context ended
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.rdb, []string{redisKey}, token).Err(); err != nil {
			l.log.Warn("failed to release lock", "key", key, "error", err)
		}
	}, nil
}
