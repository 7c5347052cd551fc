package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/warp/token-engine/ledger"
)

// =============================================================================
// REDIS - Distributed lock shared by every engine instance
// =============================================================================

// Redis obtains locks through redislock. A key that stays held for the
// whole retry budget yields a ConcurrencyConflict.
type Redis struct {
	client  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
	retries int
}

type RedisOption func(*Redis)

// WithTTL sets how long a lock lives if its holder never releases it.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithRetry sets the backoff between attempts and the number of retries.
func WithRetry(backoff time.Duration, retries int) RedisOption {
	return func(r *Redis) {
		r.backoff = backoff
		r.retries = retries
	}
}

func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  redislock.New(rdb),
		ttl:     30 * time.Second,
		backoff: 50 * time.Millisecond,
		retries: 40,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Obtain(ctx context.Context, key string) (Lock, error) {
	l, err := r.client.Obtain(ctx, key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.backoff), r.retries),
	})
	if err != nil {
		return nil, obtainError(key, err)
	}
	return redisLock{l}, nil
}

// obtainError maps redislock failures: a key still held after the retry
// budget is a conflict, anything else is Redis being unavailable.
func obtainError(key string, err error) error {
	if errors.Is(err, redislock.ErrNotObtained) {
		return conflict(key, err)
	}
	return ledger.External("obtain lock "+key, err)
}

type redisLock struct{ l *redislock.Lock }

func (rl redisLock) Release(ctx context.Context) error {
	return releaseError(rl.l.Release(ctx))
}

// releaseError reports a lock that expired or was already released as
// ErrReleased.
func releaseError(err error) error {
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return ErrReleased
	}
	return err
}
