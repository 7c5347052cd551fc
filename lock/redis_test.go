package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-engine/ledger"
)

func newRedisLocker(t *testing.T, opts ...RedisOption) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, opts...), mr
}

func TestObtainError(t *testing.T) {
	err := obtainError("account:acc-1", redislock.ErrNotObtained)
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.ErrorIs(t, err, redislock.ErrNotObtained)
	assert.True(t, ledger.IsRetryable(err))

	err = obtainError("account:acc-1", errors.New("dial tcp: connection refused"))
	assert.True(t, ledger.IsExternal(err))
	assert.False(t, ledger.IsRetryable(err))
}

func TestReleaseError(t *testing.T) {
	assert.ErrorIs(t, releaseError(redislock.ErrLockNotHeld), ErrReleased)
	assert.NoError(t, releaseError(nil))
	other := errors.New("i/o timeout")
	assert.Equal(t, other, releaseError(other))
}

func TestRedis_ObtainAndRelease(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisLocker(t)

	held, err := r.Obtain(ctx, AccountKey("acc-1"))
	require.NoError(t, err)
	assert.True(t, mr.Exists(AccountKey("acc-1")))

	require.NoError(t, held.Release(ctx))
	assert.False(t, mr.Exists(AccountKey("acc-1")))

	again, err := r.Obtain(ctx, AccountKey("acc-1"))
	require.NoError(t, err)
	assert.NoError(t, again.Release(ctx))
}

func TestRedis_HeldKeyIsConflict(t *testing.T) {
	// GIVEN: a short retry budget and a key held by another instance
	ctx := context.Background()
	r, _ := newRedisLocker(t, WithRetry(5*time.Millisecond, 2))
	held, err := r.Obtain(ctx, DefaultBulkDiscountKey)
	require.NoError(t, err)
	defer held.Release(ctx)

	// WHEN
	_, err = r.Obtain(ctx, DefaultBulkDiscountKey)

	// THEN
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.True(t, ledger.IsRetryable(err))
}

func TestRedis_ExpiredLockReleaseReportsReleased(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisLocker(t, WithTTL(time.Second))
	held, err := r.Obtain(ctx, "k")
	require.NoError(t, err)

	// WHEN: the TTL runs out before the holder releases
	mr.FastForward(2 * time.Second)

	assert.ErrorIs(t, held.Release(ctx), ErrReleased)
}

func TestRedis_Unavailable(t *testing.T) {
	r, mr := newRedisLocker(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.Obtain(ctx, "k")

	require.Error(t, err)
	assert.False(t, errors.Is(err, ledger.ErrConcurrencyConflict))
	assert.True(t, ledger.IsExternal(err))
}
