package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-engine/ledger"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(5 * time.Second)

	var (
		inside  atomic.Int32
		overlap atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held, err := l.Obtain(ctx, AccountKey("acc-1"))
			if !assert.NoError(t, err) {
				return
			}
			if inside.Add(1) > 1 {
				overlap.Add(1)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, held.Release(ctx))
		}()
	}
	wg.Wait()

	assert.Zero(t, overlap.Load())
	assert.Empty(t, l.slots, "idle keys are dropped")
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(50 * time.Millisecond)

	a, err := l.Obtain(ctx, AccountKey("acc-1"))
	require.NoError(t, err)
	defer a.Release(ctx)

	b, err := l.Obtain(ctx, AccountKey("acc-2"))
	require.NoError(t, err)
	assert.NoError(t, b.Release(ctx))
}

func TestLocal_TimeoutIsConflict(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(20 * time.Millisecond)
	held, err := l.Obtain(ctx, DefaultBulkDiscountKey)
	require.NoError(t, err)

	_, err = l.Obtain(ctx, DefaultBulkDiscountKey)

	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.True(t, ledger.IsRetryable(err))

	require.NoError(t, held.Release(ctx))
	again, err := l.Obtain(ctx, DefaultBulkDiscountKey)
	require.NoError(t, err)
	assert.NoError(t, again.Release(ctx))
}

func TestLocal_ContextCancelled(t *testing.T) {
	l := NewLocal(0)
	held, err := l.Obtain(context.Background(), "k")
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Obtain(ctx, "k")

	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocal_DoubleRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(time.Second)
	held, err := l.Obtain(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, held.Release(ctx))
	assert.ErrorIs(t, held.Release(ctx), ErrReleased)
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	a, err := Nop{}.Obtain(ctx, "k")
	require.NoError(t, err)
	b, err := Nop{}.Obtain(ctx, "k")
	require.NoError(t, err)
	assert.NoError(t, a.Release(ctx))
	assert.NoError(t, b.Release(ctx))
}
