package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-engine/discount"
	"github.com/warp/token-engine/ledger"
	"github.com/warp/token-engine/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return New() })
}

func TestWithTx_RollbackRestoresCodeCounters(t *testing.T) {
	// GIVEN: a code claimed inside a unit of work that then fails
	ctx := context.Background()
	s := New()
	one := 1
	c := &discount.DiscountCode{ID: "c1", Code: "ONCE", Type: discount.CodeBonusTokens, MaxUses: &one, IsEnabled: true}
	require.NoError(t, s.CreateDiscountCode(ctx, c))

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.ClaimCodeUse(ctx, c.Claim("acc-1", time.Time{})))
		return ledger.Violation(ledger.ReasonInsufficientBalance, "later step failed")
	})
	require.Error(t, err)

	// THEN: the counter is back to zero and the code can still be claimed
	got, err := s.GetDiscountCode(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentUses)

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.ClaimCodeUse(ctx, c.Claim("acc-2", time.Time{}))
	}))
}

func TestWithTx_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := New().WithTx(ctx, func(ledger.Tx) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
