package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mv(typ MovementType, amount int64) Movement {
	return Movement{AccountID: "acc-1", Type: typ, Status: StatusApproved, Amount: amount}
}

func adjustment(bucket Bucket, delta int64) Movement {
	m := mv(MovementAdjustment, abs(delta))
	m.Metadata = Metadata{Delta: delta, Bucket: bucket, Description: "correction"}
	return m
}

func TestDeltaFor(t *testing.T) {
	tests := []struct {
		name string
		m    Movement
		want BalanceDelta
	}{
		{"purchase", mv(MovementPurchased, 100), BalanceDelta{Purchased: 100}},
		{"bonus", mv(MovementBonus, 20), BalanceDelta{Bonus: 20}},
		{"consume", mv(MovementConsumed, 30), BalanceDelta{Consumed: 30}},
		{"refund", mv(MovementRefunded, 5), BalanceDelta{Refunded: 5}},
		{"adjust purchased down", adjustment(BucketPurchased, -10), BalanceDelta{Purchased: -10}},
		{"adjust defaults to bonus", adjustment("", 7), BalanceDelta{Bonus: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeltaFor(tt.m))
		})
	}
}

func TestDeltaFor_OnlyApprovedCounts(t *testing.T) {
	for _, status := range []MovementStatus{StatusPending, StatusExpired} {
		m := mv(MovementPurchased, 100)
		m.Status = status
		assert.True(t, DeltaFor(m).IsZero(), status)
		assert.Zero(t, m.SignedAmount(), status)
	}
}

func TestSignedAmount(t *testing.T) {
	assert.Equal(t, int64(100), mv(MovementPurchased, 100).SignedAmount())
	assert.Equal(t, int64(-30), mv(MovementConsumed, 30).SignedAmount())
	assert.Equal(t, int64(-5), mv(MovementRefunded, 5).SignedAmount())
	assert.Equal(t, int64(-10), adjustment(BucketBonus, -10).SignedAmount())
	// more consumption means less available
	assert.Equal(t, int64(-4), adjustment(BucketConsumed, 4).SignedAmount())
}

func TestApplyMovement_KeepsAvailableInStep(t *testing.T) {
	// GIVEN: a purchase, a bonus, a consumption and a refund
	b := ZeroBalance("acc-1")
	var err error
	for _, m := range []Movement{
		mv(MovementPurchased, 100),
		mv(MovementBonus, 50),
		mv(MovementConsumed, 40),
		mv(MovementRefunded, 10),
	} {
		b, err = ApplyMovement(b, m)
		require.NoError(t, err)
	}

	// THEN: available is derived from the buckets
	assert.Equal(t, int64(100), b.TotalPurchased)
	assert.Equal(t, int64(50), b.TotalBonus)
	assert.Equal(t, int64(40), b.TotalConsumed)
	assert.Equal(t, int64(10), b.TotalRefunded)
	assert.Equal(t, int64(100), b.TotalAvailable)
	assert.NoError(t, b.Check())
}

func TestApplyMovement_RejectsOverdraw(t *testing.T) {
	b, err := ApplyMovement(ZeroBalance("acc-1"), mv(MovementPurchased, 10))
	require.NoError(t, err)

	after, err := ApplyMovement(b, mv(MovementConsumed, 11))
	require.Error(t, err)
	assert.Equal(t, ReasonInsufficientBalance, ReasonOf(err))
	assert.Equal(t, b, after, "balance is unchanged on rejection")
}

func TestApplyMovement_RejectsNegativeBucket(t *testing.T) {
	b, err := ApplyMovement(ZeroBalance("acc-1"), mv(MovementPurchased, 10))
	require.NoError(t, err)

	_, err = ApplyMovement(b, adjustment(BucketBonus, -1))
	require.Error(t, err)
	assert.Equal(t, ReasonNegativeBucket, ReasonOf(err))
}

func TestApplyMovement_WrongAccount(t *testing.T) {
	m := mv(MovementBonus, 1)
	m.AccountID = "acc-2"
	_, err := ApplyMovement(ZeroBalance("acc-1"), m)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBalanceCheck_DetectsStaleAvailable(t *testing.T) {
	b := Balance{AccountID: "acc-1", TotalPurchased: 10, TotalAvailable: 7}
	assert.ErrorIs(t, b.Check(), ErrConstraintViolation)
	assert.NoError(t, b.Normalize().Check())
}

func TestRejection(t *testing.T) {
	b := Balance{AccountID: "acc-1", TotalPurchased: 10, TotalAvailable: 10}

	// a delta that fits means the row moved underneath the caller
	assert.ErrorIs(t, b.Rejection(BalanceDelta{Consumed: 5}), ErrConcurrencyConflict)
	assert.Equal(t, ReasonInsufficientBalance, ReasonOf(b.Rejection(BalanceDelta{Consumed: 50})))

	closed := time.Now()
	b.DeletedAt = &closed
	assert.Equal(t, ReasonAccountClosed, ReasonOf(b.Rejection(BalanceDelta{Bonus: 1})))
}

func TestReplay_SortsBySeq(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	consume := mv(MovementConsumed, 60)
	consume.CreatedAt, consume.Seq = t0.Add(time.Minute), 2
	buy := mv(MovementPurchased, 100)
	buy.CreatedAt, buy.Seq = t0, 1
	bonus := mv(MovementBonus, 5)
	bonus.CreatedAt, bonus.Seq = t0.Add(time.Minute), 3

	// GIVEN: movements out of order; consuming first would overdraw
	b, err := Replay("acc-1", []Movement{bonus, consume, buy})

	require.NoError(t, err)
	assert.Equal(t, int64(45), b.TotalAvailable)
}

func TestReplay_WallClockStepBack(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	buy := mv(MovementPurchased, 100)
	buy.CreatedAt, buy.Seq = t0, 1
	consume := mv(MovementConsumed, 60)
	consume.CreatedAt, consume.Seq = t0.Add(-time.Second), 2

	// GIVEN: the clock stepped back between the purchase and the consumption
	b, err := Replay("acc-1", []Movement{consume, buy})

	// THEN: commit order wins and no overdraw is reported
	require.NoError(t, err)
	assert.Equal(t, int64(40), b.TotalAvailable)
}

func TestMovementFilter_Matches(t *testing.T) {
	f := MovementFilter{Types: []MovementType{MovementBonus, MovementPurchased}}
	assert.True(t, f.Matches(mv(MovementBonus, 1)))
	assert.False(t, f.Matches(mv(MovementConsumed, 1)))
	assert.True(t, MovementFilter{}.Matches(mv(MovementConsumed, 1)))
}
