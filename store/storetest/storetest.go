/*
Package storetest is the conformance suite every Store implementation runs.

USAGE:

	func TestConformance(t *testing.T) {
	    storetest.Run(t, func(t *testing.T) storetest.Store {
	        return newTestStore(t)
	    })
	}
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-engine/discount"
	"github.com/warp/token-engine/ledger"
	"golang.org/x/sync/errgroup"
)

// Store is what a complete implementation provides.
type Store interface {
	ledger.Store
	ledger.ReportStore
	discount.Store
	Reset(ctx context.Context) error
}

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) Store

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, Factory)
	}{
		{"ZeroBalanceForUnknownAccount", testZeroBalance},
		{"MovementsUpdateBalanceTogether", testMovementsUpdateBalance},
		{"InsufficientBalanceWritesNothing", testInsufficientBalance},
		{"FailedTxRollsBack", testRollback},
		{"ConcurrentBonusGrants", testConcurrentBonus},
		{"MovementOrderAndFilters", testMovementQueries},
		{"ClosedAccountRejectsMovements", testClosedAccount},
		{"DiscountCodeCRUD", testDiscountCodes},
		{"CodeClaimMaxUsesUnderConcurrency", testConcurrentCodeClaim},
		{"CodeClaimPerAccountLimit", testPerAccountLimit},
		{"CodeClaimRechecksEnabledAndWindow", testClaimRechecksCode},
		{"BulkDiscountSingleDefault", testSingleDefault},
		{"ConcurrentSetDefault", testConcurrentSetDefault},
		{"ReconcileReports", testReconcileReports},
		{"ResetClearsEverything", testReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, newStore) })
	}
}

func bonus(accountID ledger.AccountID, amount int64) ledger.AppendRequest {
	return ledger.AppendRequest{
		AccountID: accountID,
		Type:      ledger.MovementBonus,
		Amount:    amount,
		Metadata:  ledger.Metadata{Description: "test grant"},
	}
}

func intPtr(n int) *int { return &n }

// =============================================================================
// LEDGER
// =============================================================================

func testZeroBalance(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	b, err := s.GetBalance(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, b)

	bal, err := ledger.New(s).GetByAccountID(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, ledger.ZeroBalance("nobody"), bal)
}

func testMovementsUpdateBalance(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	l := ledger.New(s)
	acc := ledger.AccountID("acc-1")

	steps := []ledger.AppendRequest{
		{AccountID: acc, Type: ledger.MovementPurchased, Amount: 1000},
		bonus(acc, 200),
		{AccountID: acc, Type: ledger.MovementConsumed, Amount: 300},
		{AccountID: acc, Type: ledger.MovementRefunded, Amount: 100},
		{AccountID: acc, Type: ledger.MovementAdjustment, Metadata: ledger.Metadata{
			Description: "correct grant", Delta: -50, Bucket: ledger.BucketBonus,
		}},
		{AccountID: acc, Type: ledger.MovementPurchased, Amount: 500, Status: ledger.StatusPending},
	}
	for _, req := range steps {
		_, bal, err := l.Append(ctx, req)
		require.NoError(t, err)
		require.NoError(t, bal.Check())
	}

	stored, err := s.GetBalance(ctx, acc)
	require.NoError(t, err)
	require.NotNil(t, stored)
	got := stored.Normalize()
	assert.Equal(t, int64(1000), got.TotalPurchased)
	assert.Equal(t, int64(150), got.TotalBonus)
	assert.Equal(t, int64(300), got.TotalConsumed)
	assert.Equal(t, int64(100), got.TotalRefunded)
	assert.Equal(t, int64(750), got.TotalAvailable)

	movements, err := s.ListMovements(ctx, acc, ledger.MovementFilter{})
	require.NoError(t, err)
	require.Len(t, movements, len(steps))

	replayed, err := ledger.Replay(acc, movements)
	require.NoError(t, err)
	assert.Equal(t, got.TotalAvailable, replayed.TotalAvailable)

	byUID, err := s.GetMovement(ctx, movements[1].UID)
	require.NoError(t, err)
	require.NotNil(t, byUID)
	assert.Equal(t, ledger.MovementBonus, byUID.Type)
	assert.Equal(t, "test grant", byUID.Metadata.Description)

	missing, err := s.GetMovement(ctx, "no-such-uid")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testInsufficientBalance(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	l := ledger.New(s)
	acc := ledger.AccountID("acc-1")

	_, _, err := l.Append(ctx, bonus(acc, 100))
	require.NoError(t, err)

	_, _, err = l.Append(ctx, ledger.AppendRequest{AccountID: acc, Type: ledger.MovementConsumed, Amount: 101})
	require.Error(t, err)
	assert.Equal(t, ledger.ReasonInsufficientBalance, ledger.ReasonOf(err))

	movements, err := s.ListMovements(ctx, acc, ledger.MovementFilter{})
	require.NoError(t, err)
	assert.Len(t, movements, 1)

	bal, err := l.GetByAccountID(ctx, acc)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.TotalAvailable)
}

func testRollback(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	l := ledger.New(s)
	acc := ledger.AccountID("acc-1")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if _, _, err := l.AppendTx(ctx, tx, bonus(acc, 100)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := s.GetBalance(ctx, acc)
	require.NoError(t, err)
	assert.Nil(t, b)
	movements, err := s.ListMovements(ctx, acc, ledger.MovementFilter{})
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func testConcurrentBonus(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	l := ledger.New(s)
	acc := ledger.AccountID("acc-1")
	const n, amount = 20, 25

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := l.AddBonusTokens(ctx, acc, amount, "concurrent grant", ledger.SystemActor)
			return err
		})
	}
	require.NoError(t, g.Wait())

	bal, err := l.GetByAccountID(ctx, acc)
	require.NoError(t, err)
	assert.Equal(t, int64(n*amount), bal.TotalAvailable)
	assert.Equal(t, int64(n*amount), bal.TotalBonus)

	movements, err := s.ListMovements(ctx, acc, ledger.MovementFilter{})
	require.NoError(t, err)
	assert.Len(t, movements, n)
}

func testMovementQueries(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	l := ledger.New(s)

	for i := 0; i < 3; i++ {
		_, _, err := l.Append(ctx, bonus("acc-1", int64(10+i)))
		require.NoError(t, err)
		_, _, err = l.Append(ctx, ledger.AppendRequest{AccountID: "acc-1", Type: ledger.MovementConsumed, Amount: 1})
		require.NoError(t, err)
	}
	_, _, err := l.Append(ctx, bonus("acc-2", 5))
	require.NoError(t, err)

	all, err := s.ListMovements(ctx, "acc-1", ledger.MovementFilter{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Less(all[i]), "movements must be ordered by (created_at, seq)")
	}

	bonuses, err := s.ListMovements(ctx, "acc-1", ledger.MovementFilter{Types: []ledger.MovementType{ledger.MovementBonus}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, bonuses, 2)
	assert.Equal(t, int64(10), bonuses[0].Amount)
	assert.Equal(t, int64(11), bonuses[1].Amount)

	ids, err := s.ListAccountIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountID{"acc-1", "acc-2"}, ids)
}

func testClosedAccount(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	l := ledger.New(s)

	_, _, err := l.Append(ctx, bonus("acc-1", 10))
	require.NoError(t, err)
	require.NoError(t, l.CloseAccount(ctx, "acc-1"))

	b, err := s.GetBalance(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.IsClosed())

	_, _, err = l.Append(ctx, bonus("acc-1", 10))
	require.Error(t, err)
	assert.Equal(t, ledger.ReasonAccountClosed, ledger.ReasonOf(err))

	assert.ErrorIs(t, s.SoftDeleteBalance(ctx, "never-seen"), ledger.ErrNotFound)
}

// =============================================================================
// DISCOUNT CODES
// =============================================================================

func newCode(id, code string, maxUses, perAccount *int) *discount.DiscountCode {
	return &discount.DiscountCode{
		ID:                   id,
		Code:                 code,
		Type:                 discount.CodePercentage,
		Value:                decimal.NewFromInt(10),
		ApplicableCurrencies: []string{"ARS", "USD"},
		MaxUses:              maxUses,
		MaxUsesPerAccount:    perAccount,
		IsEnabled:            true,
		CreatedBy:            "admin-1",
	}
}

func testDiscountCodes(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	minimum := decimal.RequireFromString("100.50")
	c := newCode("code-1", "WELCOME10", intPtr(5), nil)
	c.MinimumPurchase = &minimum
	require.NoError(t, s.CreateDiscountCode(ctx, c))
	require.NoError(t, s.CreateDiscountCode(ctx, newCode("code-2", "AAA", nil, nil)))

	err := s.CreateDiscountCode(ctx, newCode("code-3", "WELCOME10", nil, nil))
	require.Error(t, err)
	assert.Equal(t, ledger.ReasonDuplicateCode, ledger.ReasonOf(err))

	got, err := s.GetDiscountCode(ctx, "WELCOME10")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "code-1", got.ID)
	assert.Equal(t, []string{"ARS", "USD"}, got.ApplicableCurrencies)
	require.NotNil(t, got.MinimumPurchase)
	assert.True(t, got.MinimumPurchase.Equal(minimum))
	require.NotNil(t, got.MaxUses)
	assert.Equal(t, 5, *got.MaxUses)
	assert.Nil(t, got.MaxUsesPerAccount)
	assert.True(t, got.Value.Equal(decimal.NewFromInt(10)))

	missing, err := s.GetDiscountCode(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := s.ListDiscountCodes(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "AAA", all[0].Code)

	require.NoError(t, s.SetDiscountCodeEnabled(ctx, "WELCOME10", false))
	got, err = s.GetDiscountCode(ctx, "WELCOME10")
	require.NoError(t, err)
	assert.False(t, got.IsEnabled)
	assert.ErrorIs(t, s.SetDiscountCodeEnabled(ctx, "NOPE", true), ledger.ErrNotFound)
}

func testConcurrentCodeClaim(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	c := newCode("code-1", "ONCE", intPtr(1), nil)
	require.NoError(t, s.CreateDiscountCode(ctx, c))

	var ok, exhausted atomic.Int32
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		acc := ledger.AccountID(fmt.Sprintf("acc-%d", i))
		g.Go(func() error {
			err := s.WithTx(ctx, func(tx ledger.Tx) error {
				if err := tx.ClaimCodeUse(ctx, c.Claim(acc, time.Time{})); err != nil {
					return err
				}
				return tx.AppendCodeUsage(ctx, &ledger.CodeUsage{
					CodeID: c.ID, AccountID: acc, TokensAmount: 100,
					DiscountApplied: decimal.NewFromInt(10), Currency: "ARS",
				})
			})
			switch {
			case err == nil:
				ok.Add(1)
			case ledger.ReasonOf(err) == ledger.ReasonCodeExhausted:
				exhausted.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), exhausted.Load())

	got, err := s.GetDiscountCode(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentUses)

	usages, err := s.ListCodeUsages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	assert.True(t, usages[0].DiscountApplied.Equal(decimal.NewFromInt(10)))
}

func testPerAccountLimit(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	c := newCode("code-1", "TWICE", nil, intPtr(2))
	require.NoError(t, s.CreateDiscountCode(ctx, c))

	redeem := func(acc ledger.AccountID) error {
		return s.WithTx(ctx, func(tx ledger.Tx) error {
			if err := tx.ClaimCodeUse(ctx, c.Claim(acc, time.Time{})); err != nil {
				return err
			}
			return tx.AppendCodeUsage(ctx, &ledger.CodeUsage{CodeID: c.ID, AccountID: acc, TokensAmount: 1, Currency: "ARS"})
		})
	}

	require.NoError(t, redeem("acc-1"))
	require.NoError(t, redeem("acc-1"))
	err := redeem("acc-1")
	require.Error(t, err)
	assert.Equal(t, ledger.ReasonAccountLimitReached, ledger.ReasonOf(err))
	require.NoError(t, redeem("acc-2"))

	n, err := s.CountCodeUses(ctx, c.ID, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetDiscountCode(ctx, "TWICE")
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentUses)
}

func testClaimRechecksCode(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	before, after := at.Add(-time.Hour), at.Add(time.Hour)

	open := newCode("code-open", "OPEN", nil, nil)
	open.ValidFrom, open.ValidUntil = &before, &after
	late := newCode("code-late", "LATE", nil, nil)
	late.ValidUntil = &before
	soon := newCode("code-soon", "SOON", nil, nil)
	soon.ValidFrom = &after
	off := newCode("code-off", "OFF", nil, nil)
	for _, c := range []*discount.DiscountCode{open, late, soon, off} {
		require.NoError(t, s.CreateDiscountCode(ctx, c))
	}
	// GIVEN: OFF was disabled after it had been resolved
	require.NoError(t, s.SetDiscountCodeEnabled(ctx, "OFF", false))

	claim := func(c *discount.DiscountCode) error {
		return s.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.ClaimCodeUse(ctx, c.Claim("acc-1", at))
		})
	}

	// THEN: the stored flag and window decide, and rejected claims count nothing
	require.NoError(t, claim(open))
	assert.Equal(t, ledger.ReasonCodeDisabled, ledger.ReasonOf(claim(off)))
	assert.Equal(t, ledger.ReasonCodeExpired, ledger.ReasonOf(claim(late)))
	assert.Equal(t, ledger.ReasonCodeNotYetValid, ledger.ReasonOf(claim(soon)))

	for code, uses := range map[string]int{"OPEN": 1, "OFF": 0, "LATE": 0, "SOON": 0} {
		got, err := s.GetDiscountCode(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, uses, got.CurrentUses, code)
	}
}

// =============================================================================
// BULK DISCOUNTS
// =============================================================================

func newSchedule(id, name string, isDefault bool) *discount.BulkDiscount {
	upper := int64(999)
	return &discount.BulkDiscount{
		ID:        id,
		Name:      name,
		Priority:  1,
		IsDefault: isDefault,
		IsEnabled: true,
		Tiers: []discount.Tier{
			{MinTokens: 100, MaxTokens: &upper, DiscountPercentage: decimal.NewFromInt(5), Label: "small", IsEnabled: true},
			{MinTokens: 1000, DiscountPercentage: decimal.RequireFromString("12.5"), Label: "large", IsEnabled: true},
		},
		ApplicableCountries: []string{"AR"},
		MinAccountAgeDays:   7,
	}
}

func defaults(t *testing.T, s Store) []string {
	all, err := s.ListBulkDiscounts(context.Background())
	require.NoError(t, err)
	var ids []string
	for _, b := range all {
		if b.IsDefault {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

func testSingleDefault(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateBulkDiscount(ctx, newSchedule("bd-1", "Launch", true)))
	require.NoError(t, s.CreateBulkDiscount(ctx, newSchedule("bd-2", "Summer", true)))
	assert.Equal(t, []string{"bd-2"}, defaults(t, s))

	err := s.CreateBulkDiscount(ctx, newSchedule("bd-3", "Launch", false))
	require.Error(t, err)
	assert.Equal(t, ledger.ReasonDuplicateName, ledger.ReasonOf(err))

	require.NoError(t, s.SetDefaultBulkDiscount(ctx, "bd-1"))
	assert.Equal(t, []string{"bd-1"}, defaults(t, s))
	assert.ErrorIs(t, s.SetDefaultBulkDiscount(ctx, "missing"), ledger.ErrNotFound)
	assert.Equal(t, []string{"bd-1"}, defaults(t, s))

	got, err := s.GetBulkDiscount(ctx, "bd-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Tiers, 2)
	require.NotNil(t, got.Tiers[0].MaxTokens)
	assert.Equal(t, int64(999), *got.Tiers[0].MaxTokens)
	assert.Nil(t, got.Tiers[1].MaxTokens)
	assert.True(t, got.Tiers[1].DiscountPercentage.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, []string{"AR"}, got.ApplicableCountries)
	assert.Equal(t, 7, got.MinAccountAgeDays)

	require.NoError(t, s.SetBulkDiscountEnabled(ctx, "bd-2", false))
	got, err = s.GetBulkDiscount(ctx, "bd-2")
	require.NoError(t, err)
	assert.False(t, got.IsEnabled)

	missing, err := s.GetBulkDiscount(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testConcurrentSetDefault(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	const n = 6
	for i := 0; i < n; i++ {
		require.NoError(t, s.CreateBulkDiscount(ctx, newSchedule(fmt.Sprintf("bd-%d", i), fmt.Sprintf("Schedule %d", i), i == 0)))
	}

	var g errgroup.Group
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("bd-%d", i)
		g.Go(func() error {
			err := s.SetDefaultBulkDiscount(ctx, id)
			if ledger.IsRetryable(err) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, defaults(t, s), 1)
}

// =============================================================================
// REPORTS & RESET
// =============================================================================

func testReconcileReports(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	last, err := s.LastReconcileReport(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	_, _, err = ledger.New(s).Append(ctx, bonus("acc-1", 40))
	require.NoError(t, err)

	report, err := ledger.NewReconciler(s, 2, nil).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	require.NoError(t, s.SaveReconcileReport(ctx, report))

	drifted := ledger.ReconcileReport{
		StartedAt:  time.Unix(1700000000, 0).UTC(),
		FinishedAt: time.Unix(1700000005, 0).UTC(),
		Accounts:   3,
		Movements:  9,
		Drifts:     []ledger.Drift{{AccountID: "acc-9", Movements: 2, Err: "replay failed"}},
	}
	require.NoError(t, s.SaveReconcileReport(ctx, drifted))

	last, err = s.LastReconcileReport(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 3, last.Accounts)
	assert.Equal(t, 9, last.Movements)
	assert.True(t, drifted.StartedAt.Equal(last.StartedAt))
	require.Len(t, last.Drifts, 1)
	assert.Equal(t, ledger.AccountID("acc-9"), last.Drifts[0].AccountID)
	assert.Equal(t, "replay failed", last.Drifts[0].Err)
}

func testReset(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	_, _, err := ledger.New(s).Append(ctx, bonus("acc-1", 40))
	require.NoError(t, err)
	require.NoError(t, s.CreateDiscountCode(ctx, newCode("c-1", "WELCOME", nil, nil)))
	require.NoError(t, s.CreateBulkDiscount(ctx, newSchedule("bd-1", "Launch", true)))

	require.NoError(t, s.Reset(ctx))

	b, err := s.GetBalance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Nil(t, b)
	codes, err := s.ListDiscountCodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, codes)
	schedules, err := s.ListBulkDiscounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, schedules)
}
