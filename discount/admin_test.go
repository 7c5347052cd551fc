package discount_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-engine/discount"
	"github.com/warp/token-engine/ledger"
	"github.com/warp/token-engine/lock"
	"github.com/warp/token-engine/store/memory"
)

func newAdmin() (*discount.Admin, *memory.Store) {
	s := memory.New()
	return discount.NewAdmin(s, s, discount.WithLocker(lock.NewLocal(time.Second))), s
}

func schedule(name string, isDefault bool) discount.BulkDiscount {
	return discount.BulkDiscount{
		Name:      name,
		IsDefault: isDefault,
		IsEnabled: true,
		Tiers: []discount.Tier{
			{MinTokens: 0, DiscountPercentage: decimal.Zero, IsEnabled: true},
			{MinTokens: 100, DiscountPercentage: decimal.NewFromInt(5), IsEnabled: true},
		},
	}
}

func defaults(t *testing.T, a *discount.Admin) []string {
	t.Helper()
	all, err := a.ListBulkDiscounts(context.Background())
	require.NoError(t, err)
	var names []string
	for _, b := range all {
		if b.IsDefault {
			names = append(names, b.Name)
		}
	}
	return names
}

func TestCreateDiscountCode_NormalizesAndResetsCounters(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin()

	c, err := a.CreateDiscountCode(ctx, discount.DiscountCode{
		Code:                 " welcome10 ",
		Type:                 discount.CodePercentage,
		Value:                decimal.NewFromInt(10),
		ApplicableCurrencies: []string{"usd"},
		CurrentUses:          42,
		IsEnabled:            true,
	})

	require.NoError(t, err)
	assert.Equal(t, "WELCOME10", c.Code)
	assert.Equal(t, []string{"USD"}, c.ApplicableCurrencies)
	assert.Zero(t, c.CurrentUses)
	assert.NotEmpty(t, c.ID)

	got, err := a.GetDiscountCode(ctx, "Welcome10")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestCreateDiscountCode_Duplicate(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin()
	code := discount.DiscountCode{Code: "ONCE", Type: discount.CodeFixedAmount, Value: decimal.NewFromInt(5), IsEnabled: true}

	_, err := a.CreateDiscountCode(ctx, code)
	require.NoError(t, err)
	_, err = a.CreateDiscountCode(ctx, code)

	assert.Equal(t, ledger.ReasonDuplicateCode, ledger.ReasonOf(err))
}

func TestSetDiscountCodeEnabled(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin()
	_, err := a.CreateDiscountCode(ctx, discount.DiscountCode{Code: "X1", Type: discount.CodeBonusTokens, Value: decimal.NewFromInt(50), IsEnabled: true})
	require.NoError(t, err)

	c, err := a.SetDiscountCodeEnabled(ctx, "x1", false)
	require.NoError(t, err)
	assert.False(t, c.IsEnabled)

	_, err = a.SetDiscountCodeEnabled(ctx, "missing", true)
	assert.True(t, ledger.IsNotFound(err))

	_, err = a.CodeUsages(ctx, "missing")
	assert.True(t, ledger.IsNotFound(err))
}

func TestCreateBulkDiscount_DefaultMovesToNewest(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin()

	_, err := a.CreateBulkDiscount(ctx, schedule("first", true))
	require.NoError(t, err)
	_, err = a.CreateBulkDiscount(ctx, schedule("second", true))
	require.NoError(t, err)

	assert.Equal(t, []string{"second"}, defaults(t, a))

	_, err = a.CreateBulkDiscount(ctx, schedule("second", false))
	assert.Equal(t, ledger.ReasonDuplicateName, ledger.ReasonOf(err))
}

func TestCreateBulkDiscount_DisabledCannotBeDefault(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin()
	_, err := a.CreateBulkDiscount(ctx, schedule("current", true))
	require.NoError(t, err)

	// WHEN: a disabled schedule is created with the default flag
	off := schedule("off", true)
	off.IsEnabled = false
	_, err = a.CreateBulkDiscount(ctx, off)

	// THEN: it is refused like SetAsDefault and the default stays put
	assert.Equal(t, ledger.ReasonScheduleDisabled, ledger.ReasonOf(err))
	assert.Equal(t, []string{"current"}, defaults(t, a))
	all, err := a.ListBulkDiscounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSetAsDefault(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin()
	first, err := a.CreateBulkDiscount(ctx, schedule("first", true))
	require.NoError(t, err)
	second, err := a.CreateBulkDiscount(ctx, schedule("second", false))
	require.NoError(t, err)

	// WHEN: the default flag moves to the second schedule
	got, err := a.SetAsDefault(ctx, second.ID)

	// THEN: exactly one schedule is default
	require.NoError(t, err)
	assert.True(t, got.IsDefault)
	assert.Equal(t, []string{"second"}, defaults(t, a))

	// setting the current default again is a no-op
	_, err = a.SetAsDefault(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, defaults(t, a))

	// a disabled schedule cannot become default
	_, err = a.SetBulkDiscountEnabled(ctx, first.ID, false)
	require.NoError(t, err)
	_, err = a.SetAsDefault(ctx, first.ID)
	assert.Equal(t, ledger.ReasonScheduleDisabled, ledger.ReasonOf(err))

	_, err = a.SetAsDefault(ctx, "missing")
	assert.True(t, ledger.IsNotFound(err))
}

func TestSetAsDefault_ConcurrentCallsLeaveOneDefault(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin()
	var ids []string
	for i := 0; i < 8; i++ {
		b, err := a.CreateBulkDiscount(ctx, schedule(fmt.Sprintf("s%d", i), i == 0))
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := a.SetAsDefault(ctx, id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Len(t, defaults(t, a), 1)
}

func TestCreateBulkDiscount_Invalid(t *testing.T) {
	a, _ := newAdmin()
	b := schedule("bad", false)
	b.Tiers = append(b.Tiers, discount.Tier{MinTokens: 100, DiscountPercentage: decimal.NewFromInt(9), IsEnabled: true})

	_, err := a.CreateBulkDiscount(context.Background(), b)

	assert.Equal(t, ledger.ReasonOverlappingTiers, ledger.ReasonOf(err))
}
