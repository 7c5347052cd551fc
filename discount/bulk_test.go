package discount

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-engine/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func tier(lo, pct int64) Tier {
	return Tier{MinTokens: lo, DiscountPercentage: decimal.NewFromInt(pct), IsEnabled: true}
}

func ptr[T any](v T) *T { return &v }

func standardSchedule() BulkDiscount {
	return BulkDiscount{
		ID:        "std",
		Name:      "Standard volume",
		IsDefault: true,
		IsEnabled: true,
		Tiers:     []Tier{tier(0, 0), tier(100, 5), tier(1000, 15)},
	}
}

type bulkList []BulkDiscount

func (l bulkList) ListBulkDiscounts(context.Context) ([]BulkDiscount, error) { return l, nil }

type failingBulkList struct{}

func (failingBulkList) ListBulkDiscounts(context.Context) ([]BulkDiscount, error) {
	return nil, errors.New("connection reset")
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

// =============================================================================
// TIERS
// =============================================================================

func TestTierFor_OpenEndedTiers(t *testing.T) {
	b := standardSchedule()

	tests := []struct {
		qty  int64
		want int64
	}{
		{1, 0},
		{99, 0},
		{100, 5},
		{150, 5},
		{999, 5},
		{1000, 15},
		{250000, 15},
	}
	for _, tt := range tests {
		got := b.TierFor(tt.qty)
		require.NotNil(t, got, "qty %d", tt.qty)
		assert.True(t, got.DiscountPercentage.Equal(decimal.NewFromInt(tt.want)), "qty %d got %s", tt.qty, got.DiscountPercentage)
	}
}

func TestTierFor_GapAndDisabledTier(t *testing.T) {
	b := BulkDiscount{Tiers: []Tier{
		{MinTokens: 100, MaxTokens: ptr[int64](199), DiscountPercentage: decimal.NewFromInt(3), IsEnabled: true},
		{MinTokens: 500, DiscountPercentage: decimal.NewFromInt(10), IsEnabled: false},
	}}

	assert.Nil(t, b.TierFor(50), "below the first tier")
	assert.Nil(t, b.TierFor(300), "between tiers")
	assert.Nil(t, b.TierFor(600), "disabled tier")
	assert.NotNil(t, b.TierFor(150))
}

func TestValidate_Tiers(t *testing.T) {
	tests := []struct {
		name   string
		tiers  []Tier
		reason ledger.Reason
		kind   error
	}{
		{"same min", []Tier{tier(100, 5), tier(100, 10)}, ledger.ReasonOverlappingTiers, nil},
		{"explicit max reaches next", []Tier{
			{MinTokens: 0, MaxTokens: ptr[int64](150), IsEnabled: true},
			tier(100, 5),
		}, ledger.ReasonOverlappingTiers, nil},
		{"max below min", []Tier{{MinTokens: 10, MaxTokens: ptr[int64](5), IsEnabled: true}}, "", ledger.ErrValidation},
		{"negative min", []Tier{tier(-1, 5)}, "", ledger.ErrValidation},
		{"percentage over 100", []Tier{tier(0, 101)}, "", ledger.ErrValidation},
		{"no tiers", nil, "", ledger.ErrMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := BulkDiscount{Name: "s", IsEnabled: true, Tiers: tt.tiers}.Normalize()
			err := b.Validate()
			require.Error(t, err)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, ledger.ReasonOf(err))
			}
			if tt.kind != nil {
				assert.ErrorIs(t, err, tt.kind)
			}
		})
	}
}

func TestValidate_DisabledTierMayOverlap(t *testing.T) {
	off := tier(100, 10)
	off.IsEnabled = false
	b := BulkDiscount{Name: "s", Tiers: []Tier{tier(0, 0), tier(100, 5), off}}
	assert.NoError(t, b.Normalize().Validate())
}

func TestNormalize_SortsTiers(t *testing.T) {
	b := BulkDiscount{Name: "  s ", ApplicableCurrencies: []string{"usd", "USD", " eur"},
		Tiers: []Tier{tier(1000, 15), tier(0, 0), tier(100, 5)}}.Normalize()

	assert.Equal(t, "s", b.Name)
	assert.Equal(t, []string{"USD", "EUR"}, b.ApplicableCurrencies)
	assert.Equal(t, []int64{0, 100, 1000}, []int64{b.Tiers[0].MinTokens, b.Tiers[1].MinTokens, b.Tiers[2].MinTokens})
}

// =============================================================================
// SELECTION
// =============================================================================

func TestSelect_DefaultIsOnlyAFallback(t *testing.T) {
	std := standardSchedule()
	ars := BulkDiscount{Name: "Argentina", Priority: 0, IsEnabled: true,
		ApplicableCurrencies: []string{"ARS"}, Tiers: []Tier{tier(500, 10)}}

	// GIVEN: an eligible non-default schedule next to the default
	got := Select([]BulkDiscount{std, ars}, BulkRequest{TokenQuantity: 600, Currency: "ARS"}, now)
	require.NotNil(t, got)
	assert.Equal(t, "Argentina", got.Name)

	// WHEN: the non-default one is not eligible, the default applies
	got = Select([]BulkDiscount{std, ars}, BulkRequest{TokenQuantity: 600, Currency: "USD"}, now)
	require.NotNil(t, got)
	assert.Equal(t, "Standard volume", got.Name)
}

func TestSelect_PriorityThenName(t *testing.T) {
	a := BulkDiscount{Name: "b-second", Priority: 5, IsEnabled: true, Tiers: []Tier{tier(0, 1)}}
	b := BulkDiscount{Name: "a-first", Priority: 5, IsEnabled: true, Tiers: []Tier{tier(0, 2)}}
	c := BulkDiscount{Name: "low", Priority: 1, IsEnabled: true, Tiers: []Tier{tier(0, 3)}}

	got := Select([]BulkDiscount{c, a, b}, BulkRequest{TokenQuantity: 10}, now)

	require.NotNil(t, got)
	assert.Equal(t, "a-first", got.Name)
}

func TestEligible(t *testing.T) {
	base := BulkDiscount{Name: "s", IsEnabled: true, ApplicableCountries: []string{"AR"},
		RequiresVerification: true, MinAccountAgeDays: 30, Tiers: []Tier{tier(0, 5)}}
	ok := BulkRequest{TokenQuantity: 10, Country: "ar", Verified: true, AccountAgeDays: 30}

	assert.True(t, Eligible(base, ok, now))

	unverified := ok
	unverified.Verified = false
	assert.False(t, Eligible(base, unverified, now))

	young := ok
	young.AccountAgeDays = 29
	assert.False(t, Eligible(base, young, now))

	abroad := ok
	abroad.Country = "BR"
	assert.False(t, Eligible(base, abroad, now))

	expired := base
	expired.ValidUntil = ptr(now.Add(-time.Hour))
	assert.False(t, Eligible(expired, ok, now))

	disabled := base
	disabled.IsEnabled = false
	assert.False(t, Eligible(disabled, ok, now))
}

func TestResolveBest(t *testing.T) {
	ctx := context.Background()
	r := NewBulkResolver(bulkList{standardSchedule()}, clock)

	applied, err := r.ResolveBest(ctx, BulkRequest{TokenQuantity: 150, Currency: "USD"})
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Equal(t, "std", applied.Schedule.ID)
	assert.True(t, applied.DiscountOn(decimal.NewFromInt(150)).Equal(decimal.RequireFromString("7.5")))

	// no schedule at all means no discount, not an error
	applied, err = NewBulkResolver(bulkList{}, clock).ResolveBest(ctx, BulkRequest{TokenQuantity: 150})
	require.NoError(t, err)
	assert.Nil(t, applied)

	_, err = r.ResolveBest(ctx, BulkRequest{TokenQuantity: 0})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = NewBulkResolver(failingBulkList{}, clock).ResolveBest(ctx, BulkRequest{TokenQuantity: 1})
	assert.True(t, ledger.IsExternal(err))
}
