package discount

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-engine/ledger"
)

type fakeCodes struct {
	codes map[string]DiscountCode
	uses  map[ledger.AccountID]int
}

func (f fakeCodes) GetDiscountCode(_ context.Context, code string) (*DiscountCode, error) {
	c, ok := f.codes[code]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (f fakeCodes) CountCodeUses(_ context.Context, _ string, accountID ledger.AccountID) (int, error) {
	return f.uses[accountID], nil
}

func resolverFor(c DiscountCode, uses map[ledger.AccountID]int) *CodeResolver {
	f := fakeCodes{codes: map[string]DiscountCode{c.Code: c}, uses: uses}
	return NewCodeResolver(f, f, clock)
}

func percentCode(pct int64) DiscountCode {
	return DiscountCode{ID: "c1", Code: "SAVE", Type: CodePercentage, Value: decimal.NewFromInt(pct), IsEnabled: true}
}

func request() CodeRequest {
	return CodeRequest{
		Code:            " save ",
		AccountID:       "acc-1",
		TokenQuantity:   100,
		UnitPrice:       decimal.NewFromInt(2),
		Currency:        "USD",
		IsFirstPurchase: true,
		Verified:        true,
	}
}

func TestDiscountFor(t *testing.T) {
	base := decimal.NewFromInt(200)

	pct := percentCode(10)
	assert.True(t, pct.DiscountFor(base).Equal(decimal.NewFromInt(20)))

	pct.MaximumDiscount = ptr(decimal.NewFromInt(15))
	assert.True(t, pct.DiscountFor(base).Equal(decimal.NewFromInt(15)), "capped")

	fixed := DiscountCode{Type: CodeFixedAmount, Value: decimal.NewFromInt(500)}
	assert.True(t, fixed.DiscountFor(base).Equal(base), "never more than the base")

	bonus := DiscountCode{Type: CodeBonusTokens, Value: decimal.NewFromInt(50)}
	assert.True(t, bonus.DiscountFor(base).IsZero())
	assert.Equal(t, int64(50), bonus.BonusTokens())
	assert.Zero(t, pct.BonusTokens())

	assert.True(t, Percent(decimal.RequireFromString("33.33"), decimal.NewFromInt(10)).Equal(decimal.RequireFromString("3.33")))
}

func TestCodeValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*DiscountCode)
	}{
		{"empty code", func(c *DiscountCode) { c.Code = "" }},
		{"whitespace", func(c *DiscountCode) { c.Code = "TWO WORDS" }},
		{"bad type", func(c *DiscountCode) { c.Type = "GIFT" }},
		{"zero value", func(c *DiscountCode) { c.Value = decimal.Zero }},
		{"percentage over 100", func(c *DiscountCode) { c.Value = decimal.NewFromInt(120) }},
		{"fractional bonus", func(c *DiscountCode) { c.Type = CodeBonusTokens; c.Value = decimal.RequireFromString("1.5") }},
		{"zero max uses", func(c *DiscountCode) { c.MaxUses = ptr(0) }},
		{"bad currency", func(c *DiscountCode) { c.ApplicableCurrencies = []string{"DOLLAR"} }},
		{"window reversed", func(c *DiscountCode) {
			c.ValidFrom = ptr(now)
			c.ValidUntil = ptr(now.Add(-time.Hour))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := percentCode(10)
			tt.edit(&c)
			assert.ErrorIs(t, c.Validate(), ledger.ErrValidation)
		})
	}
	assert.NoError(t, percentCode(10).Validate())
}

func TestResolve_Applicable(t *testing.T) {
	r := resolverFor(percentCode(10), nil)

	res, err := r.Resolve(context.Background(), request())

	require.NoError(t, err)
	assert.True(t, res.Applicable)
	assert.NoError(t, res.Err())
	assert.True(t, res.DiscountAmount.Equal(decimal.NewFromInt(20)), res.DiscountAmount.String())
}

func TestResolve_UsesPostBulkBase(t *testing.T) {
	r := resolverFor(percentCode(10), nil)
	req := request()
	req.Base = ptr(decimal.NewFromInt(190))

	res, err := r.Resolve(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, res.DiscountAmount.Equal(decimal.NewFromInt(19)))
}

func TestResolve_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		edit   func(*DiscountCode)
		req    func(*CodeRequest)
		uses   int
		reason ledger.Reason
	}{
		{"disabled", func(c *DiscountCode) { c.IsEnabled = false }, nil, 0, ledger.ReasonCodeDisabled},
		{"not yet valid", func(c *DiscountCode) { c.ValidFrom = ptr(now.Add(time.Hour)) }, nil, 0, ledger.ReasonCodeNotYetValid},
		{"expired", func(c *DiscountCode) { c.ValidUntil = ptr(now.Add(-time.Hour)) }, nil, 0, ledger.ReasonCodeExpired},
		{"currency", func(c *DiscountCode) { c.ApplicableCurrencies = []string{"ARS"} }, nil, 0, ledger.ReasonCurrencyNotApplicable},
		{"minimum", func(c *DiscountCode) { c.MinimumPurchase = ptr(decimal.NewFromInt(201)) }, nil, 0, ledger.ReasonBelowMinimumPurchase},
		{"exhausted", func(c *DiscountCode) { c.MaxUses = ptr(3); c.CurrentUses = 3 }, nil, 0, ledger.ReasonCodeExhausted},
		{"account limit", func(c *DiscountCode) { c.MaxUsesPerAccount = ptr(1) }, nil, 1, ledger.ReasonAccountLimitReached},
		{"first purchase", func(c *DiscountCode) { c.FirstPurchaseOnly = true },
			func(r *CodeRequest) { r.IsFirstPurchase = false }, 0, ledger.ReasonFirstPurchaseOnly},
		{"verification", func(c *DiscountCode) { c.RequiresVerification = true },
			func(r *CodeRequest) { r.Verified = false }, 0, ledger.ReasonVerificationRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := percentCode(10)
			tt.edit(&c)
			req := request()
			if tt.req != nil {
				tt.req(&req)
			}
			r := resolverFor(c, map[ledger.AccountID]int{"acc-1": tt.uses})

			res, err := r.Resolve(context.Background(), req)

			require.NoError(t, err, "a rejected code is not an error")
			assert.False(t, res.Applicable)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, tt.reason, ledger.ReasonOf(res.Err()))
		})
	}
}

func TestResolve_CheckOrder(t *testing.T) {
	// GIVEN: a code that fails the currency, minimum and first-purchase checks
	c := percentCode(10)
	c.ApplicableCurrencies = []string{"EUR"}
	c.MinimumPurchase = ptr(decimal.NewFromInt(10000))
	c.FirstPurchaseOnly = true
	req := request()
	req.IsFirstPurchase = false

	res, err := resolverFor(c, nil).Resolve(context.Background(), req)

	// THEN: the earliest check is reported
	require.NoError(t, err)
	assert.Equal(t, ledger.ReasonCurrencyNotApplicable, res.Reason)
}

func TestResolve_UnknownCodeAndBadInput(t *testing.T) {
	r := resolverFor(percentCode(10), nil)
	ctx := context.Background()

	req := request()
	req.Code = "NOPE"
	res, err := r.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReasonCodeNotFound, res.Reason)
	assert.Nil(t, res.Code)

	req.Code = "  "
	_, err = r.Resolve(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrMissingField)

	req = request()
	req.TokenQuantity = 0
	_, err = r.Resolve(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}
