/*
Package discount resolves the two promotional mechanisms applied to token
purchases: one-time discount codes and quantity-tiered bulk discounts.

KEY CONCEPTS:
  - DiscountCode:  A named code (PERCENTAGE, FIXED_AMOUNT or BONUS_TOKENS)
                   with usage limits and eligibility constraints
  - BulkDiscount:  A schedule of quantity tiers mapped to percentages
  - CodeResolver:  Validates a code against a candidate purchase
  - BulkResolver:  Picks the best schedule and tier for a purchase
  - Admin:         Creates codes/schedules and moves the default flag

DETERMINISM:
  Both resolvers are pure functions of the configured promotions, the
  request and the clock. Code counters are only moved by the purchase unit
  of work (ledger.Tx.ClaimCodeUse), never by resolution.

SEE ALSO:
  - pricing/engine.go: Orchestrates both resolvers
  - ledger/store.go:   ClaimCodeUse / AppendCodeUsage
*/
package discount

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-engine/ledger"
)

// =============================================================================
// DISCOUNT CODE
// =============================================================================

type CodeType string

const (
	CodePercentage  CodeType = "PERCENTAGE"
	CodeFixedAmount CodeType = "FIXED_AMOUNT"
	CodeBonusTokens CodeType = "BONUS_TOKENS"
)

func (t CodeType) Valid() bool {
	switch t {
	case CodePercentage, CodeFixedAmount, CodeBonusTokens:
		return true
	}
	return false
}

type DiscountCode struct {
	ID          string
	Code        string // unique, upper-case
	Description string
	Type        CodeType
	Value       decimal.Decimal

	ApplicableCurrencies []string // empty = any
	MinimumPurchase      *decimal.Decimal
	MaximumDiscount      *decimal.Decimal
	MaxUses              *int
	MaxUsesPerAccount    *int
	ValidFrom            *time.Time
	ValidUntil           *time.Time
	RequiresVerification bool
	FirstPurchaseOnly    bool
	IsEnabled            bool

	CurrentUses int
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Window returns the code's validity window.
func (c DiscountCode) Window() Window {
	return Window{From: c.ValidFrom, Until: c.ValidUntil}
}

// Claim returns the conditional increment for one redemption by accountID
// at the given time.
func (c DiscountCode) Claim(accountID ledger.AccountID, at time.Time) ledger.CodeClaim {
	return ledger.CodeClaim{CodeID: c.ID, AccountID: accountID, At: at}
}

// Claimable reports why the code cannot be redeemed at t, or nil. Stores
// run it against the stored row when a claim is committed.
func (c DiscountCode) Claimable(t time.Time) error {
	w := c.Window()
	switch {
	case !c.IsEnabled:
		return ledger.Violation(ledger.ReasonCodeDisabled, "discount code %s is disabled", c.Code)
	case w.NotYet(t):
		return ledger.Violation(ledger.ReasonCodeNotYetValid, "discount code %s is only valid %s", c.Code, w)
	case w.Over(t):
		return ledger.Violation(ledger.ReasonCodeExpired, "discount code %s expired, valid %s", c.Code, w)
	}
	return nil
}

// Normalize canonicalizes code text and list fields.
func (c DiscountCode) Normalize() DiscountCode {
	c.Code = NormalizeCode(c.Code)
	c.Description = strings.TrimSpace(c.Description)
	c.ApplicableCurrencies = normalizeList(c.ApplicableCurrencies)
	return c
}

// Validate checks a code definition before it is stored.
func (c DiscountCode) Validate() error {
	if c.Code == "" {
		return ledger.MissingField("code")
	}
	if strings.ContainsAny(c.Code, " \t\n") {
		return ledger.Invalid("code", "must not contain whitespace")
	}
	if !c.Type.Valid() {
		return ledger.InvalidEnum("type", c.Type)
	}
	if !c.Value.IsPositive() {
		return &ledger.ValidationError{Field: "value", Message: "must be greater than zero", Kind: ledger.ErrInvalidAmount}
	}
	switch c.Type {
	case CodePercentage:
		if c.Value.GreaterThan(decimal.NewFromInt(100)) {
			return ledger.Invalid("value", "percentage must be at most 100, got %s", c.Value)
		}
	case CodeBonusTokens:
		if !c.Value.Equal(c.Value.Truncate(0)) {
			return ledger.Invalid("value", "bonus tokens must be a whole number, got %s", c.Value)
		}
	}
	if c.MinimumPurchase != nil && c.MinimumPurchase.IsNegative() {
		return ledger.Invalid("minimum_purchase", "must not be negative")
	}
	if c.MaximumDiscount != nil && !c.MaximumDiscount.IsPositive() {
		return ledger.Invalid("maximum_discount", "must be greater than zero")
	}
	if c.MaxUses != nil && *c.MaxUses <= 0 {
		return ledger.Invalid("max_uses", "must be greater than zero")
	}
	if c.MaxUsesPerAccount != nil && *c.MaxUsesPerAccount <= 0 {
		return ledger.Invalid("max_uses_per_account", "must be greater than zero")
	}
	if !c.Window().Valid() {
		return ledger.Invalid("valid_until", "must not be before valid_from")
	}
	for _, cur := range c.ApplicableCurrencies {
		if len(cur) != 3 {
			return ledger.Invalid("applicable_currencies", "%q is not an ISO 4217 code", cur)
		}
	}
	return nil
}

// BonusTokens returns the token grant of a BONUS_TOKENS code, 0 otherwise.
func (c DiscountCode) BonusTokens() int64 {
	if c.Type != CodeBonusTokens {
		return 0
	}
	return c.Value.IntPart()
}

// DiscountFor computes the cash discount on base.
//
//	PERCENTAGE:   value% of base, capped at MaximumDiscount
//	FIXED_AMOUNT: min(value, base)
//	BONUS_TOKENS: zero
func (c DiscountCode) DiscountFor(base decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	var d decimal.Decimal
	switch c.Type {
	case CodePercentage:
		d = Percent(base, c.Value)
		if c.MaximumDiscount != nil && d.GreaterThan(*c.MaximumDiscount) {
			d = *c.MaximumDiscount
		}
	case CodeFixedAmount:
		d = decimal.Min(c.Value, base)
	default:
		d = decimal.Zero
	}
	return d
}

// MoneyPlaces is the rounding precision of computed money amounts.
const MoneyPlaces = 2

// Percent returns pct% of amount rounded to MoneyPlaces.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(decimal.NewFromInt(100)).Round(MoneyPlaces)
}
