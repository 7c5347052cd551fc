package discount

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-engine/ledger"
)

// =============================================================================
// BULK RESOLVER - Best schedule and tier for a purchase
// =============================================================================

// BulkReader lists configured schedules.
type BulkReader interface {
	ListBulkDiscounts(ctx context.Context) ([]BulkDiscount, error)
}

// BulkRequest carries the purchase quantity and the account attributes
// schedules filter on.
type BulkRequest struct {
	TokenQuantity  int64
	Currency       string
	Country        string
	Verified       bool
	AccountAgeDays int
}

// AppliedTier is the schedule and tier selected for a purchase.
type AppliedTier struct {
	Schedule BulkDiscount
	Tier     Tier
}

// Percentage returns the tier's discount percentage.
func (a AppliedTier) Percentage() decimal.Decimal { return a.Tier.DiscountPercentage }

// DiscountOn returns the tier discount on subtotal.
func (a AppliedTier) DiscountOn(subtotal decimal.Decimal) decimal.Decimal {
	return Percent(subtotal, a.Tier.DiscountPercentage)
}

type BulkResolver struct {
	schedules BulkReader
	now       func() time.Time
}

func NewBulkResolver(schedules BulkReader, now func() time.Time) *BulkResolver {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &BulkResolver{schedules: schedules, now: now}
}

// Eligible reports whether schedule b applies to req at time now.
func Eligible(b BulkDiscount, req BulkRequest, now time.Time) bool {
	switch {
	case !b.IsEnabled:
		return false
	case !b.Window().Contains(now):
		return false
	case !allows(b.ApplicableCurrencies, req.Currency):
		return false
	case !allows(b.ApplicableCountries, req.Country):
		return false
	case b.RequiresVerification && !req.Verified:
		return false
	case req.AccountAgeDays < b.MinAccountAgeDays:
		return false
	}
	return true
}

// Select picks the schedule for req among all: the eligible non-default
// schedule with the highest priority (ties broken by name), or the default
// schedule when no non-default one is eligible.
func Select(all []BulkDiscount, req BulkRequest, now time.Time) *BulkDiscount {
	var (
		candidates []BulkDiscount
		fallback   *BulkDiscount
	)
	for i := range all {
		b := all[i]
		if !Eligible(b, req, now) {
			continue
		}
		if b.IsDefault {
			fallback = &b
			continue
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		return fallback
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Name < candidates[j].Name
	})
	return &candidates[0]
}

// ResolveBest returns the applied tier for req, or nil when no schedule is
// eligible or the chosen schedule has no tier for the quantity.
func (r *BulkResolver) ResolveBest(ctx context.Context, req BulkRequest) (*AppliedTier, error) {
	if req.TokenQuantity <= 0 {
		return nil, ledger.InvalidAmount("token_quantity", req.TokenQuantity)
	}
	all, err := r.schedules.ListBulkDiscounts(ctx)
	if err != nil {
		return nil, ledger.External("list bulk discounts", err)
	}
	schedule := Select(all, req, r.now())
	if schedule == nil {
		return nil, nil
	}
	tier := schedule.TierFor(req.TokenQuantity)
	if tier == nil {
		return nil, nil
	}
	return &AppliedTier{Schedule: *schedule, Tier: *tier}, nil
}
