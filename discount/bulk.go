/*
bulk.go - Quantity-tiered discount schedules

PURPOSE:
  A BulkDiscount maps ranges of purchased token quantities to a discount
  percentage. Several schedules can be configured; the resolver picks one
  per purchase (see bulk_resolver.go).

TIERS:
  Tiers are closed ranges [MinTokens, MaxTokens]. A nil MaxTokens runs up
  to the next enabled tier (or without bound for the last one), so the
  common open-ended form is well defined:

    {min:0,    pct:0}
    {min:100,  pct:5}     effective range [100, 999]
    {min:1000, pct:15}

  Enabled tiers of one schedule must not overlap: two tiers with the same
  MinTokens, or an explicit MaxTokens reaching into the next tier, are
  rejected.

DEFAULT SCHEDULE:
  At most one schedule has IsDefault set. The default is a fallback used
  only when no other schedule is eligible, never a competitor on priority.
*/
package discount

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-engine/ledger"
)

// =============================================================================
// TIER
// =============================================================================

type Tier struct {
	MinTokens          int64
	MaxTokens          *int64 // nil = up to the next tier
	DiscountPercentage decimal.Decimal
	Label              string
	IsEnabled          bool
}

// Matches returns true if the tier is enabled and qty is within its range.
func (t Tier) Matches(qty int64) bool {
	if !t.IsEnabled || qty < t.MinTokens {
		return false
	}
	return t.MaxTokens == nil || qty <= *t.MaxTokens
}

func (t Tier) String() string {
	if t.MaxTokens == nil {
		return fmt.Sprintf("[%d, +inf) %s%%", t.MinTokens, t.DiscountPercentage)
	}
	return fmt.Sprintf("[%d, %d] %s%%", t.MinTokens, *t.MaxTokens, t.DiscountPercentage)
}

// =============================================================================
// BULK DISCOUNT
// =============================================================================

type BulkDiscount struct {
	ID          string
	Name        string // unique
	Description string
	Priority    int // higher wins
	IsDefault   bool
	IsEnabled   bool
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	Tiers       []Tier

	// Eligibility
	ApplicableCurrencies []string // empty = any
	ApplicableCountries  []string // empty = any
	RequiresVerification bool
	MinAccountAgeDays    int

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (b BulkDiscount) Window() Window {
	return Window{From: b.ValidFrom, Until: b.ValidUntil}
}

// Normalize trims names, canonicalizes filters and sorts tiers by MinTokens.
func (b BulkDiscount) Normalize() BulkDiscount {
	b.Name = strings.TrimSpace(b.Name)
	b.Description = strings.TrimSpace(b.Description)
	b.ApplicableCurrencies = normalizeList(b.ApplicableCurrencies)
	b.ApplicableCountries = normalizeList(b.ApplicableCountries)
	tiers := append([]Tier(nil), b.Tiers...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MinTokens < tiers[j].MinTokens })
	for i := range tiers {
		tiers[i].Label = strings.TrimSpace(tiers[i].Label)
	}
	b.Tiers = tiers
	return b
}

// Validate checks a schedule definition before it is stored.
func (b BulkDiscount) Validate() error {
	if b.Name == "" {
		return ledger.MissingField("name")
	}
	if len(b.Tiers) == 0 {
		return ledger.MissingField("tiers")
	}
	if b.MinAccountAgeDays < 0 {
		return ledger.Invalid("min_account_age_days", "must not be negative")
	}
	if !b.Window().Valid() {
		return ledger.Invalid("valid_until", "must not be before valid_from")
	}
	hundred := decimal.NewFromInt(100)
	for i, t := range b.Tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		if t.MinTokens < 0 {
			return ledger.Invalid(field+".min_tokens", "must not be negative")
		}
		if t.MaxTokens != nil && *t.MaxTokens < t.MinTokens {
			return ledger.Invalid(field+".max_tokens", "must be >= min_tokens (%d)", t.MinTokens)
		}
		if t.DiscountPercentage.IsNegative() || t.DiscountPercentage.GreaterThan(hundred) {
			return ledger.Invalid(field+".discount_percentage", "must be between 0 and 100, got %s", t.DiscountPercentage)
		}
	}
	return checkOverlap(b.Tiers)
}

// checkOverlap rejects enabled tiers whose ranges intersect.
func checkOverlap(tiers []Tier) error {
	enabled := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		if t.IsEnabled {
			enabled = append(enabled, t)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].MinTokens < enabled[j].MinTokens })
	for i := 1; i < len(enabled); i++ {
		prev, cur := enabled[i-1], enabled[i]
		if cur.MinTokens == prev.MinTokens || (prev.MaxTokens != nil && cur.MinTokens <= *prev.MaxTokens) {
			return ledger.Violation(ledger.ReasonOverlappingTiers, "tier %s overlaps tier %s", cur, prev)
		}
	}
	return nil
}

// TierFor returns the enabled tier with the greatest MinTokens containing
// qty, or nil.
func (b BulkDiscount) TierFor(qty int64) *Tier {
	var best *Tier
	for i := range b.Tiers {
		t := b.Tiers[i]
		if !t.Matches(qty) {
			continue
		}
		if best == nil || t.MinTokens > best.MinTokens {
			best = &t
		}
	}
	return best
}
