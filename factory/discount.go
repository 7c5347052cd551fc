/*
Package factory provides JSON/YAML to Go conversion of promotion definitions.

PURPOSE:
  Converts discount code and bulk discount definitions into
  discount.DiscountCode and discount.BulkDiscount values. Promotions can be
  configured without code changes: marketing writes a catalog file, the
  server seeds it at startup (--catalog) and the admin API accepts the same
  documents.

JSON SCHEMA (catalog):
  {
    "discount_codes": [
      {
        "code": "WELCOME10",
        "type": "PERCENTAGE",
        "value": 10,
        "maximum_discount": 2000,
        "max_uses_per_account": 1,
        "first_purchase_only": true
      }
    ],
    "bulk_discounts": [
      {
        "name": "Standard volume",
        "is_default": true,
        "tiers": [
          {"min_tokens": 0,    "discount_percentage": 0},
          {"min_tokens": 100,  "discount_percentage": 5},
          {"min_tokens": 1000, "discount_percentage": 15}
        ]
      }
    ]
  }

  The same document is accepted as YAML with identical keys.

KEY FEATURES:
  - Sets defaults (enabled unless "enabled": false, tier enabled, labels)
  - Validates through the domain Validate methods
  - Seeds a catalog through discount.Admin, skipping entries that exist

USAGE:
  f := factory.NewDiscountFactory()
  code, err := f.ParseDiscountCode(jsonString)

  catalog, err := f.LoadCatalog("promotions.yaml")
  report, err := catalog.Seed(ctx, admin)

SEE ALSO:
  - discount/code.go, discount/bulk.go: Entity definitions
  - api/scenarios.go: Demo catalogs built with this factory
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-engine/discount"
	"github.com/warp/token-engine/ledger"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// DiscountCodeJSON is the JSON representation of a discount code.
type DiscountCodeJSON struct {
	ID                   string           `json:"id,omitempty" yaml:"id,omitempty"`
	Code                 string           `json:"code" yaml:"code"`
	Description          string           `json:"description,omitempty" yaml:"description,omitempty"`
	Type                 string           `json:"type" yaml:"type"` // PERCENTAGE, FIXED_AMOUNT, BONUS_TOKENS
	Value                decimal.Decimal  `json:"value" yaml:"value"`
	ApplicableCurrencies []string         `json:"applicable_currencies,omitempty" yaml:"applicable_currencies,omitempty"`
	MinimumPurchase      *decimal.Decimal `json:"minimum_purchase,omitempty" yaml:"minimum_purchase,omitempty"`
	MaximumDiscount      *decimal.Decimal `json:"maximum_discount,omitempty" yaml:"maximum_discount,omitempty"`
	MaxUses              *int             `json:"max_uses,omitempty" yaml:"max_uses,omitempty"`
	MaxUsesPerAccount    *int             `json:"max_uses_per_account,omitempty" yaml:"max_uses_per_account,omitempty"`
	ValidFrom            *time.Time       `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil           *time.Time       `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	RequiresVerification bool             `json:"requires_verification,omitempty" yaml:"requires_verification,omitempty"`
	FirstPurchaseOnly    bool             `json:"first_purchase_only,omitempty" yaml:"first_purchase_only,omitempty"`
	Enabled              *bool            `json:"enabled,omitempty" yaml:"enabled,omitempty"` // default true
}

// TierJSON represents one bulk discount tier.
type TierJSON struct {
	MinTokens          int64           `json:"min_tokens" yaml:"min_tokens"`
	MaxTokens          *int64          `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"` // omitted = up to the next tier
	DiscountPercentage decimal.Decimal `json:"discount_percentage" yaml:"discount_percentage"`
	Label              string          `json:"label,omitempty" yaml:"label,omitempty"`
	Enabled            *bool           `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// BulkDiscountJSON is the JSON representation of a bulk discount schedule.
type BulkDiscountJSON struct {
	ID                   string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name                 string     `json:"name" yaml:"name"`
	Description          string     `json:"description,omitempty" yaml:"description,omitempty"`
	Priority             int        `json:"priority,omitempty" yaml:"priority,omitempty"`
	IsDefault            bool       `json:"is_default,omitempty" yaml:"is_default,omitempty"`
	Enabled              *bool      `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ValidFrom            *time.Time `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil           *time.Time `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	Tiers                []TierJSON `json:"tiers" yaml:"tiers"`
	ApplicableCurrencies []string   `json:"applicable_currencies,omitempty" yaml:"applicable_currencies,omitempty"`
	ApplicableCountries  []string   `json:"applicable_countries,omitempty" yaml:"applicable_countries,omitempty"`
	RequiresVerification bool       `json:"requires_verification,omitempty" yaml:"requires_verification,omitempty"`
	MinAccountAgeDays    int        `json:"min_account_age_days,omitempty" yaml:"min_account_age_days,omitempty"`
}

// CatalogJSON is a document holding any number of codes and schedules.
type CatalogJSON struct {
	DiscountCodes []DiscountCodeJSON `json:"discount_codes" yaml:"discount_codes"`
	BulkDiscounts []BulkDiscountJSON `json:"bulk_discounts" yaml:"bulk_discounts"`
}

// Catalog is a parsed, validated CatalogJSON.
type Catalog struct {
	Codes     []discount.DiscountCode
	Schedules []discount.BulkDiscount
}

// =============================================================================
// DISCOUNT FACTORY
// =============================================================================

// DiscountFactory converts promotion definitions to domain values.
type DiscountFactory struct {
	createdBy string
}

// NewDiscountFactory creates a factory that stamps CreatedBy with "catalog".
func NewDiscountFactory() *DiscountFactory {
	return &DiscountFactory{createdBy: "catalog"}
}

// WithCreatedBy returns a copy of f stamping entities with actor.
func (f *DiscountFactory) WithCreatedBy(actor string) *DiscountFactory {
	return &DiscountFactory{createdBy: actor}
}

// ParseDiscountCode parses a JSON string into a DiscountCode.
func (f *DiscountFactory) ParseDiscountCode(jsonStr string) (discount.DiscountCode, error) {
	var cj DiscountCodeJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return discount.DiscountCode{}, fmt.Errorf("failed to parse discount code JSON: %w", err)
	}
	return f.CodeFromJSON(cj)
}

// CodeFromJSON converts DiscountCodeJSON, applying defaults and validation.
func (f *DiscountFactory) CodeFromJSON(cj DiscountCodeJSON) (discount.DiscountCode, error) {
	c := discount.DiscountCode{
		ID:                   cj.ID,
		Code:                 cj.Code,
		Description:          cj.Description,
		Type:                 discount.CodeType(strings.ToUpper(strings.TrimSpace(cj.Type))),
		Value:                cj.Value,
		ApplicableCurrencies: cj.ApplicableCurrencies,
		MinimumPurchase:      cj.MinimumPurchase,
		MaximumDiscount:      cj.MaximumDiscount,
		MaxUses:              cj.MaxUses,
		MaxUsesPerAccount:    cj.MaxUsesPerAccount,
		ValidFrom:            cj.ValidFrom,
		ValidUntil:           cj.ValidUntil,
		RequiresVerification: cj.RequiresVerification,
		FirstPurchaseOnly:    cj.FirstPurchaseOnly,
		IsEnabled:            enabled(cj.Enabled),
		CreatedBy:            f.createdBy,
	}
	c = c.Normalize()
	if err := c.Validate(); err != nil {
		return discount.DiscountCode{}, err
	}
	return c, nil
}

// ParseBulkDiscount parses a JSON string into a BulkDiscount.
func (f *DiscountFactory) ParseBulkDiscount(jsonStr string) (discount.BulkDiscount, error) {
	var bj BulkDiscountJSON
	if err := json.Unmarshal([]byte(jsonStr), &bj); err != nil {
		return discount.BulkDiscount{}, fmt.Errorf("failed to parse bulk discount JSON: %w", err)
	}
	return f.BulkFromJSON(bj)
}

// BulkFromJSON converts BulkDiscountJSON. Tiers without a label get one
// generated from their range.
func (f *DiscountFactory) BulkFromJSON(bj BulkDiscountJSON) (discount.BulkDiscount, error) {
	b := discount.BulkDiscount{
		ID:                   bj.ID,
		Name:                 bj.Name,
		Description:          bj.Description,
		Priority:             bj.Priority,
		IsDefault:            bj.IsDefault,
		IsEnabled:            enabled(bj.Enabled),
		ValidFrom:            bj.ValidFrom,
		ValidUntil:           bj.ValidUntil,
		ApplicableCurrencies: bj.ApplicableCurrencies,
		ApplicableCountries:  bj.ApplicableCountries,
		RequiresVerification: bj.RequiresVerification,
		MinAccountAgeDays:    bj.MinAccountAgeDays,
		CreatedBy:            f.createdBy,
	}
	for _, tj := range bj.Tiers {
		b.Tiers = append(b.Tiers, parseTier(tj))
	}
	b = b.Normalize()
	if err := b.Validate(); err != nil {
		return discount.BulkDiscount{}, err
	}
	return b, nil
}

func parseTier(tj TierJSON) discount.Tier {
	t := discount.Tier{
		MinTokens:          tj.MinTokens,
		MaxTokens:          tj.MaxTokens,
		DiscountPercentage: tj.DiscountPercentage,
		Label:              strings.TrimSpace(tj.Label),
		IsEnabled:          enabled(tj.Enabled),
	}
	if t.Label == "" {
		if t.MaxTokens != nil {
			t.Label = fmt.Sprintf("%d-%d tokens", t.MinTokens, *t.MaxTokens)
		} else {
			t.Label = fmt.Sprintf("%d+ tokens", t.MinTokens)
		}
	}
	return t
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

// =============================================================================
// CATALOGS
// =============================================================================

// ParseCatalog parses a JSON or YAML catalog. Every entry is converted;
// the first invalid entry fails the whole catalog.
func (f *DiscountFactory) ParseCatalog(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	// YAML is a superset of JSON, so one decoder serves both formats.
	if err := yaml.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return f.CatalogFromJSON(cj)
}

// CatalogFromJSON converts an already decoded catalog.
func (f *DiscountFactory) CatalogFromJSON(cj CatalogJSON) (*Catalog, error) {
	cat := &Catalog{}
	for i, dj := range cj.DiscountCodes {
		c, err := f.CodeFromJSON(dj)
		if err != nil {
			return nil, fmt.Errorf("discount_codes[%d] (%s): %w", i, dj.Code, err)
		}
		cat.Codes = append(cat.Codes, c)
	}
	defaults := 0
	for i, bj := range cj.BulkDiscounts {
		b, err := f.BulkFromJSON(bj)
		if err != nil {
			return nil, fmt.Errorf("bulk_discounts[%d] (%s): %w", i, bj.Name, err)
		}
		if b.IsDefault {
			defaults++
		}
		cat.Schedules = append(cat.Schedules, b)
	}
	if defaults > 1 {
		return nil, ledger.Invalid("bulk_discounts", "at most one schedule may be default, got %d", defaults)
	}
	return cat, nil
}

// LoadCatalog reads a catalog file (.json, .yaml or .yml).
func (f *DiscountFactory) LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", filepath.Base(path), err)
	}
	return f.ParseCatalog(data)
}

// Seeder is the subset of discount.Admin a catalog is written through.
type Seeder interface {
	CreateDiscountCode(ctx context.Context, c discount.DiscountCode) (discount.DiscountCode, error)
	CreateBulkDiscount(ctx context.Context, b discount.BulkDiscount) (discount.BulkDiscount, error)
}

// SeedReport counts what Seed wrote and skipped.
type SeedReport struct {
	CodesCreated     int
	CodesSkipped     int
	SchedulesCreated int
	SchedulesSkipped int
}

// Seed creates every entry of the catalog. Entries whose code or name is
// already taken are skipped, so seeding the same catalog twice is harmless.
func (c *Catalog) Seed(ctx context.Context, s Seeder) (SeedReport, error) {
	var report SeedReport
	for _, code := range c.Codes {
		_, err := s.CreateDiscountCode(ctx, code)
		switch {
		case err == nil:
			report.CodesCreated++
		case ledger.ReasonOf(err) == ledger.ReasonDuplicateCode:
			report.CodesSkipped++
		default:
			return report, fmt.Errorf("seed discount code %s: %w", code.Code, err)
		}
	}
	for _, b := range c.Schedules {
		_, err := s.CreateBulkDiscount(ctx, b)
		switch {
		case err == nil:
			report.SchedulesCreated++
		case ledger.ReasonOf(err) == ledger.ReasonDuplicateName:
			report.SchedulesSkipped++
		default:
			return report, fmt.Errorf("seed bulk discount %s: %w", b.Name, err)
		}
	}
	return report, nil
}
