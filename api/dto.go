/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Defines the JSON shapes for API requests and responses, decoupled from the
  domain types in ledger/, discount/ and pricing/.

NAMING CONVENTION:
  - *Request: Incoming request body
  - *DTO:     Outgoing response data

VALIDATION:
  Request bodies carry go-playground/validator tags checked before the domain
  sees them. Domain validation still runs afterwards; the tags only reject
  requests that are malformed on their face.

MONEY:
  Decimal amounts are encoded as JSON strings ("8500.00") and accepted as
  strings or numbers.

SEE ALSO:
  - handlers.go: Uses these DTOs
  - factory/discount.go: Create bodies for codes and schedules
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-engine/discount"
	"github.com/warp/token-engine/ledger"
	"github.com/warp/token-engine/pricing"
)

// =============================================================================
// REQUESTS
// =============================================================================

// AccountRequest is the account snapshot the caller supplies with a quote or
// purchase. The engine never looks accounts up itself.
type AccountRequest struct {
	Currency        string `json:"currency" validate:"omitempty,len=3"`
	Country         string `json:"country" validate:"omitempty,len=2"`
	Verified        bool   `json:"verified"`
	AccountAgeDays  int    `json:"account_age_days" validate:"gte=0"`
	IsFirstPurchase bool   `json:"is_first_purchase"`
}

// ActorRequest identifies who issues a movement. Defaults to the system.
type ActorRequest struct {
	ID   string `json:"id"`
	Kind string `json:"kind" validate:"omitempty,oneof=system admin user"`
}

func (a ActorRequest) toDomain() ledger.Actor {
	if a.ID == "" {
		return ledger.SystemActor
	}
	kind := ledger.ActorKind(a.Kind)
	if kind == "" {
		kind = ledger.ActorUser
	}
	return ledger.Actor{ID: a.ID, Kind: kind}
}

// PurchaseRequest is the body of both /quotes and /purchases.
type PurchaseRequest struct {
	Account       AccountRequest  `json:"account"`
	TokenQuantity int64           `json:"token_quantity" validate:"gt=0"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Currency      string          `json:"currency" validate:"omitempty,len=3"`
	DiscountCode  string          `json:"discount_code" validate:"omitempty,max=64"`
	Description   string          `json:"description" validate:"max=500"`
	Actor         ActorRequest    `json:"actor"`
}

func (r PurchaseRequest) toDomain(accountID string) pricing.PurchaseRequest {
	return pricing.PurchaseRequest{
		Account: pricing.AccountSnapshot{
			AccountID:       ledger.AccountID(accountID),
			Currency:        r.Account.Currency,
			Country:         r.Account.Country,
			Verified:        r.Account.Verified,
			AccountAgeDays:  r.Account.AccountAgeDays,
			IsFirstPurchase: r.Account.IsFirstPurchase,
		},
		TokenQuantity: r.TokenQuantity,
		UnitPrice:     r.UnitPrice,
		Currency:      r.Currency,
		DiscountCode:  r.DiscountCode,
		Description:   r.Description,
		Actor:         r.Actor.toDomain(),
	}
}

type BonusRequest struct {
	Amount      int64        `json:"amount" validate:"gt=0"`
	Description string       `json:"description" validate:"required,max=500"`
	Actor       ActorRequest `json:"actor"`
}

// LedgerRequest is the body of /consumptions and /refunds.
type LedgerRequest struct {
	Amount      int64        `json:"amount" validate:"gt=0"`
	Description string       `json:"description" validate:"max=500"`
	Reference   string       `json:"reference"`
	Actor       ActorRequest `json:"actor"`
}

type AdjustmentRequest struct {
	Delta       int64        `json:"delta" validate:"ne=0"`
	Bucket      string       `json:"bucket" validate:"omitempty,oneof=purchased bonus consumed refunded"`
	Description string       `json:"description" validate:"required,max=500"`
	Reference   string       `json:"reference"`
	Actor       ActorRequest `json:"actor"`
}

// ResolveBulkRequest asks which tier a purchase would get.
type ResolveBulkRequest struct {
	TokenQuantity  int64  `json:"token_quantity" validate:"gt=0"`
	Currency       string `json:"currency" validate:"required,len=3"`
	Country        string `json:"country" validate:"omitempty,len=2"`
	Verified       bool   `json:"verified"`
	AccountAgeDays int    `json:"account_age_days" validate:"gte=0"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type BalanceDTO struct {
	AccountID      string     `json:"account_id"`
	TotalAvailable int64      `json:"total_available"`
	TotalPurchased int64      `json:"total_purchased"`
	TotalBonus     int64      `json:"total_bonus"`
	TotalConsumed  int64      `json:"total_consumed"`
	TotalRefunded  int64      `json:"total_refunded"`
	Version        int64      `json:"version"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	dto := BalanceDTO{
		AccountID:      string(b.AccountID),
		TotalAvailable: b.TotalAvailable,
		TotalPurchased: b.TotalPurchased,
		TotalBonus:     b.TotalBonus,
		TotalConsumed:  b.TotalConsumed,
		TotalRefunded:  b.TotalRefunded,
		Version:        b.Version,
		ClosedAt:       b.DeletedAt,
	}
	if !b.UpdatedAt.IsZero() {
		t := b.UpdatedAt
		dto.UpdatedAt = &t
	}
	return dto
}

type MovementDTO struct {
	UID          string          `json:"uid"`
	AccountID    string          `json:"account_id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Amount       int64           `json:"amount"`
	SignedAmount int64           `json:"signed_amount"`
	Metadata     ledger.Metadata `json:"metadata"`
	CreatedBy    ledger.Actor    `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
}

func toMovementDTO(m ledger.Movement) MovementDTO {
	return MovementDTO{
		UID:          m.UID,
		AccountID:    string(m.AccountID),
		Type:         string(m.Type),
		Status:       string(m.Status),
		Amount:       m.Amount,
		SignedAmount: m.SignedAmount(),
		Metadata:     m.Metadata,
		CreatedBy:    m.CreatedBy,
		CreatedAt:    m.CreatedAt,
	}
}

func toMovementDTOs(ms []ledger.Movement) []MovementDTO {
	dtos := make([]MovementDTO, len(ms))
	for i, m := range ms {
		dtos[i] = toMovementDTO(m)
	}
	return dtos
}

// MovementResultDTO is returned by every endpoint that appends one movement.
type MovementResultDTO struct {
	Movement MovementDTO `json:"movement"`
	Balance  BalanceDTO  `json:"balance"`
}

type AppliedTierDTO struct {
	BulkDiscountID     string          `json:"bulk_discount_id"`
	BulkDiscountName   string          `json:"bulk_discount_name"`
	Tier               string          `json:"tier"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
}

func toAppliedTierDTO(a *discount.AppliedTier) *AppliedTierDTO {
	if a == nil {
		return nil
	}
	label := a.Tier.Label
	if label == "" {
		label = a.Tier.String()
	}
	return &AppliedTierDTO{
		BulkDiscountID:     a.Schedule.ID,
		BulkDiscountName:   a.Schedule.Name,
		Tier:               label,
		DiscountPercentage: a.Percentage(),
	}
}

type QuoteDTO struct {
	AccountID        string          `json:"account_id"`
	TokenQuantity    int64           `json:"token_quantity"`
	Currency         string          `json:"currency"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	BulkDiscount     decimal.Decimal `json:"bulk_discount"`
	BulkTier         *AppliedTierDTO `json:"bulk_tier,omitempty"`
	PostBulkSubtotal decimal.Decimal `json:"post_bulk_subtotal"`
	CodeDiscount     decimal.Decimal `json:"code_discount"`
	DiscountCode     string          `json:"discount_code,omitempty"`
	BonusTokens      int64           `json:"bonus_tokens"`
	UnclampedTotal   decimal.Decimal `json:"unclamped_total"`
	FloorClamped     bool            `json:"floor_clamped"`
	Total            decimal.Decimal `json:"total"`
}

func toQuoteDTO(q pricing.Quote) QuoteDTO {
	dto := QuoteDTO{
		AccountID:        string(q.AccountID),
		TokenQuantity:    q.TokenQuantity,
		Currency:         q.Currency,
		UnitPrice:        q.UnitPrice,
		Subtotal:         q.Subtotal,
		BulkDiscount:     q.BulkDiscount,
		BulkTier:         toAppliedTierDTO(q.BulkTier),
		PostBulkSubtotal: q.PostBulkSubtotal,
		CodeDiscount:     q.CodeDiscount,
		BonusTokens:      q.BonusTokens,
		UnclampedTotal:   q.UnclampedTotal,
		FloorClamped:     q.FloorClamped,
		Total:            q.Total,
	}
	if q.Code != nil {
		dto.DiscountCode = q.Code.Code
	}
	return dto
}

type PurchaseDTO struct {
	PurchaseRef string        `json:"purchase_ref"`
	Quote       QuoteDTO      `json:"quote"`
	Purchase    MovementDTO   `json:"purchase"`
	Bonus       *MovementDTO  `json:"bonus,omitempty"`
	CodeUsage   *CodeUsageDTO `json:"code_usage,omitempty"`
	Balance     BalanceDTO    `json:"balance"`
}

func toPurchaseDTO(r pricing.PurchaseResult) PurchaseDTO {
	dto := PurchaseDTO{
		PurchaseRef: r.PurchaseRef,
		Quote:       toQuoteDTO(r.Quote),
		Purchase:    toMovementDTO(r.Purchase),
		Balance:     toBalanceDTO(r.Balance),
	}
	if r.Bonus != nil {
		b := toMovementDTO(*r.Bonus)
		dto.Bonus = &b
	}
	if r.CodeUsage != nil {
		u := toCodeUsageDTO(*r.CodeUsage)
		dto.CodeUsage = &u
	}
	return dto
}

type DiscountCodeDTO struct {
	ID                   string           `json:"id"`
	Code                 string           `json:"code"`
	Description          string           `json:"description,omitempty"`
	Type                 string           `json:"type"`
	Value                decimal.Decimal  `json:"value"`
	ApplicableCurrencies []string         `json:"applicable_currencies,omitempty"`
	MinimumPurchase      *decimal.Decimal `json:"minimum_purchase,omitempty"`
	MaximumDiscount      *decimal.Decimal `json:"maximum_discount,omitempty"`
	MaxUses              *int             `json:"max_uses,omitempty"`
	MaxUsesPerAccount    *int             `json:"max_uses_per_account,omitempty"`
	ValidFrom            *time.Time       `json:"valid_from,omitempty"`
	ValidUntil           *time.Time       `json:"valid_until,omitempty"`
	RequiresVerification bool             `json:"requires_verification"`
	FirstPurchaseOnly    bool             `json:"first_purchase_only"`
	IsEnabled            bool             `json:"is_enabled"`
	CurrentUses          int              `json:"current_uses"`
	CreatedBy            string           `json:"created_by,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

func toDiscountCodeDTO(c discount.DiscountCode) DiscountCodeDTO {
	return DiscountCodeDTO{
		ID:                   c.ID,
		Code:                 c.Code,
		Description:          c.Description,
		Type:                 string(c.Type),
		Value:                c.Value,
		ApplicableCurrencies: c.ApplicableCurrencies,
		MinimumPurchase:      c.MinimumPurchase,
		MaximumDiscount:      c.MaximumDiscount,
		MaxUses:              c.MaxUses,
		MaxUsesPerAccount:    c.MaxUsesPerAccount,
		ValidFrom:            c.ValidFrom,
		ValidUntil:           c.ValidUntil,
		RequiresVerification: c.RequiresVerification,
		FirstPurchaseOnly:    c.FirstPurchaseOnly,
		IsEnabled:            c.IsEnabled,
		CurrentUses:          c.CurrentUses,
		CreatedBy:            c.CreatedBy,
		CreatedAt:            c.CreatedAt,
	}
}

type CodeUsageDTO struct {
	CodeID          string          `json:"code_id"`
	AccountID       string          `json:"account_id"`
	UsedAt          time.Time       `json:"used_at"`
	TokensAmount    int64           `json:"tokens_amount"`
	DiscountApplied decimal.Decimal `json:"discount_applied"`
	BonusTokens     int64           `json:"bonus_tokens"`
	Currency        string          `json:"currency"`
	PurchaseRef     string          `json:"purchase_ref"`
	MovementUID     string          `json:"movement_uid"`
}

func toCodeUsageDTO(u ledger.CodeUsage) CodeUsageDTO {
	return CodeUsageDTO{
		CodeID:          u.CodeID,
		AccountID:       string(u.AccountID),
		UsedAt:          u.UsedAt,
		TokensAmount:    u.TokensAmount,
		DiscountApplied: u.DiscountApplied,
		BonusTokens:     u.BonusTokens,
		Currency:        u.Currency,
		PurchaseRef:     u.PurchaseRef,
		MovementUID:     u.MovementUID,
	}
}

type TierDTO struct {
	MinTokens          int64           `json:"min_tokens"`
	MaxTokens          *int64          `json:"max_tokens,omitempty"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	Label              string          `json:"label"`
	IsEnabled          bool            `json:"is_enabled"`
}

type BulkDiscountDTO struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Description          string     `json:"description,omitempty"`
	Priority             int        `json:"priority"`
	IsDefault            bool       `json:"is_default"`
	IsEnabled            bool       `json:"is_enabled"`
	ValidFrom            *time.Time `json:"valid_from,omitempty"`
	ValidUntil           *time.Time `json:"valid_until,omitempty"`
	Tiers                []TierDTO  `json:"tiers"`
	ApplicableCurrencies []string   `json:"applicable_currencies,omitempty"`
	ApplicableCountries  []string   `json:"applicable_countries,omitempty"`
	RequiresVerification bool       `json:"requires_verification"`
	MinAccountAgeDays    int        `json:"min_account_age_days"`
	CreatedBy            string     `json:"created_by,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

func toBulkDiscountDTO(b discount.BulkDiscount) BulkDiscountDTO {
	tiers := make([]TierDTO, len(b.Tiers))
	for i, t := range b.Tiers {
		tiers[i] = TierDTO{
			MinTokens:          t.MinTokens,
			MaxTokens:          t.MaxTokens,
			DiscountPercentage: t.DiscountPercentage,
			Label:              t.Label,
			IsEnabled:          t.IsEnabled,
		}
	}
	return BulkDiscountDTO{
		ID:                   b.ID,
		Name:                 b.Name,
		Description:          b.Description,
		Priority:             b.Priority,
		IsDefault:            b.IsDefault,
		IsEnabled:            b.IsEnabled,
		ValidFrom:            b.ValidFrom,
		ValidUntil:           b.ValidUntil,
		Tiers:                tiers,
		ApplicableCurrencies: b.ApplicableCurrencies,
		ApplicableCountries:  b.ApplicableCountries,
		RequiresVerification: b.RequiresVerification,
		MinAccountAgeDays:    b.MinAccountAgeDays,
		CreatedBy:            b.CreatedBy,
		CreatedAt:            b.CreatedAt,
	}
}

// ResolveBulkDTO is the answer of /bulk-discounts/resolve. Applied is nil
// when no schedule or tier matches.
type ResolveBulkDTO struct {
	TokenQuantity int64           `json:"token_quantity"`
	Applied       *AppliedTierDTO `json:"applied"`
}

type DriftDTO struct {
	AccountID string     `json:"account_id"`
	Stored    BalanceDTO `json:"stored"`
	Replayed  BalanceDTO `json:"replayed"`
	Movements int        `json:"movements"`
	Error     string     `json:"error,omitempty"`
}

type ReconcileReportDTO struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Accounts   int        `json:"accounts"`
	Movements  int        `json:"movements"`
	Clean      bool       `json:"clean"`
	Drifts     []DriftDTO `json:"drifts"`
}

func toReconcileReportDTO(r ledger.ReconcileReport) ReconcileReportDTO {
	drifts := make([]DriftDTO, len(r.Drifts))
	for i, d := range r.Drifts {
		drifts[i] = DriftDTO{
			AccountID: string(d.AccountID),
			Stored:    toBalanceDTO(d.Stored),
			Replayed:  toBalanceDTO(d.Replayed),
			Movements: d.Movements,
			Error:     d.Err,
		}
	}
	return ReconcileReportDTO{
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Accounts:   r.Accounts,
		Movements:  r.Movements,
		Clean:      r.Clean(),
		Drifts:     drifts,
	}
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Reason  string            `json:"reason,omitempty"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
