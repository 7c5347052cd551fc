package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-engine/discount"
	"github.com/warp/token-engine/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// movementModel is one row of the append-only movement log.
type movementModel struct {
	Seq           int64                               `gorm:"column:seq;primaryKey;autoIncrement"`
	UID           string                              `gorm:"column:uid;size:64;not null;uniqueIndex"`
	AccountID     string                              `gorm:"column:account_id;size:128;not null;index:idx_movements_account_created,priority:1"`
	Type          string                              `gorm:"column:type;size:16;not null"`
	Status        string                              `gorm:"column:status;size:16;not null"`
	Amount        int64                               `gorm:"column:amount;not null"`
	Metadata      datatypes.JSONType[ledger.Metadata] `gorm:"column:metadata"`
	CreatedByID   string                              `gorm:"column:created_by_id;size:128;not null"`
	CreatedByKind string                              `gorm:"column:created_by_kind;size:16;not null"`
	CreatedNanos  int64                               `gorm:"column:created_at;not null;index:idx_movements_account_created,priority:2"`
}

func (movementModel) TableName() string { return "movements" }

func movementRow(m *ledger.Movement) movementModel {
	return movementModel{
		UID:           m.UID,
		AccountID:     string(m.AccountID),
		Type:          string(m.Type),
		Status:        string(m.Status),
		Amount:        m.Amount,
		Metadata:      datatypes.NewJSONType(m.Metadata),
		CreatedByID:   m.CreatedBy.ID,
		CreatedByKind: string(m.CreatedBy.Kind),
		CreatedNanos:  m.CreatedAt.UnixNano(),
	}
}

func (r movementModel) toDomain() ledger.Movement {
	return ledger.Movement{
		Seq:       r.Seq,
		UID:       r.UID,
		AccountID: ledger.AccountID(r.AccountID),
		Type:      ledger.MovementType(r.Type),
		Status:    ledger.MovementStatus(r.Status),
		Amount:    r.Amount,
		Metadata:  r.Metadata.Data(),
		CreatedBy: ledger.Actor{ID: r.CreatedByID, Kind: ledger.ActorKind(r.CreatedByKind)},
		CreatedAt: time.Unix(0, r.CreatedNanos).UTC(),
	}
}

// balanceModel stores the four buckets only; availability is derived from
// them on read. A closed account is a soft-deleted row.
type balanceModel struct {
	AccountID      string         `gorm:"column:account_id;size:128;primaryKey"`
	TotalPurchased int64          `gorm:"column:total_purchased;not null;default:0"`
	TotalBonus     int64          `gorm:"column:total_bonus;not null;default:0"`
	TotalConsumed  int64          `gorm:"column:total_consumed;not null;default:0"`
	TotalRefunded  int64          `gorm:"column:total_refunded;not null;default:0"`
	Version        int64          `gorm:"column:version;not null;default:0"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (balanceModel) TableName() string { return "token_balances" }

func (r balanceModel) toDomain() ledger.Balance {
	b := ledger.Balance{
		AccountID:      ledger.AccountID(r.AccountID),
		TotalPurchased: r.TotalPurchased,
		TotalBonus:     r.TotalBonus,
		TotalConsumed:  r.TotalConsumed,
		TotalRefunded:  r.TotalRefunded,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.DeletedAt.Valid {
		closed := r.DeletedAt.Time.UTC()
		b.DeletedAt = &closed
	}
	return b.Normalize()
}

type codeModel struct {
	ID                   string                       `gorm:"column:id;size:64;primaryKey"`
	Code                 string                       `gorm:"column:code;size:64;not null;uniqueIndex"`
	Description          string                       `gorm:"column:description;type:text"`
	Type                 string                       `gorm:"column:type;size:32;not null"`
	Value                decimal.Decimal              `gorm:"column:value;type:decimal(20,4);not null"`
	ApplicableCurrencies datatypes.JSONType[[]string] `gorm:"column:applicable_currencies"`
	MinimumPurchase      decimal.NullDecimal          `gorm:"column:minimum_purchase;type:decimal(20,4)"`
	MaximumDiscount      decimal.NullDecimal          `gorm:"column:maximum_discount;type:decimal(20,4)"`
	MaxUses              *int                         `gorm:"column:max_uses"`
	MaxUsesPerAccount    *int                         `gorm:"column:max_uses_per_account"`
	ValidFrom            *time.Time                   `gorm:"column:valid_from"`
	ValidUntil           *time.Time                   `gorm:"column:valid_until"`
	RequiresVerification bool                         `gorm:"column:requires_verification;not null"`
	FirstPurchaseOnly    bool                         `gorm:"column:first_purchase_only;not null"`
	IsEnabled            bool                         `gorm:"column:is_enabled;not null"`
	CurrentUses          int                          `gorm:"column:current_uses;not null;default:0"`
	CreatedBy            string                       `gorm:"column:created_by;size:128"`
	CreatedAt            time.Time                    `gorm:"column:created_at"`
	UpdatedAt            time.Time                    `gorm:"column:updated_at"`
}

func (codeModel) TableName() string { return "discount_codes" }

func codeRow(c *discount.DiscountCode) codeModel {
	return codeModel{
		ID:                   c.ID,
		Code:                 c.Code,
		Description:          c.Description,
		Type:                 string(c.Type),
		Value:                c.Value,
		ApplicableCurrencies: datatypes.NewJSONType(c.ApplicableCurrencies),
		MinimumPurchase:      nullDecimal(c.MinimumPurchase),
		MaximumDiscount:      nullDecimal(c.MaximumDiscount),
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
		UpdatedAt:            c.UpdatedAt,
	}
}

func (r codeModel) toDomain() discount.DiscountCode {
	c := discount.DiscountCode{
		ID:                   r.ID,
		Code:                 r.Code,
		Description:          r.Description,
		Type:                 discount.CodeType(r.Type),
		Value:                r.Value,
		ApplicableCurrencies: r.ApplicableCurrencies.Data(),
		MinimumPurchase:      decimalPtr(r.MinimumPurchase),
		MaximumDiscount:      decimalPtr(r.MaximumDiscount),
		MaxUses:              r.MaxUses,
		MaxUsesPerAccount:    r.MaxUsesPerAccount,
		ValidFrom:            utc(r.ValidFrom),
		ValidUntil:           utc(r.ValidUntil),
		RequiresVerification: r.RequiresVerification,
		FirstPurchaseOnly:    r.FirstPurchaseOnly,
		IsEnabled:            r.IsEnabled,
		CurrentUses:          r.CurrentUses,
		CreatedBy:            r.CreatedBy,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
	if len(c.ApplicableCurrencies) == 0 {
		c.ApplicableCurrencies = nil
	}
	return c
}

type usageModel struct {
	Seq             int64           `gorm:"column:seq;primaryKey;autoIncrement"`
	CodeID          string          `gorm:"column:code_id;size:64;not null;index:idx_code_usages_code_account,priority:1"`
	AccountID       string          `gorm:"column:account_id;size:128;not null;index:idx_code_usages_code_account,priority:2"`
	UsedAt          time.Time       `gorm:"column:used_at"`
	TokensAmount    int64           `gorm:"column:tokens_amount;not null"`
	DiscountApplied decimal.Decimal `gorm:"column:discount_applied;type:decimal(20,4);not null"`
	BonusTokens     int64           `gorm:"column:bonus_tokens;not null;default:0"`
	Currency        string          `gorm:"column:currency;size:8"`
	PurchaseRef     string          `gorm:"column:purchase_ref;size:64"`
	MovementUID     string          `gorm:"column:movement_uid;size:64"`
}

func (usageModel) TableName() string { return "discount_code_usages" }

func (r usageModel) toDomain() ledger.CodeUsage {
	return ledger.CodeUsage{
		Seq:             r.Seq,
		CodeID:          r.CodeID,
		AccountID:       ledger.AccountID(r.AccountID),
		UsedAt:          r.UsedAt.UTC(),
		TokensAmount:    r.TokensAmount,
		DiscountApplied: r.DiscountApplied,
		BonusTokens:     r.BonusTokens,
		Currency:        r.Currency,
		PurchaseRef:     r.PurchaseRef,
		MovementUID:     r.MovementUID,
	}
}

// tierRecord is the JSON form of a tier inside bulk_discounts.tiers.
type tierRecord struct {
	MinTokens          int64           `json:"min_tokens"`
	MaxTokens          *int64          `json:"max_tokens,omitempty"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	Label              string          `json:"label"`
	IsEnabled          bool            `json:"is_enabled"`
}

// bulkModel marks the default schedule twice: is_default for readers and
// default_slot (1 or NULL) under a unique index so a second default row
// cannot be written.
type bulkModel struct {
	ID                   string                           `gorm:"column:id;size:64;primaryKey"`
	Name                 string                           `gorm:"column:name;size:128;not null;uniqueIndex"`
	Description          string                           `gorm:"column:description;type:text"`
	Priority             int                              `gorm:"column:priority;not null;default:0"`
	IsDefault            bool                             `gorm:"column:is_default;not null"`
	DefaultSlot          *int                             `gorm:"column:default_slot;uniqueIndex"`
	IsEnabled            bool                             `gorm:"column:is_enabled;not null"`
	ValidFrom            *time.Time                       `gorm:"column:valid_from"`
	ValidUntil           *time.Time                       `gorm:"column:valid_until"`
	Tiers                datatypes.JSONType[[]tierRecord] `gorm:"column:tiers"`
	ApplicableCurrencies datatypes.JSONType[[]string]     `gorm:"column:applicable_currencies"`
	ApplicableCountries  datatypes.JSONType[[]string]     `gorm:"column:applicable_countries"`
	RequiresVerification bool                             `gorm:"column:requires_verification;not null"`
	MinAccountAgeDays    int                              `gorm:"column:min_account_age_days;not null;default:0"`
	CreatedBy            string                           `gorm:"column:created_by;size:128"`
	CreatedAt            time.Time                        `gorm:"column:created_at"`
	UpdatedAt            time.Time                        `gorm:"column:updated_at"`
}

func (bulkModel) TableName() string { return "bulk_discounts" }

func bulkRow(b *discount.BulkDiscount) bulkModel {
	tiers := make([]tierRecord, len(b.Tiers))
	for i, t := range b.Tiers {
		tiers[i] = tierRecord(t)
	}
	row := bulkModel{
		ID:                   b.ID,
		Name:                 b.Name,
		Description:          b.Description,
		Priority:             b.Priority,
		IsDefault:            b.IsDefault,
		IsEnabled:            b.IsEnabled,
		ValidFrom:            b.ValidFrom,
		ValidUntil:           b.ValidUntil,
		Tiers:                datatypes.NewJSONType(tiers),
		ApplicableCurrencies: datatypes.NewJSONType(b.ApplicableCurrencies),
		ApplicableCountries:  datatypes.NewJSONType(b.ApplicableCountries),
		RequiresVerification: b.RequiresVerification,
		MinAccountAgeDays:    b.MinAccountAgeDays,
		CreatedBy:            b.CreatedBy,
		CreatedAt:            b.CreatedAt,
		UpdatedAt:            b.UpdatedAt,
	}
	if b.IsDefault {
		row.DefaultSlot = &defaultSlot
	}
	return row
}

var defaultSlot = 1

func (r bulkModel) toDomain() discount.BulkDiscount {
	recs := r.Tiers.Data()
	tiers := make([]discount.Tier, len(recs))
	for i, t := range recs {
		tiers[i] = discount.Tier(t)
	}
	b := discount.BulkDiscount{
		ID:                   r.ID,
		Name:                 r.Name,
		Description:          r.Description,
		Priority:             r.Priority,
		IsDefault:            r.IsDefault,
		IsEnabled:            r.IsEnabled,
		ValidFrom:            utc(r.ValidFrom),
		ValidUntil:           utc(r.ValidUntil),
		Tiers:                tiers,
		ApplicableCurrencies: r.ApplicableCurrencies.Data(),
		ApplicableCountries:  r.ApplicableCountries.Data(),
		RequiresVerification: r.RequiresVerification,
		MinAccountAgeDays:    r.MinAccountAgeDays,
		CreatedBy:            r.CreatedBy,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
	if len(b.ApplicableCurrencies) == 0 {
		b.ApplicableCurrencies = nil
	}
	if len(b.ApplicableCountries) == 0 {
		b.ApplicableCountries = nil
	}
	return b
}

type reconcileRunModel struct {
	ID         int64                              `gorm:"column:id;primaryKey;autoIncrement"`
	StartedAt  time.Time                          `gorm:"column:started_at"`
	FinishedAt time.Time                          `gorm:"column:finished_at"`
	Accounts   int                                `gorm:"column:accounts"`
	Movements  int                                `gorm:"column:movements"`
	Drifts     datatypes.JSONType[[]ledger.Drift] `gorm:"column:drifts"`
}

func (reconcileRunModel) TableName() string { return "reconcile_runs" }

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
