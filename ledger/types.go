/*
Package ledger provides the token movement log and the per-account balance
aggregate.

PURPOSE:
  Every change to an account's prepaid token balance is recorded as an
  immutable Movement. A denormalized Balance is kept next to the log and is
  updated in the same unit of work as each Movement, so reads never have to
  replay history and the two can never be observed out of step.

KEY CONCEPTS IN THIS FILE (types.go):
  - Movement: An immutable ledger entry recording one token balance change
  - MovementType / MovementStatus: What happened and whether it counts
  - Metadata: Write-once attributes attached to a movement
  - Actor: Who (administrator or system) issued the movement

DESIGN PRINCIPLES:
  1. Immutability: Movements are never updated or deleted; corrections are
     new ADJUSTMENT movements
  2. Sign by type: Amount is always a magnitude, the type says credit or debit
  3. Ordering: (CreatedAt, Seq); Seq is assigned by the store on insert
  4. Auditability: every movement carries its actor and a description

USAGE:
  l := ledger.New(store)
  mv, bal, err := l.Append(ctx, ledger.AppendRequest{
      AccountID: "acc-1",
      Type:      ledger.MovementBonus,
      Amount:    50,
      Metadata:  ledger.Metadata{Description: "welcome bonus"},
      Actor:     ledger.SystemActor,
  })

SEE ALSO:
  - balance.go: Balance aggregate and ApplyMovement
  - store.go: Persistence interfaces
  - ledger.go: Append / GetByAccountID
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string

// =============================================================================
// MOVEMENT TYPES & STATUS
// =============================================================================

type MovementType string

const (
	MovementPurchased  MovementType = "PURCHASED"  // Tokens bought by the account
	MovementConsumed   MovementType = "CONSUMED"   // Tokens spent on a billable action
	MovementRefunded   MovementType = "REFUNDED"   // Tokens returned against a refund (deduction)
	MovementBonus      MovementType = "BONUS"      // Administrative or promotional grant
	MovementAdjustment MovementType = "ADJUSTMENT" // Signed correction of one bucket
)

// Valid reports whether t is one of the token movement types.
func (t MovementType) Valid() bool {
	switch t {
	case MovementPurchased, MovementConsumed, MovementRefunded, MovementBonus, MovementAdjustment:
		return true
	}
	return false
}

type MovementStatus string

const (
	StatusPending  MovementStatus = "PENDING"
	StatusApproved MovementStatus = "APPROVED"
	StatusExpired  MovementStatus = "EXPIRED"
)

func (s MovementStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusExpired:
		return true
	}
	return false
}

// =============================================================================
// BUCKETS
// =============================================================================

// Bucket names one of the four running totals of a Balance.
type Bucket string

const (
	BucketPurchased Bucket = "purchased"
	BucketBonus     Bucket = "bonus"
	BucketConsumed  Bucket = "consumed"
	BucketRefunded  Bucket = "refunded"
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketPurchased, BucketBonus, BucketConsumed, BucketRefunded:
		return true
	}
	return false
}

// =============================================================================
// ACTOR
// =============================================================================

type ActorKind string

const (
	ActorSystem ActorKind = "system"
	ActorAdmin  ActorKind = "admin"
	ActorUser   ActorKind = "user"
)

// Actor identifies who issued a movement.
type Actor struct {
	ID   string    `json:"id"`
	Kind ActorKind `json:"kind"`
}

// SystemActor is used for movements issued by the engine itself.
var SystemActor = Actor{ID: "system", Kind: ActorSystem}

// Admin returns an administrator actor.
func Admin(id string) Actor { return Actor{ID: id, Kind: ActorAdmin} }

// =============================================================================
// METADATA - Write-once attributes
// =============================================================================

// Metadata is attached to a Movement at creation and never changed.
//
// Delta and Bucket are only meaningful for ADJUSTMENT movements: Delta is the
// signed change applied to Bucket (bonus when empty).
type Metadata struct {
	Description string `json:"description,omitempty"`
	TokenAmount int64  `json:"token_amount,omitempty"`

	Delta  int64  `json:"delta,omitempty"`
	Bucket Bucket `json:"bucket,omitempty"`

	// Purchase context
	PurchaseRef      string           `json:"purchase_ref,omitempty"`
	Currency         string           `json:"currency,omitempty"`
	UnitPrice        *decimal.Decimal `json:"unit_price,omitempty"`
	Subtotal         *decimal.Decimal `json:"subtotal,omitempty"`
	BulkDiscount     *decimal.Decimal `json:"bulk_discount,omitempty"`
	CodeDiscount     *decimal.Decimal `json:"code_discount,omitempty"`
	Total            *decimal.Decimal `json:"total,omitempty"`
	UnclampedTotal   *decimal.Decimal `json:"unclamped_total,omitempty"`
	FloorClamped     bool             `json:"floor_clamped,omitempty"`
	Floor            *decimal.Decimal `json:"floor,omitempty"`
	DiscountCodeID   string           `json:"discount_code_id,omitempty"`
	DiscountCode     string           `json:"discount_code,omitempty"`
	BulkDiscountID   string           `json:"bulk_discount_id,omitempty"`
	BulkDiscountTier string           `json:"bulk_discount_tier,omitempty"`

	// Reference to a movement this one corrects or relates to
	RelatedMovementUID string `json:"related_movement_uid,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// =============================================================================
// MOVEMENT - Immutable ledger entry
// =============================================================================

type Movement struct {
	Seq       int64 // insertion sequence, assigned by the store
	UID       string
	AccountID AccountID
	Type      MovementType
	Status    MovementStatus
	Amount    int64 // magnitude; direction comes from Type (or Metadata.Delta)
	Metadata  Metadata
	CreatedBy Actor
	CreatedAt time.Time
}

// Counts reports whether the movement affects the balance.
func (m Movement) Counts() bool {
	return m.Status == StatusApproved
}

// SignedAmount returns the net effect on TotalAvailable.
func (m Movement) SignedAmount() int64 {
	if !m.Counts() {
		return 0
	}
	return DeltaFor(m).Available()
}

// Less orders movements by creation time, breaking ties by sequence.
func (m Movement) Less(other Movement) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}

// MovementFilter narrows ListMovements.
type MovementFilter struct {
	Types []MovementType
	Limit int // 0 = no limit
}

// Matches reports whether m passes the type filter.
func (f MovementFilter) Matches(m Movement) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == m.Type {
			return true
		}
	}
	return false
}

// =============================================================================
// CODE USAGE - Append-only log of discount code redemptions
// =============================================================================

// CodeUsage records one redemption of a discount code. Kept outside the code
// record so the code document never grows with its history.
type CodeUsage struct {
	Seq             int64
	CodeID          string
	AccountID       AccountID
	UsedAt          time.Time
	TokensAmount    int64
	DiscountApplied decimal.Decimal
	BonusTokens     int64
	Currency        string
	PurchaseRef     string
	MovementUID     string
}

// CodeClaim asks a store to count one redemption of CodeID by AccountID.
// The store checks the code's stored enabled flag, validity window at At
// and limits in the same operation.
type CodeClaim struct {
	CodeID    string
	AccountID AccountID
	At        time.Time // store clock when zero
}
