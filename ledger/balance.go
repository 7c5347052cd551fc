/*
balance.go - Per-account token balance aggregate

PURPOSE:
  Balance is the denormalized running total of an account's movements.
  It is the answer to "how many tokens can this account use?" without
  replaying the movement log.

BUCKETS:
  TotalPurchased: tokens bought
  TotalBonus:     tokens granted (admin bonus, promotional codes)
  TotalConsumed:  tokens spent
  TotalRefunded:  tokens removed against a refund

AVAILABILITY:
  TotalAvailable = TotalPurchased + TotalBonus - TotalConsumed - TotalRefunded

  TotalAvailable is never incremented on its own. It is recomputed from the
  buckets after every change, so the two cannot drift apart.

EMPTY STATE:
  An account with no movements has the zero Balance. This is a valid,
  terminal state, not an error.

SEE ALSO:
  - store.go: ApplyBalanceDelta performs the atomic bucket increment
  - reconcile.go: Replays movements and compares with stored balances
*/
package ledger

import "time"

// =============================================================================
// BALANCE
// =============================================================================

type Balance struct {
	AccountID      AccountID
	TotalAvailable int64
	TotalPurchased int64
	TotalBonus     int64
	TotalConsumed  int64
	TotalRefunded  int64

	// Version increments on every applied delta.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// ZeroBalance returns the empty balance for an account.
func ZeroBalance(accountID AccountID) Balance {
	return Balance{AccountID: accountID}
}

// Available recomputes availability from the four buckets.
func (b Balance) Available() int64 {
	return b.TotalPurchased + b.TotalBonus - b.TotalConsumed - b.TotalRefunded
}

// Normalize sets TotalAvailable from the buckets.
func (b Balance) Normalize() Balance {
	b.TotalAvailable = b.Available()
	return b
}

// IsClosed reports whether the owning account was soft-deleted.
func (b Balance) IsClosed() bool {
	return b.DeletedAt != nil
}

// Check verifies the balance invariants.
func (b Balance) Check() error {
	switch {
	case b.TotalPurchased < 0, b.TotalBonus < 0, b.TotalConsumed < 0, b.TotalRefunded < 0:
		return Violation(ReasonNegativeBucket, "account %s: bucket would become negative", b.AccountID)
	case b.Available() < 0:
		return Violation(ReasonInsufficientBalance, "account %s: available would become %d", b.AccountID, b.Available())
	case b.TotalAvailable != b.Available():
		return Violation(ReasonNegativeBucket, "account %s: available %d does not match buckets %d",
			b.AccountID, b.TotalAvailable, b.Available())
	}
	return nil
}

// =============================================================================
// BALANCE DELTA - What a movement does to the buckets
// =============================================================================

// BalanceDelta is the signed change a movement applies to each bucket.
// Stores apply it as one atomic increment.
type BalanceDelta struct {
	Purchased int64
	Bonus     int64
	Consumed  int64
	Refunded  int64
}

// Available returns the net change to TotalAvailable.
func (d BalanceDelta) Available() int64 {
	return d.Purchased + d.Bonus - d.Consumed - d.Refunded
}

func (d BalanceDelta) IsZero() bool {
	return d == BalanceDelta{}
}

// Add combines two deltas.
func (d BalanceDelta) Add(o BalanceDelta) BalanceDelta {
	return BalanceDelta{
		Purchased: d.Purchased + o.Purchased,
		Bonus:     d.Bonus + o.Bonus,
		Consumed:  d.Consumed + o.Consumed,
		Refunded:  d.Refunded + o.Refunded,
	}
}

// DeltaFor maps a movement to its bucket changes. Movements that are not
// APPROVED have no effect.
func DeltaFor(m Movement) BalanceDelta {
	if !m.Counts() {
		return BalanceDelta{}
	}
	switch m.Type {
	case MovementPurchased:
		return BalanceDelta{Purchased: m.Amount}
	case MovementBonus:
		return BalanceDelta{Bonus: m.Amount}
	case MovementConsumed:
		return BalanceDelta{Consumed: m.Amount}
	case MovementRefunded:
		return BalanceDelta{Refunded: m.Amount}
	case MovementAdjustment:
		return bucketDelta(m.Metadata.Bucket, m.Metadata.Delta)
	}
	return BalanceDelta{}
}

func bucketDelta(bucket Bucket, delta int64) BalanceDelta {
	switch bucket {
	case BucketPurchased:
		return BalanceDelta{Purchased: delta}
	case BucketConsumed:
		return BalanceDelta{Consumed: delta}
	case BucketRefunded:
		return BalanceDelta{Refunded: delta}
	default:
		return BalanceDelta{Bonus: delta}
	}
}

// Apply returns b with d added to its buckets and availability recomputed.
// The result is checked; an invalid result is returned with an error.
func (b Balance) Apply(d BalanceDelta) (Balance, error) {
	next := b
	next.TotalPurchased += d.Purchased
	next.TotalBonus += d.Bonus
	next.TotalConsumed += d.Consumed
	next.TotalRefunded += d.Refunded
	next = next.Normalize()
	if err := next.Check(); err != nil {
		return b, err
	}
	return next, nil
}

// Rejection explains why a guarded store update of b by d matched no row.
// When b.Apply(d) would succeed the row changed underneath the caller and
// the result is a ConcurrencyConflict.
func (b Balance) Rejection(d BalanceDelta) error {
	if b.IsClosed() {
		return Violation(ReasonAccountClosed, "account %s is closed", b.AccountID)
	}
	if _, err := b.Apply(d); err != nil {
		return err
	}
	return &ConcurrencyConflict{Resource: "balance:" + string(b.AccountID)}
}

// ApplyMovement is the pure aggregation step: the balance after m.
// It does not touch Version or timestamps; stores own those.
func ApplyMovement(b Balance, m Movement) (Balance, error) {
	if b.AccountID == "" {
		b.AccountID = m.AccountID
	}
	if b.AccountID != m.AccountID {
		return b, Invalid("account_id", "movement for %s applied to balance of %s", m.AccountID, b.AccountID)
	}
	return b.Apply(DeltaFor(m))
}
