/*
store.go - Persistence interface for movements, balances and code usage

PURPOSE:
  Defines the boundary between the ledger logic and the database. Different
  implementations use SQLite, MySQL (gorm) or in-memory storage; all of them
  provide the same atomicity contract.

KEY INTERFACES:
  Store: Reads plus WithTx, the only way to write
  Tx:    The writes allowed inside one unit of work

APPEND-ONLY CONTRACT:
  - InsertMovement / AppendCodeUsage are inserts; there is no Update or
    Delete for movements or usages
  - Balance rows are only changed through ApplyBalanceDelta

ATOMICITY:
  Everything done through one Tx commits together or not at all. A
  purchase writes the code claim, the code usage, the PURCHASED movement,
  an optional BONUS movement and the balance deltas in a single Tx.

ATOMIC INCREMENTS:
  ApplyBalanceDelta must be an atomic conditional increment of the four
  buckets keyed by account id (never a read-modify-write of the whole row),
  rejecting the write when a bucket or availability would become negative.
  ClaimCodeUse must increment current_uses only while the stored code is
  enabled, inside its validity window and below max_uses, in the same
  operation as the check.

IMPLEMENTATIONS:
  - store/memory:    In-memory, for tests and local runs
  - store/sqlite:    database/sql + go-sqlite3
  - store/gormstore: gorm (MySQL in production)
*/
package ledger

import "context"

// =============================================================================
// STORE - Reads and the unit-of-work entry point
// =============================================================================

type Store interface {
	// WithTx runs fn in one unit of work. If fn returns an error nothing
	// fn wrote is kept.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetBalance returns the stored balance, or nil when the account has
	// no balance row yet.
	GetBalance(ctx context.Context, accountID AccountID) (*Balance, error)

	// ListMovements returns movements for an account ordered by
	// (CreatedAt, Seq) ascending.
	ListMovements(ctx context.Context, accountID AccountID, filter MovementFilter) ([]Movement, error)

	// GetMovement returns a movement by UID, or nil.
	GetMovement(ctx context.Context, uid string) (*Movement, error)

	// ListAccountIDs returns every account that has a balance row.
	ListAccountIDs(ctx context.Context) ([]AccountID, error)

	// CountCodeUses returns how many times accountID redeemed codeID.
	CountCodeUses(ctx context.Context, codeID string, accountID AccountID) (int, error)

	// ListCodeUsages returns the usage log of a code, oldest first.
	ListCodeUsages(ctx context.Context, codeID string) ([]CodeUsage, error)

	// SoftDeleteBalance marks an account's balance as closed.
	SoftDeleteBalance(ctx context.Context, accountID AccountID) error
}

// =============================================================================
// TX - Writes inside one unit of work
// =============================================================================

type Tx interface {
	// InsertMovement persists m and assigns m.Seq (and m.CreatedAt if zero).
	InsertMovement(ctx context.Context, m *Movement) error

	// ApplyBalanceDelta atomically adds d to the account's buckets, creating
	// the balance row on first use. Returns the balance after the change.
	ApplyBalanceDelta(ctx context.Context, accountID AccountID, d BalanceDelta) (Balance, error)

	// ClaimCodeUse is the conditional check-and-increment of a code's
	// usage counter. Fails with ReasonCodeDisabled, ReasonCodeNotYetValid,
	// ReasonCodeExpired, ReasonCodeExhausted or ReasonAccountLimitReached.
	ClaimCodeUse(ctx context.Context, claim CodeClaim) error

	// AppendCodeUsage adds an entry to the code usage log.
	AppendCodeUsage(ctx context.Context, u *CodeUsage) error
}
