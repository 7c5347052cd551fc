package discount

import "context"

// =============================================================================
// STORE - Persistence of codes and schedules
// =============================================================================

// Store persists discount codes and bulk discount schedules. Code counters
// are not written here: they move only through ledger.Tx.ClaimCodeUse as
// part of a purchase.
//
// Implementations must keep at most one schedule flagged default. Both
// CreateBulkDiscount with IsDefault set and SetDefaultBulkDiscount clear the
// previous default and set the new one in a single unit of work.
type Store interface {
	// CreateDiscountCode inserts c. A code that already exists fails with
	// ledger.ReasonDuplicateCode.
	CreateDiscountCode(ctx context.Context, c *DiscountCode) error

	// GetDiscountCode returns the code by its normalized text, or nil.
	GetDiscountCode(ctx context.Context, code string) (*DiscountCode, error)

	// ListDiscountCodes returns all codes ordered by code.
	ListDiscountCodes(ctx context.Context) ([]DiscountCode, error)

	// SetDiscountCodeEnabled toggles IsEnabled. ledger.ErrNotFound if the
	// code does not exist.
	SetDiscountCodeEnabled(ctx context.Context, code string, enabled bool) error

	// CreateBulkDiscount inserts b. A name that already exists fails with
	// ledger.ReasonDuplicateName.
	CreateBulkDiscount(ctx context.Context, b *BulkDiscount) error

	// GetBulkDiscount returns a schedule by id, or nil.
	GetBulkDiscount(ctx context.Context, id string) (*BulkDiscount, error)

	// ListBulkDiscounts returns all schedules ordered by name.
	ListBulkDiscounts(ctx context.Context) ([]BulkDiscount, error)

	// SetDefaultBulkDiscount moves the default flag to id atomically.
	// ledger.ErrNotFound if id does not exist.
	SetDefaultBulkDiscount(ctx context.Context, id string) error

	// SetBulkDiscountEnabled toggles IsEnabled. ledger.ErrNotFound if id
	// does not exist.
	SetBulkDiscountEnabled(ctx context.Context, id string, enabled bool) error
}
