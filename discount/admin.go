package discount

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/warp/token-engine/ledger"
	"github.com/warp/token-engine/lock"
	"go.uber.org/zap"
)

// =============================================================================
// ADMIN - Creating and toggling promotions
// =============================================================================

// UsageLog reads the append-only code usage log. ledger.Store satisfies it.
type UsageLog interface {
	ListCodeUsages(ctx context.Context, codeID string) ([]ledger.CodeUsage, error)
}

type Admin struct {
	store  Store
	usages UsageLog
	locker lock.Locker
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

type AdminOption func(*Admin)

func WithAdminLogger(logger *zap.Logger) AdminOption {
	return func(a *Admin) { a.logger = logger }
}

func WithAdminClock(now func() time.Time) AdminOption {
	return func(a *Admin) { a.now = now }
}

// WithLocker serializes default moves across instances.
func WithLocker(l lock.Locker) AdminOption {
	return func(a *Admin) { a.locker = l }
}

func NewAdmin(store Store, usages UsageLog, opts ...AdminOption) *Admin {
	a := &Admin{
		store:  store,
		usages: usages,
		locker: lock.Nop{},
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreateDiscountCode validates and stores a new code. Usage counters start
// at zero whatever the input says.
func (a *Admin) CreateDiscountCode(ctx context.Context, c DiscountCode) (DiscountCode, error) {
	c = c.Normalize()
	if err := c.Validate(); err != nil {
		return DiscountCode{}, err
	}
	if c.ID == "" {
		c.ID = a.newID()
	}
	c.CurrentUses = 0
	c.CreatedAt = a.now()
	c.UpdatedAt = c.CreatedAt

	if err := a.store.CreateDiscountCode(ctx, &c); err != nil {
		return DiscountCode{}, ledger.External("create discount code", err)
	}
	a.logger.Info("discount code created",
		zap.String("code", c.Code),
		zap.String("type", string(c.Type)),
		zap.String("value", c.Value.String()))
	return c, nil
}

func (a *Admin) GetDiscountCode(ctx context.Context, code string) (DiscountCode, error) {
	c, err := a.store.GetDiscountCode(ctx, NormalizeCode(code))
	if err != nil {
		return DiscountCode{}, ledger.External("get discount code", err)
	}
	if c == nil {
		return DiscountCode{}, ledger.ErrNotFound
	}
	return *c, nil
}

func (a *Admin) ListDiscountCodes(ctx context.Context) ([]DiscountCode, error) {
	cs, err := a.store.ListDiscountCodes(ctx)
	if err != nil {
		return nil, ledger.External("list discount codes", err)
	}
	return cs, nil
}

func (a *Admin) SetDiscountCodeEnabled(ctx context.Context, code string, enabled bool) (DiscountCode, error) {
	code = NormalizeCode(code)
	if err := a.store.SetDiscountCodeEnabled(ctx, code, enabled); err != nil {
		return DiscountCode{}, ledger.External("toggle discount code", err)
	}
	a.logger.Info("discount code toggled", zap.String("code", code), zap.Bool("enabled", enabled))
	return a.GetDiscountCode(ctx, code)
}

// CodeUsages returns the usage log of a code, oldest first.
func (a *Admin) CodeUsages(ctx context.Context, code string) ([]ledger.CodeUsage, error) {
	c, err := a.GetDiscountCode(ctx, code)
	if err != nil {
		return nil, err
	}
	us, err := a.usages.ListCodeUsages(ctx, c.ID)
	if err != nil {
		return nil, ledger.External("list code usages", err)
	}
	return us, nil
}

// =============================================================================
// BULK DISCOUNTS
// =============================================================================

// CreateBulkDiscount validates and stores a schedule. When it is flagged
// default, the previous default loses the flag in the same unit of work.
// A disabled schedule cannot be created as the default.
func (a *Admin) CreateBulkDiscount(ctx context.Context, b BulkDiscount) (BulkDiscount, error) {
	b = b.Normalize()
	if err := b.Validate(); err != nil {
		return BulkDiscount{}, err
	}
	if b.IsDefault && !b.IsEnabled {
		return BulkDiscount{}, ledger.Violation(ledger.ReasonScheduleDisabled, "bulk discount %s is disabled and cannot be the default", b.Name)
	}
	if b.ID == "" {
		b.ID = a.newID()
	}
	b.CreatedAt = a.now()
	b.UpdatedAt = b.CreatedAt

	create := func() error { return a.store.CreateBulkDiscount(ctx, &b) }
	var err error
	if b.IsDefault {
		err = a.withDefaultLock(ctx, create)
	} else {
		err = create()
	}
	if err != nil {
		return BulkDiscount{}, ledger.External("create bulk discount", err)
	}
	a.logger.Info("bulk discount created",
		zap.String("bulk_discount_id", b.ID),
		zap.String("name", b.Name),
		zap.Int("tiers", len(b.Tiers)),
		zap.Bool("default", b.IsDefault))
	return b, nil
}

func (a *Admin) GetBulkDiscount(ctx context.Context, id string) (BulkDiscount, error) {
	b, err := a.store.GetBulkDiscount(ctx, id)
	if err != nil {
		return BulkDiscount{}, ledger.External("get bulk discount", err)
	}
	if b == nil {
		return BulkDiscount{}, ledger.ErrNotFound
	}
	return *b, nil
}

func (a *Admin) ListBulkDiscounts(ctx context.Context) ([]BulkDiscount, error) {
	bs, err := a.store.ListBulkDiscounts(ctx)
	if err != nil {
		return nil, ledger.External("list bulk discounts", err)
	}
	return bs, nil
}

// SetAsDefault makes id the only default schedule. Clearing the previous
// default and setting the new one happen in one store unit of work; no
// reader sees zero or two defaults.
func (a *Admin) SetAsDefault(ctx context.Context, id string) (BulkDiscount, error) {
	b, err := a.GetBulkDiscount(ctx, id)
	if err != nil {
		return BulkDiscount{}, err
	}
	if !b.IsEnabled {
		return BulkDiscount{}, ledger.Violation(ledger.ReasonScheduleDisabled, "bulk discount %s is disabled", b.Name)
	}
	if b.IsDefault {
		return b, nil
	}

	err = a.withDefaultLock(ctx, func() error {
		return a.store.SetDefaultBulkDiscount(ctx, id)
	})
	if err != nil {
		return BulkDiscount{}, ledger.External("set default bulk discount", err)
	}
	a.logger.Info("default bulk discount moved", zap.String("bulk_discount_id", id), zap.String("name", b.Name))
	return a.GetBulkDiscount(ctx, id)
}

func (a *Admin) SetBulkDiscountEnabled(ctx context.Context, id string, enabled bool) (BulkDiscount, error) {
	if err := a.store.SetBulkDiscountEnabled(ctx, id, enabled); err != nil {
		return BulkDiscount{}, ledger.External("toggle bulk discount", err)
	}
	a.logger.Info("bulk discount toggled", zap.String("bulk_discount_id", id), zap.Bool("enabled", enabled))
	return a.GetBulkDiscount(ctx, id)
}

func (a *Admin) withDefaultLock(ctx context.Context, fn func() error) error {
	l, err := a.locker.Obtain(ctx, lock.DefaultBulkDiscountKey)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			a.logger.Warn("release default lock", zap.Error(err))
		}
	}()
	return fn()
}
