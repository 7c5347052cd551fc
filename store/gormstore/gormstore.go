/*
Package gormstore implements the storage interfaces on gorm, for MySQL.

PURPOSE:
  The production deployment keeps balances, movements and promotions in
  MySQL. This package gives the ledger and the discount admin the same
  guarantees as store/sqlite, expressed with gorm:

  - Balance updates are one UPDATE with gorm.Expr increments and a WHERE
    guard on every bucket; zero affected rows means the change was refused.
    Availability is not stored; it is derived from the buckets
  - Code claims are UPDATE ... current_uses + 1 WHERE is_enabled AND the
    window holds AND current_uses < max_uses, after locking the code row
    (SELECT ... FOR UPDATE)
  - A unique index on default_slot keeps a single default schedule

ERRORS:
  MySQL 1062 becomes a duplicate violation; 1213 (deadlock) and 1205 (lock
  wait timeout) become ledger.ConcurrencyConflict so callers retry.

TRACING:
  New installs the otelgorm plugin, so every statement is a span under the
  caller's context.
*/
package gormstore

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"github.com/warp/token-engine/discount"
	"github.com/warp/token-engine/ledger"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenMySQL connects to MySQL and migrates the schema. The DSN must carry
// parseTime=true.
func OpenMySQL(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), Config(log))
	if err != nil {
		return nil, ledger.External("connect mysql", err)
	}
	return New(db)
}

// Config is the gorm configuration used by OpenMySQL. Slow queries and
// errors go to log.
func Config(log *zap.Logger) *gorm.Config {
	if log == nil {
		log = zap.NewNop()
	}
	return &gorm.Config{
		Logger: logger.New(zap.NewStdLog(log.Named("gorm")), logger.Config{
			LogLevel:                  logger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

// New wraps an open connection, installs tracing and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, err
	}
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&movementModel{},
		&balanceModel{},
		&codeModel{},
		&usageModel{},
		&bulkModel{},
		&reconcileRunModel{},
	)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txStore{db: tx, now: s.now})
	})
	return translate("transaction", err)
}

type txStore struct {
	db  *gorm.DB
	now func() time.Time
}

func (t *txStore) InsertMovement(ctx context.Context, m *ledger.Movement) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}
	row := movementRow(m)
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return ledger.ErrDuplicate
		}
		return translate("insert movement", err)
	}
	m.Seq = row.Seq
	return nil
}

func (t *txStore) ApplyBalanceDelta(ctx context.Context, accountID ledger.AccountID, d ledger.BalanceDelta) (ledger.Balance, error) {
	db := t.db.WithContext(ctx)
	now := t.now()

	seed := balanceModel{AccountID: string(accountID), CreatedAt: now, UpdatedAt: now}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return ledger.Balance{}, translate("create balance", err)
	}

	res := db.Model(&balanceModel{}).
		Where("account_id = ?", string(accountID)).
		Where("total_purchased + ? >= 0 AND total_bonus + ? >= 0", d.Purchased, d.Bonus).
		Where("total_consumed + ? >= 0 AND total_refunded + ? >= 0", d.Consumed, d.Refunded).
		Where("total_purchased + total_bonus - total_consumed - total_refunded + ? >= 0", d.Available()).
		Updates(map[string]any{
			"total_purchased": gorm.Expr("total_purchased + ?", d.Purchased),
			"total_bonus":     gorm.Expr("total_bonus + ?", d.Bonus),
			"total_consumed":  gorm.Expr("total_consumed + ?", d.Consumed),
			"total_refunded":  gorm.Expr("total_refunded + ?", d.Refunded),
			"version":         gorm.Expr("version + 1"),
			"updated_at":      now,
		})
	if res.Error != nil {
		return ledger.Balance{}, translate("update balance", res.Error)
	}

	var row balanceModel
	if err := db.Unscoped().Where("account_id = ?", string(accountID)).Take(&row).Error; err != nil {
		return ledger.Balance{}, translate("read balance", err)
	}
	current := row.toDomain()
	if res.RowsAffected == 0 {
		return ledger.Balance{}, current.Rejection(d)
	}
	return current, nil
}

func (t *txStore) ClaimCodeUse(ctx context.Context, claim ledger.CodeClaim) error {
	db := t.db.WithContext(ctx)

	var code codeModel
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "code", "is_enabled", "valid_from", "valid_until", "max_uses_per_account").
		Where("id = ?", claim.CodeID).
		Take(&code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Violation(ledger.ReasonCodeNotFound, "discount code %s does not exist", claim.CodeID)
	}
	if err != nil {
		return translate("lock discount code", err)
	}

	at := claim.At
	if at.IsZero() {
		at = t.now()
	}
	if err := code.toDomain().Claimable(at); err != nil {
		return err
	}

	if code.MaxUsesPerAccount != nil {
		var used int64
		if err := db.Model(&usageModel{}).
			Where("code_id = ? AND account_id = ?", claim.CodeID, string(claim.AccountID)).
			Count(&used).Error; err != nil {
			return translate("count code uses", err)
		}
		if used >= int64(*code.MaxUsesPerAccount) {
			return ledger.Violation(ledger.ReasonAccountLimitReached, "account %s reached the limit for %s", claim.AccountID, code.Code)
		}
	}

	res := db.Model(&codeModel{}).
		Where("id = ? AND is_enabled = ?", claim.CodeID, true).
		Where("(valid_from IS NULL OR valid_from <= ?) AND (valid_until IS NULL OR valid_until >= ?)", at, at).
		Where("max_uses IS NULL OR current_uses < max_uses").
		Updates(map[string]any{
			"current_uses": gorm.Expr("current_uses + 1"),
			"updated_at":   t.now(),
		})
	if res.Error != nil {
		return translate("claim discount code", res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.Violation(ledger.ReasonCodeExhausted, "discount code %s has no uses left", code.Code)
	}
	return nil
}

func (t *txStore) AppendCodeUsage(ctx context.Context, u *ledger.CodeUsage) error {
	if u.UsedAt.IsZero() {
		u.UsedAt = t.now()
	}
	row := usageModel{
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
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return translate("append code usage", err)
	}
	u.Seq = row.Seq
	return nil
}

// =============================================================================
// LEDGER READS
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, accountID ledger.AccountID) (*ledger.Balance, error) {
	var row balanceModel
	err := s.db.WithContext(ctx).Unscoped().Where("account_id = ?", string(accountID)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("get balance", err)
	}
	b := row.toDomain()
	return &b, nil
}

func (s *Store) ListMovements(ctx context.Context, accountID ledger.AccountID, filter ledger.MovementFilter) ([]ledger.Movement, error) {
	q := s.db.WithContext(ctx).Where("account_id = ?", string(accountID))
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		q = q.Where("type IN ?", types)
	}
	q = q.Order("created_at ASC, seq ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []movementModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate("list movements", err)
	}
	result := make([]ledger.Movement, len(rows))
	for i, r := range rows {
		result[i] = r.toDomain()
	}
	return result, nil
}

func (s *Store) GetMovement(ctx context.Context, uid string) (*ledger.Movement, error) {
	var row movementModel
	err := s.db.WithContext(ctx).Where("uid = ?", uid).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("get movement", err)
	}
	m := row.toDomain()
	return &m, nil
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]ledger.AccountID, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Unscoped().Model(&balanceModel{}).Order("account_id").Pluck("account_id", &ids).Error; err != nil {
		return nil, translate("list accounts", err)
	}
	result := make([]ledger.AccountID, len(ids))
	for i, id := range ids {
		result[i] = ledger.AccountID(id)
	}
	return result, nil
}

func (s *Store) CountCodeUses(ctx context.Context, codeID string, accountID ledger.AccountID) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&usageModel{}).
		Where("code_id = ? AND account_id = ?", codeID, string(accountID)).
		Count(&n).Error
	if err != nil {
		return 0, translate("count code uses", err)
	}
	return int(n), nil
}

func (s *Store) ListCodeUsages(ctx context.Context, codeID string) ([]ledger.CodeUsage, error) {
	var rows []usageModel
	if err := s.db.WithContext(ctx).Where("code_id = ?", codeID).Order("seq").Find(&rows).Error; err != nil {
		return nil, translate("list code usages", err)
	}
	result := make([]ledger.CodeUsage, len(rows))
	for i, r := range rows {
		result[i] = r.toDomain()
	}
	return result, nil
}

func (s *Store) SoftDeleteBalance(ctx context.Context, accountID ledger.AccountID) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("account_id = ?", string(accountID)).Delete(&balanceModel{}).Error; err != nil {
		return translate("close balance", err)
	}
	return s.mustExist(db.Unscoped(), &balanceModel{}, "account_id = ?", string(accountID))
}

// mustExist returns ledger.ErrNotFound when no row matches. MySQL reports
// zero affected rows for an UPDATE that changes nothing, so RowsAffected
// alone cannot tell a missing row from an unchanged one.
func (s *Store) mustExist(db *gorm.DB, model any, query string, args ...any) error {
	var n int64
	if err := db.Model(model).Where(query, args...).Count(&n).Error; err != nil {
		return translate("check existence", err)
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// =============================================================================
// DISCOUNT CODES (discount.Store interface)
// =============================================================================

func (s *Store) CreateDiscountCode(ctx context.Context, c *discount.DiscountCode) error {
	row := codeRow(c)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if isDuplicate(err) {
		return ledger.Violation(ledger.ReasonDuplicateCode, "discount code %s already exists", c.Code)
	}
	return translate("create discount code", err)
}

func (s *Store) GetDiscountCode(ctx context.Context, code string) (*discount.DiscountCode, error) {
	var row codeModel
	err := s.db.WithContext(ctx).Where("code = ?", code).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("get discount code", err)
	}
	c := row.toDomain()
	return &c, nil
}

func (s *Store) ListDiscountCodes(ctx context.Context) ([]discount.DiscountCode, error) {
	var rows []codeModel
	if err := s.db.WithContext(ctx).Order("code").Find(&rows).Error; err != nil {
		return nil, translate("list discount codes", err)
	}
	result := make([]discount.DiscountCode, len(rows))
	for i, r := range rows {
		result[i] = r.toDomain()
	}
	return result, nil
}

func (s *Store) SetDiscountCodeEnabled(ctx context.Context, code string, enabled bool) error {
	db := s.db.WithContext(ctx)
	err := db.Model(&codeModel{}).Where("code = ?", code).
		Updates(map[string]any{"is_enabled": enabled, "updated_at": s.now()}).Error
	if err != nil {
		return translate("toggle discount code", err)
	}
	return s.mustExist(db, &codeModel{}, "code = ?", code)
}

// =============================================================================
// BULK DISCOUNTS (discount.Store interface)
// =============================================================================

func (s *Store) CreateBulkDiscount(ctx context.Context, b *discount.BulkDiscount) error {
	row := bulkRow(b)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if b.IsDefault {
			if err := clearDefault(tx, "", s.now()); err != nil {
				return err
			}
		}
		return tx.Create(&row).Error
	})
	if isDuplicate(err) {
		if b.IsDefault && !s.nameTaken(ctx, b.Name) {
			return &ledger.ConcurrencyConflict{Resource: "bulk_discounts.default", Err: err}
		}
		return ledger.Violation(ledger.ReasonDuplicateName, "bulk discount %q already exists", b.Name)
	}
	return translate("create bulk discount", err)
}

func (s *Store) nameTaken(ctx context.Context, name string) bool {
	var n int64
	s.db.WithContext(ctx).Model(&bulkModel{}).Where("name = ?", name).Count(&n)
	return n > 0
}

func clearDefault(tx *gorm.DB, keep string, now time.Time) error {
	q := tx.Model(&bulkModel{}).Where("is_default = ?", true)
	if keep != "" {
		q = q.Where("id <> ?", keep)
	}
	return q.Updates(map[string]any{"is_default": false, "default_slot": nil, "updated_at": now}).Error
}

func (s *Store) GetBulkDiscount(ctx context.Context, id string) (*discount.BulkDiscount, error) {
	var row bulkModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("get bulk discount", err)
	}
	b := row.toDomain()
	return &b, nil
}

func (s *Store) ListBulkDiscounts(ctx context.Context) ([]discount.BulkDiscount, error) {
	var rows []bulkModel
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, translate("list bulk discounts", err)
	}
	result := make([]discount.BulkDiscount, len(rows))
	for i, r := range rows {
		result[i] = r.toDomain()
	}
	return result, nil
}

func (s *Store) SetDefaultBulkDiscount(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.mustExist(tx, &bulkModel{}, "id = ?", id); err != nil {
			return err
		}
		now := s.now()
		if err := clearDefault(tx, id, now); err != nil {
			return err
		}
		return tx.Model(&bulkModel{}).Where("id = ?", id).
			Updates(map[string]any{"is_default": true, "default_slot": defaultSlot, "updated_at": now}).Error
	})
	if isDuplicate(err) {
		return &ledger.ConcurrencyConflict{Resource: "bulk_discounts.default", Err: err}
	}
	return translate("set default bulk discount", err)
}

func (s *Store) SetBulkDiscountEnabled(ctx context.Context, id string, enabled bool) error {
	db := s.db.WithContext(ctx)
	err := db.Model(&bulkModel{}).Where("id = ?", id).
		Updates(map[string]any{"is_enabled": enabled, "updated_at": s.now()}).Error
	if err != nil {
		return translate("toggle bulk discount", err)
	}
	return s.mustExist(db, &bulkModel{}, "id = ?", id)
}

// =============================================================================
// RECONCILIATION RUNS (ledger.ReportStore interface)
// =============================================================================

func (s *Store) SaveReconcileReport(ctx context.Context, r ledger.ReconcileReport) error {
	row := reconcileRunModel{
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Accounts:   r.Accounts,
		Movements:  r.Movements,
		Drifts:     datatypes.NewJSONType(r.Drifts),
	}
	return translate("save reconcile run", s.db.WithContext(ctx).Create(&row).Error)
}

func (s *Store) LastReconcileReport(ctx context.Context) (*ledger.ReconcileReport, error) {
	var row reconcileRunModel
	err := s.db.WithContext(ctx).Order("id DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("last reconcile run", err)
	}
	return &ledger.ReconcileReport{
		StartedAt:  row.StartedAt.UTC(),
		FinishedAt: row.FinishedAt.UTC(),
		Accounts:   row.Accounts,
		Movements:  row.Movements,
		Drifts:     row.Drifts.Data(),
	}, nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&usageModel{}, &movementModel{}, &balanceModel{}, &codeModel{}, &bulkModel{}, &reconcileRunModel{}} {
			if err := tx.Unscoped().Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return translate("reset", err)
			}
		}
		return nil
	})
}

// =============================================================================
// ERRORS
// =============================================================================

const (
	mysqlDuplicateEntry   = 1062
	mysqlLockWaitTimeout  = 1205
	mysqlDeadlockDetected = 1213
)

// translate maps driver errors onto the ledger taxonomy. Errors that are
// already classified pass through.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysqlDriver.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == mysqlDeadlockDetected || myErr.Number == mysqlLockWaitTimeout) {
		return &ledger.ConcurrencyConflict{Resource: op, Err: err}
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && (liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked) {
		return &ledger.ConcurrencyConflict{Resource: op, Err: err}
	}
	return ledger.External(op, err)
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysqlDriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var liteErr sqlite3.Error
	return errors.As(err, &liteErr) && liteErr.Code == sqlite3.ErrConstraint &&
		(liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

var (
	_ ledger.Store       = (*Store)(nil)
	_ ledger.ReportStore = (*Store)(nil)
	_ discount.Store     = (*Store)(nil)
)
