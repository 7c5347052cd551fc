/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements ledger.Store, ledger.ReportStore and discount.Store on SQLite.
  The MySQL deployment uses store/gormstore; the SQL below expresses the
  same guarantees.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on movements or discount_code_usages
  - A trigger aborts any UPDATE of a movement row
  - Corrections are ADJUSTMENT movements

KEY TABLES:
  movements:            Immutable ledger of all balance changes
  token_balances:       One running total per account (total_available is a
                        generated column, never written)
  discount_codes:       Codes with their usage counter
  discount_code_usages: Append-only redemption log
  bulk_discounts:       Tiered schedules
  reconcile_runs:       Balance audit reports

ATOMIC UPDATES:
  Balance changes are a single conditional UPDATE adding the delta to each
  bucket, guarded so no bucket and no availability goes negative:

    UPDATE token_balances SET total_bonus = total_bonus + ? ...
    WHERE account_id = ? AND total_bonus + ? >= 0 AND ...

  Code claims are UPDATE ... SET current_uses = current_uses + 1
  WHERE is_enabled AND the window holds AND current_uses < max_uses. A
  partial unique index allows one row with is_default = 1 in bulk_discounts.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so an
  in-memory database is shared by every caller. All reads inside WithTx go
  through the sql.Tx.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/tokens.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
  - store/storetest: Conformance suite
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/token-engine/discount"
	"github.com/warp/token-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS movements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount >= 0),
		metadata_json TEXT NOT NULL,
		created_by_id TEXT NOT NULL,
		created_by_kind TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Hot path: an account's movements in (created_at, seq) order
	CREATE INDEX IF NOT EXISTS idx_movements_account_created
		ON movements(account_id, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_movements_type
		ON movements(account_id, type);

	CREATE TRIGGER IF NOT EXISTS movements_append_only
		BEFORE UPDATE ON movements
		BEGIN
			SELECT RAISE(ABORT, 'movements are append-only');
		END;

	-- Balances (one row per account)
	CREATE TABLE IF NOT EXISTS token_balances (
		account_id TEXT PRIMARY KEY,
		total_purchased INTEGER NOT NULL DEFAULT 0 CHECK (total_purchased >= 0),
		total_bonus INTEGER NOT NULL DEFAULT 0 CHECK (total_bonus >= 0),
		total_consumed INTEGER NOT NULL DEFAULT 0 CHECK (total_consumed >= 0),
		total_refunded INTEGER NOT NULL DEFAULT 0 CHECK (total_refunded >= 0),
		total_available INTEGER GENERATED ALWAYS AS
			(total_purchased + total_bonus - total_consumed - total_refunded) STORED
			CHECK (total_available >= 0),
		version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);

	-- Discount codes
	CREATE TABLE IF NOT EXISTS discount_codes (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		applicable_currencies_json TEXT NOT NULL DEFAULT '[]',
		minimum_purchase TEXT,
		maximum_discount TEXT,
		max_uses INTEGER,
		max_uses_per_account INTEGER,
		valid_from INTEGER,
		valid_until INTEGER,
		requires_verification BOOLEAN NOT NULL DEFAULT FALSE,
		first_purchase_only BOOLEAN NOT NULL DEFAULT FALSE,
		is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		current_uses INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		CHECK (max_uses IS NULL OR current_uses <= max_uses)
	);

	-- Code usage log (append-only)
	CREATE TABLE IF NOT EXISTS discount_code_usages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		code_id TEXT NOT NULL REFERENCES discount_codes(id),
		account_id TEXT NOT NULL,
		used_at INTEGER NOT NULL,
		tokens_amount INTEGER NOT NULL,
		discount_applied TEXT NOT NULL,
		bonus_tokens INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		purchase_ref TEXT,
		movement_uid TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_code_usages_code_account
		ON discount_code_usages(code_id, account_id);

	-- Bulk discount schedules
	CREATE TABLE IF NOT EXISTS bulk_discounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		valid_from INTEGER,
		valid_until INTEGER,
		tiers_json TEXT NOT NULL,
		applicable_currencies_json TEXT NOT NULL DEFAULT '[]',
		applicable_countries_json TEXT NOT NULL DEFAULT '[]',
		requires_verification BOOLEAN NOT NULL DEFAULT FALSE,
		min_account_age_days INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- CRITICAL: at most one default schedule
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bulk_discounts_single_default
		ON bulk_discounts(is_default) WHERE is_default = 1;

	-- Reconciliation runs (balance audit)
	CREATE TABLE IF NOT EXISTS reconcile_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		accounts INTEGER NOT NULL,
		movements INTEGER NOT NULL,
		drifts_json TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx runs fn inside one SQLite transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return translate("commit", err)
	}
	return nil
}

type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) InsertMovement(ctx context.Context, m *ledger.Movement) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = ts.parent.now()
	}
	md, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO movements (uid, account_id, type, status, amount, metadata_json,
			created_by_id, created_by_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.UID, string(m.AccountID), string(m.Type), string(m.Status), m.Amount, string(md),
		m.CreatedBy.ID, string(m.CreatedBy.Kind), m.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicate
		}
		return translate("insert movement", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return translate("insert movement", err)
	}
	m.Seq = seq
	return nil
}

func (ts *txStore) ApplyBalanceDelta(ctx context.Context, accountID ledger.AccountID, d ledger.BalanceDelta) (ledger.Balance, error) {
	now := ts.parent.now().UnixNano()

	// Lazy creation; the row is rolled back with the Tx if the update fails.
	if _, err := ts.tx.ExecContext(ctx, `
		INSERT INTO token_balances (account_id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO NOTHING`,
		string(accountID), now, now,
	); err != nil {
		return ledger.Balance{}, translate("create balance", err)
	}

	res, err := ts.tx.ExecContext(ctx, `
		UPDATE token_balances SET
			total_purchased = total_purchased + ?,
			total_bonus = total_bonus + ?,
			total_consumed = total_consumed + ?,
			total_refunded = total_refunded + ?,
			version = version + 1,
			updated_at = ?
		WHERE account_id = ?
			AND deleted_at IS NULL
			AND total_purchased + ? >= 0
			AND total_bonus + ? >= 0
			AND total_consumed + ? >= 0
			AND total_refunded + ? >= 0
			AND (total_purchased + ?) + (total_bonus + ?) - (total_consumed + ?) - (total_refunded + ?) >= 0`,
		d.Purchased, d.Bonus, d.Consumed, d.Refunded, now,
		string(accountID),
		d.Purchased, d.Bonus, d.Consumed, d.Refunded,
		d.Purchased, d.Bonus, d.Consumed, d.Refunded,
	)
	if err != nil {
		return ledger.Balance{}, translate("update balance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Balance{}, translate("update balance", err)
	}

	current, err := getBalance(ctx, ts.tx, accountID)
	if err != nil {
		return ledger.Balance{}, err
	}
	if current == nil {
		return ledger.Balance{}, translate("update balance", sql.ErrNoRows)
	}
	if n == 0 {
		return ledger.Balance{}, current.Rejection(d)
	}
	return *current, nil
}

func (ts *txStore) ClaimCodeUse(ctx context.Context, claim ledger.CodeClaim) error {
	var (
		c          discount.DiscountCode
		perAccount sql.NullInt64
		from, till sql.NullInt64
	)
	err := ts.tx.QueryRowContext(ctx, `
		SELECT code, is_enabled, valid_from, valid_until, max_uses_per_account
		FROM discount_codes WHERE id = ?`, claim.CodeID,
	).Scan(&c.Code, &c.IsEnabled, &from, &till, &perAccount)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Violation(ledger.ReasonCodeNotFound, "discount code %s does not exist", claim.CodeID)
	}
	if err != nil {
		return translate("read discount code", err)
	}
	c.ValidFrom, c.ValidUntil = nullTime(from), nullTime(till)

	at := orNow(claim.At, ts.parent.now)
	if err := c.Claimable(at); err != nil {
		return err
	}

	if perAccount.Valid {
		used, err := countCodeUses(ctx, ts.tx, claim.CodeID, claim.AccountID)
		if err != nil {
			return err
		}
		if int64(used) >= perAccount.Int64 {
			return ledger.Violation(ledger.ReasonAccountLimitReached, "account %s reached the limit for %s", claim.AccountID, c.Code)
		}
	}

	res, err := ts.tx.ExecContext(ctx, `
		UPDATE discount_codes
		SET current_uses = current_uses + 1, updated_at = ?
		WHERE id = ? AND is_enabled = 1
			AND (valid_from IS NULL OR valid_from <= ?)
			AND (valid_until IS NULL OR valid_until >= ?)
			AND (max_uses IS NULL OR current_uses < max_uses)`,
		ts.parent.now().UnixNano(), claim.CodeID, at.UnixNano(), at.UnixNano(),
	)
	if err != nil {
		return translate("claim discount code", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return translate("claim discount code", err)
	} else if n == 0 {
		return ledger.Violation(ledger.ReasonCodeExhausted, "discount code %s has no uses left", c.Code)
	}
	return nil
}

func (ts *txStore) AppendCodeUsage(ctx context.Context, u *ledger.CodeUsage) error {
	if u.UsedAt.IsZero() {
		u.UsedAt = ts.parent.now()
	}
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO discount_code_usages (code_id, account_id, used_at, tokens_amount,
			discount_applied, bonus_tokens, currency, purchase_ref, movement_uid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.CodeID, string(u.AccountID), u.UsedAt.UnixNano(), u.TokensAmount,
		u.DiscountApplied.String(), u.BonusTokens, u.Currency,
		nullString(u.PurchaseRef), nullString(u.MovementUID),
	)
	if err != nil {
		return translate("append code usage", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return translate("append code usage", err)
	}
	u.Seq = seq
	return nil
}

// =============================================================================
// LEDGER READS
// =============================================================================

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) GetBalance(ctx context.Context, accountID ledger.AccountID) (*ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBalance(ctx, s.db, accountID)
}

func getBalance(ctx context.Context, db queryer, accountID ledger.AccountID) (*ledger.Balance, error) {
	var (
		b                    ledger.Balance
		id                   string
		createdAt, updatedAt int64
		deletedAt            sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `
		SELECT account_id, total_available, total_purchased, total_bonus, total_consumed,
			total_refunded, version, created_at, updated_at, deleted_at
		FROM token_balances WHERE account_id = ?`, string(accountID),
	).Scan(&id, &b.TotalAvailable, &b.TotalPurchased, &b.TotalBonus, &b.TotalConsumed,
		&b.TotalRefunded, &b.Version, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("get balance", err)
	}
	b.AccountID = ledger.AccountID(id)
	b.CreatedAt = fromNanos(createdAt)
	b.UpdatedAt = fromNanos(updatedAt)
	b.DeletedAt = nullTime(deletedAt)
	return &b, nil
}

func (s *Store) ListMovements(ctx context.Context, accountID ledger.AccountID, filter ledger.MovementFilter) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT seq, uid, account_id, type, status, amount, metadata_json,
			created_by_id, created_by_kind, created_at
		FROM movements WHERE account_id = ?`
	args := []any{string(accountID)}
	if len(filter.Types) > 0 {
		query += " AND type IN (?" + repeat(",?", len(filter.Types)-1) + ")"
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	query += " ORDER BY created_at ASC, seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryMovements(ctx, query, args...)
}

func (s *Store) GetMovement(ctx context.Context, uid string) (*ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, err := s.queryMovements(ctx, `
		SELECT seq, uid, account_id, type, status, amount, metadata_json,
			created_by_id, created_by_kind, created_at
		FROM movements WHERE uid = ?`, uid)
	if err != nil || len(ms) == 0 {
		return nil, err
	}
	return &ms[0], nil
}

func (s *Store) queryMovements(ctx context.Context, query string, args ...any) ([]ledger.Movement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("query movements", err)
	}
	defer rows.Close()

	var result []ledger.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func scanMovement(rows *sql.Rows) (ledger.Movement, error) {
	var (
		m                              ledger.Movement
		accountID, typ, status, mdJSON string
		actorID, actorKind             string
		createdAt                      int64
	)
	if err := rows.Scan(&m.Seq, &m.UID, &accountID, &typ, &status, &m.Amount, &mdJSON,
		&actorID, &actorKind, &createdAt); err != nil {
		return m, err
	}
	m.AccountID = ledger.AccountID(accountID)
	m.Type = ledger.MovementType(typ)
	m.Status = ledger.MovementStatus(status)
	m.CreatedBy = ledger.Actor{ID: actorID, Kind: ledger.ActorKind(actorKind)}
	m.CreatedAt = fromNanos(createdAt)
	if err := json.Unmarshal([]byte(mdJSON), &m.Metadata); err != nil {
		return m, fmt.Errorf("decode metadata of %s: %w", m.UID, err)
	}
	return m, nil
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]ledger.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT account_id FROM token_balances ORDER BY account_id`)
	if err != nil {
		return nil, translate("list accounts", err)
	}
	defer rows.Close()

	var ids []ledger.AccountID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, ledger.AccountID(id))
	}
	return ids, rows.Err()
}

func (s *Store) CountCodeUses(ctx context.Context, codeID string, accountID ledger.AccountID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countCodeUses(ctx, s.db, codeID, accountID)
}

func countCodeUses(ctx context.Context, db queryer, codeID string, accountID ledger.AccountID) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM discount_code_usages WHERE code_id = ? AND account_id = ?`,
		codeID, string(accountID),
	).Scan(&n)
	if err != nil {
		return 0, translate("count code uses", err)
	}
	return n, nil
}

func (s *Store) ListCodeUsages(ctx context.Context, codeID string) ([]ledger.CodeUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, code_id, account_id, used_at, tokens_amount, discount_applied,
			bonus_tokens, currency, purchase_ref, movement_uid
		FROM discount_code_usages WHERE code_id = ? ORDER BY seq`, codeID)
	if err != nil {
		return nil, translate("list code usages", err)
	}
	defer rows.Close()

	var result []ledger.CodeUsage
	for rows.Next() {
		var (
			u                ledger.CodeUsage
			accountID        string
			usedAt           int64
			ref, movementUID sql.NullString
		)
		if err := rows.Scan(&u.Seq, &u.CodeID, &accountID, &usedAt, &u.TokensAmount,
			&u.DiscountApplied, &u.BonusTokens, &u.Currency, &ref, &movementUID); err != nil {
			return nil, err
		}
		u.AccountID = ledger.AccountID(accountID)
		u.UsedAt = fromNanos(usedAt)
		u.PurchaseRef = ref.String
		u.MovementUID = movementUID.String
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *Store) SoftDeleteBalance(ctx context.Context, accountID ledger.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE token_balances SET deleted_at = COALESCE(deleted_at, ?), updated_at = ?
		WHERE account_id = ?`, now, now, string(accountID))
	if err != nil {
		return translate("close balance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// =============================================================================
// DISCOUNT CODES (discount.Store interface)
// =============================================================================

func (s *Store) CreateDiscountCode(ctx context.Context, c *discount.DiscountCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	currencies, err := json.Marshal(emptyIfNil(c.ApplicableCurrencies))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO discount_codes (id, code, description, type, value, applicable_currencies_json,
			minimum_purchase, maximum_discount, max_uses, max_uses_per_account, valid_from, valid_until,
			requires_verification, first_purchase_only, is_enabled, current_uses, created_by,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Code, c.Description, string(c.Type), c.Value.String(), string(currencies),
		nullDecimal(c.MinimumPurchase), nullDecimal(c.MaximumDiscount),
		nullInt(c.MaxUses), nullInt(c.MaxUsesPerAccount),
		nanosPtr(c.ValidFrom), nanosPtr(c.ValidUntil),
		c.RequiresVerification, c.FirstPurchaseOnly, c.IsEnabled, c.CurrentUses, c.CreatedBy,
		orNow(c.CreatedAt, s.now).UnixNano(), orNow(c.UpdatedAt, s.now).UnixNano(),
	)
	if isUniqueConstraintError(err) {
		return ledger.Violation(ledger.ReasonDuplicateCode, "discount code %s already exists", c.Code)
	}
	if err != nil {
		return translate("create discount code", err)
	}
	return nil
}

const codeColumns = `id, code, description, type, value, applicable_currencies_json,
	minimum_purchase, maximum_discount, max_uses, max_uses_per_account, valid_from, valid_until,
	requires_verification, first_purchase_only, is_enabled, current_uses, created_by,
	created_at, updated_at`

func (s *Store) GetDiscountCode(ctx context.Context, code string) (*discount.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, err := s.queryCodes(ctx, `SELECT `+codeColumns+` FROM discount_codes WHERE code = ?`, code)
	if err != nil || len(cs) == 0 {
		return nil, err
	}
	return &cs[0], nil
}

func (s *Store) ListDiscountCodes(ctx context.Context) ([]discount.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryCodes(ctx, `SELECT `+codeColumns+` FROM discount_codes ORDER BY code`)
}

func (s *Store) queryCodes(ctx context.Context, query string, args ...any) ([]discount.DiscountCode, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("query discount codes", err)
	}
	defer rows.Close()

	var result []discount.DiscountCode
	for rows.Next() {
		var (
			c                      discount.DiscountCode
			typ, value, currencies string
			minimum, maximum       decimal.NullDecimal
			maxUses, perAccount    sql.NullInt64
			validFrom, validUntil  sql.NullInt64
			createdAt, updatedAt   int64
		)
		if err := rows.Scan(&c.ID, &c.Code, &c.Description, &typ, &value, &currencies,
			&minimum, &maximum, &maxUses, &perAccount, &validFrom, &validUntil,
			&c.RequiresVerification, &c.FirstPurchaseOnly, &c.IsEnabled, &c.CurrentUses, &c.CreatedBy,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.Type = discount.CodeType(typ)
		v, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("decode value of %s: %w", c.Code, err)
		}
		c.Value = v
		if err := json.Unmarshal([]byte(currencies), &c.ApplicableCurrencies); err != nil {
			return nil, fmt.Errorf("decode currencies of %s: %w", c.Code, err)
		}
		if len(c.ApplicableCurrencies) == 0 {
			c.ApplicableCurrencies = nil
		}
		c.MinimumPurchase = decimalPtr(minimum)
		c.MaximumDiscount = decimalPtr(maximum)
		c.MaxUses = intPtr(maxUses)
		c.MaxUsesPerAccount = intPtr(perAccount)
		c.ValidFrom = nullTime(validFrom)
		c.ValidUntil = nullTime(validUntil)
		c.CreatedAt = fromNanos(createdAt)
		c.UpdatedAt = fromNanos(updatedAt)
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Store) SetDiscountCodeEnabled(ctx context.Context, code string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE discount_codes SET is_enabled = ?, updated_at = ? WHERE code = ?`,
		enabled, s.now().UnixNano(), code)
	if err != nil {
		return translate("toggle discount code", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// =============================================================================
// BULK DISCOUNTS (discount.Store interface)
// =============================================================================

// tierRecord is the JSON form of a tier inside tiers_json.
type tierRecord struct {
	MinTokens          int64           `json:"min_tokens"`
	MaxTokens          *int64          `json:"max_tokens,omitempty"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	Label              string          `json:"label"`
	IsEnabled          bool            `json:"is_enabled"`
}

func encodeTiers(tiers []discount.Tier) (string, error) {
	recs := make([]tierRecord, len(tiers))
	for i, t := range tiers {
		recs[i] = tierRecord(t)
	}
	b, err := json.Marshal(recs)
	return string(b), err
}

func decodeTiers(s string) ([]discount.Tier, error) {
	var recs []tierRecord
	if err := json.Unmarshal([]byte(s), &recs); err != nil {
		return nil, err
	}
	tiers := make([]discount.Tier, len(recs))
	for i, r := range recs {
		tiers[i] = discount.Tier(r)
	}
	return tiers, nil
}

func (s *Store) CreateBulkDiscount(ctx context.Context, b *discount.BulkDiscount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tiers, err := encodeTiers(b.Tiers)
	if err != nil {
		return err
	}
	currencies, _ := json.Marshal(emptyIfNil(b.ApplicableCurrencies))
	countries, _ := json.Marshal(emptyIfNil(b.ApplicableCountries))

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate("begin transaction", err)
	}
	defer sqlTx.Rollback()

	now := s.now().UnixNano()
	if b.IsDefault {
		if _, err := sqlTx.ExecContext(ctx,
			`UPDATE bulk_discounts SET is_default = 0, updated_at = ? WHERE is_default = 1`, now); err != nil {
			return translate("clear default", err)
		}
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO bulk_discounts (id, name, description, priority, is_default, is_enabled,
			valid_from, valid_until, tiers_json, applicable_currencies_json, applicable_countries_json,
			requires_verification, min_account_age_days, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Description, b.Priority, b.IsDefault, b.IsEnabled,
		nanosPtr(b.ValidFrom), nanosPtr(b.ValidUntil), tiers, string(currencies), string(countries),
		b.RequiresVerification, b.MinAccountAgeDays, b.CreatedBy,
		orNow(b.CreatedAt, s.now).UnixNano(), orNow(b.UpdatedAt, s.now).UnixNano(),
	)
	if isUniqueConstraintError(err) {
		return ledger.Violation(ledger.ReasonDuplicateName, "bulk discount %q already exists", b.Name)
	}
	if err != nil {
		return translate("create bulk discount", err)
	}
	return translate("commit", sqlTx.Commit())
}

const bulkColumns = `id, name, description, priority, is_default, is_enabled, valid_from, valid_until,
	tiers_json, applicable_currencies_json, applicable_countries_json, requires_verification,
	min_account_age_days, created_by, created_at, updated_at`

func (s *Store) GetBulkDiscount(ctx context.Context, id string) (*discount.BulkDiscount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bs, err := s.queryBulk(ctx, `SELECT `+bulkColumns+` FROM bulk_discounts WHERE id = ?`, id)
	if err != nil || len(bs) == 0 {
		return nil, err
	}
	return &bs[0], nil
}

func (s *Store) ListBulkDiscounts(ctx context.Context) ([]discount.BulkDiscount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryBulk(ctx, `SELECT `+bulkColumns+` FROM bulk_discounts ORDER BY name`)
}

func (s *Store) queryBulk(ctx context.Context, query string, args ...any) ([]discount.BulkDiscount, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("query bulk discounts", err)
	}
	defer rows.Close()

	var result []discount.BulkDiscount
	for rows.Next() {
		var (
			b                            discount.BulkDiscount
			validFrom, validUntil        sql.NullInt64
			tiers, currencies, countries string
			createdAt, updatedAt         int64
		)
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &b.Priority, &b.IsDefault, &b.IsEnabled,
			&validFrom, &validUntil, &tiers, &currencies, &countries, &b.RequiresVerification,
			&b.MinAccountAgeDays, &b.CreatedBy, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if b.Tiers, err = decodeTiers(tiers); err != nil {
			return nil, fmt.Errorf("decode tiers of %s: %w", b.Name, err)
		}
		if err := json.Unmarshal([]byte(currencies), &b.ApplicableCurrencies); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(countries), &b.ApplicableCountries); err != nil {
			return nil, err
		}
		if len(b.ApplicableCurrencies) == 0 {
			b.ApplicableCurrencies = nil
		}
		if len(b.ApplicableCountries) == 0 {
			b.ApplicableCountries = nil
		}
		b.ValidFrom = nullTime(validFrom)
		b.ValidUntil = nullTime(validUntil)
		b.CreatedAt = fromNanos(createdAt)
		b.UpdatedAt = fromNanos(updatedAt)
		result = append(result, b)
	}
	return result, rows.Err()
}

// SetDefaultBulkDiscount clears the previous default and sets id in one
// transaction. The partial unique index rejects any interleaving that
// would leave two defaults.
func (s *Store) SetDefaultBulkDiscount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate("begin transaction", err)
	}
	defer sqlTx.Rollback()

	now := s.now().UnixNano()
	if _, err := sqlTx.ExecContext(ctx,
		`UPDATE bulk_discounts SET is_default = 0, updated_at = ? WHERE is_default = 1 AND id <> ?`, now, id); err != nil {
		return translate("clear default", err)
	}
	res, err := sqlTx.ExecContext(ctx,
		`UPDATE bulk_discounts SET is_default = 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.ConcurrencyConflict{Resource: "bulk_discounts.default", Err: err}
		}
		return translate("set default", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return translate("commit", sqlTx.Commit())
}

func (s *Store) SetBulkDiscountEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE bulk_discounts SET is_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, s.now().UnixNano(), id)
	if err != nil {
		return translate("toggle bulk discount", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// =============================================================================
// RECONCILIATION RUNS (ledger.ReportStore interface)
// =============================================================================

func (s *Store) SaveReconcileReport(ctx context.Context, r ledger.ReconcileReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drifts, err := json.Marshal(r.Drifts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconcile_runs (started_at, finished_at, accounts, movements, drifts_json)
		VALUES (?, ?, ?, ?, ?)`,
		r.StartedAt.UnixNano(), r.FinishedAt.UnixNano(), r.Accounts, r.Movements, string(drifts))
	return translate("save reconcile run", err)
}

func (s *Store) LastReconcileReport(ctx context.Context) (*ledger.ReconcileReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r                 ledger.ReconcileReport
		started, finished int64
		drifts            string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT started_at, finished_at, accounts, movements, drifts_json
		FROM reconcile_runs ORDER BY id DESC LIMIT 1`,
	).Scan(&started, &finished, &r.Accounts, &r.Movements, &drifts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("last reconcile run", err)
	}
	r.StartedAt = fromNanos(started)
	r.FinishedAt = fromNanos(finished)
	if err := json.Unmarshal([]byte(drifts), &r.Drifts); err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"discount_code_usages", "movements", "token_balances", "discount_codes", "bulk_discounts", "reconcile_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return translate("reset "+table, err)
		}
	}
	return nil
}

// translate classifies driver errors: busy/locked databases are transient
// conflicts, everything else is an external dependency failure.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return &ledger.ConcurrencyConflict{Resource: op, Err: err}
	}
	return ledger.External(op, err)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func nanosPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func orNow(t time.Time, now func() time.Time) time.Time {
	if t.IsZero() {
		return now()
	}
	return t
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

var (
	_ ledger.Store       = (*Store)(nil)
	_ ledger.ReportStore = (*Store)(nil)
	_ discount.Store     = (*Store)(nil)
)
