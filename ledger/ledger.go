/*
ledger.go - Movement log operations

PURPOSE:
  The Ledger is the only writer of movements. It validates each request,
  then inserts the movement and applies its balance delta inside one store
  unit of work.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: a movement is never updated or deleted
  2. ATOMIC: movement row and balance change commit together
  3. VALIDATED FIRST: malformed requests are rejected before any write

CORRECTIONS:
  A mis-issued grant is not removed. Append an ADJUSTMENT with the
  opposite signed delta on the same bucket:

    BONUS +200                         bonus bucket 200
    ADJUSTMENT delta=-200 bucket=bonus bonus bucket 0

SEE ALSO:
  - balance.go: ApplyMovement / DeltaFor
  - pricing/engine.go: Purchases append through AppendTx in a wider Tx
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    Store
	logger   *zap.Logger
	now      func() time.Time
	observer func(Movement)
}

type Option func(*Ledger)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithObserver registers a callback invoked for each committed movement.
func WithObserver(fn func(Movement)) Option {
	return func(l *Ledger) { l.observer = fn }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store exposes the backing store for callers that need a wider unit of work.
func (l *Ledger) Store() Store { return l.store }

// =============================================================================
// APPEND
// =============================================================================

// AppendRequest describes one movement to record.
type AppendRequest struct {
	AccountID AccountID
	Type      MovementType
	Status    MovementStatus // APPROVED when empty
	Amount    int64
	Metadata  Metadata
	Actor     Actor // SystemActor when empty
}

// Validate checks the request without touching the store.
func (r AppendRequest) Validate() error {
	if strings.TrimSpace(string(r.AccountID)) == "" {
		return MissingField("account_id")
	}
	if !r.Type.Valid() {
		return InvalidEnum("type", r.Type)
	}
	if r.Status != "" && !r.Status.Valid() {
		return InvalidEnum("status", r.Status)
	}

	switch r.Type {
	case MovementPurchased, MovementBonus, MovementConsumed, MovementRefunded:
		if r.Amount <= 0 {
			return InvalidAmount("amount", r.Amount)
		}
	case MovementAdjustment:
		if r.Metadata.Delta == 0 {
			return InvalidAmount("metadata.delta", 0)
		}
		if r.Metadata.Bucket != "" && !r.Metadata.Bucket.Valid() {
			return InvalidEnum("metadata.bucket", r.Metadata.Bucket)
		}
		if r.Amount != 0 && r.Amount != abs(r.Metadata.Delta) {
			return Invalid("amount", "must equal |metadata.delta| (%d), got %d", abs(r.Metadata.Delta), r.Amount)
		}
	}

	if r.Type == MovementBonus || r.Type == MovementAdjustment {
		if strings.TrimSpace(r.Metadata.Description) == "" {
			return MissingField("metadata.description")
		}
	}
	return nil
}

// NewMovement validates req and builds the movement to insert.
func (l *Ledger) NewMovement(req AppendRequest) (Movement, error) {
	if err := req.Validate(); err != nil {
		return Movement{}, err
	}

	m := Movement{
		UID:       uuid.NewString(),
		AccountID: req.AccountID,
		Type:      req.Type,
		Status:    req.Status,
		Amount:    req.Amount,
		Metadata:  req.Metadata,
		CreatedBy: req.Actor,
		CreatedAt: l.now(),
	}
	if m.Status == "" {
		m.Status = StatusApproved
	}
	if m.CreatedBy.ID == "" {
		m.CreatedBy = SystemActor
	}
	if m.Type == MovementAdjustment {
		m.Amount = abs(m.Metadata.Delta)
		if m.Metadata.Bucket == "" {
			m.Metadata.Bucket = BucketBonus
		}
	}
	if m.Metadata.TokenAmount == 0 {
		m.Metadata.TokenAmount = m.Amount
	}
	m.Metadata.Description = strings.TrimSpace(m.Metadata.Description)
	return m, nil
}

// Append records one movement and updates the balance atomically.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (Movement, Balance, error) {
	var (
		mv  Movement
		bal Balance
	)
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		mv, bal, err = l.AppendTx(ctx, tx, req)
		return err
	})
	if err != nil {
		l.logger.Warn("append movement rejected",
			zap.String("account_id", string(req.AccountID)),
			zap.String("type", string(req.Type)),
			zap.Error(err))
		return Movement{}, Balance{}, External("append movement", err)
	}
	l.Notify(mv)
	return mv, bal, nil
}

// AppendTx records one movement inside a caller-owned unit of work. The
// caller is responsible for calling Notify after the Tx commits.
func (l *Ledger) AppendTx(ctx context.Context, tx Tx, req AppendRequest) (Movement, Balance, error) {
	mv, err := l.NewMovement(req)
	if err != nil {
		return Movement{}, Balance{}, err
	}
	bal, err := tx.ApplyBalanceDelta(ctx, mv.AccountID, DeltaFor(mv))
	if err != nil {
		return Movement{}, Balance{}, err
	}
	// Stamped once the balance row is held so per-account order matches
	// commit order.
	mv.CreatedAt = l.now()
	if err := tx.InsertMovement(ctx, &mv); err != nil {
		return Movement{}, Balance{}, err
	}
	return mv, bal, nil
}

// Notify reports committed movements to the observer and the log.
func (l *Ledger) Notify(movements ...Movement) {
	for _, m := range movements {
		l.logger.Info("movement appended",
			zap.String("account_id", string(m.AccountID)),
			zap.String("movement_uid", m.UID),
			zap.String("type", string(m.Type)),
			zap.Int64("amount", m.Amount))
		if l.observer != nil {
			l.observer(m)
		}
	}
}

// =============================================================================
// BONUS GRANT
// =============================================================================

// BonusGrant is the result of AddBonusTokens.
type BonusGrant struct {
	Balance  Balance
	Movement Movement
}

// AddBonusTokens grants amount tokens. Each call grants again; callers
// de-duplicate retries with the returned movement UID.
func (l *Ledger) AddBonusTokens(ctx context.Context, accountID AccountID, amount int64, description string, actor Actor) (BonusGrant, error) {
	mv, bal, err := l.Append(ctx, AppendRequest{
		AccountID: accountID,
		Type:      MovementBonus,
		Amount:    amount,
		Metadata:  Metadata{Description: description},
		Actor:     actor,
	})
	if err != nil {
		return BonusGrant{}, err
	}
	return BonusGrant{Balance: bal, Movement: mv}, nil
}

// =============================================================================
// READS
// =============================================================================

// GetByAccountID returns the account balance; the zero balance when the
// account has no movements. Store failures are returned, never masked.
func (l *Ledger) GetByAccountID(ctx context.Context, accountID AccountID) (Balance, error) {
	if strings.TrimSpace(string(accountID)) == "" {
		return Balance{}, MissingField("account_id")
	}
	b, err := l.store.GetBalance(ctx, accountID)
	if err != nil {
		return Balance{}, External("get balance", err)
	}
	if b == nil {
		return ZeroBalance(accountID), nil
	}
	return b.Normalize(), nil
}

// Movements lists an account's movements, oldest first.
func (l *Ledger) Movements(ctx context.Context, accountID AccountID, filter MovementFilter) ([]Movement, error) {
	ms, err := l.store.ListMovements(ctx, accountID, filter)
	if err != nil {
		return nil, External("list movements", err)
	}
	return ms, nil
}

// Movement returns a movement by UID.
func (l *Ledger) Movement(ctx context.Context, uid string) (Movement, error) {
	m, err := l.store.GetMovement(ctx, uid)
	if err != nil {
		return Movement{}, External("get movement", err)
	}
	if m == nil {
		return Movement{}, ErrNotFound
	}
	return *m, nil
}

// CloseAccount soft-deletes the account's balance. Later movements are
// rejected with ReasonAccountClosed.
func (l *Ledger) CloseAccount(ctx context.Context, accountID AccountID) error {
	if err := l.store.SoftDeleteBalance(ctx, accountID); err != nil {
		return External("close account", err)
	}
	l.logger.Info("account balance closed", zap.String("account_id", string(accountID)))
	return nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
