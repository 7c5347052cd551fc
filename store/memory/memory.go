// Package memory provides an in-memory Store for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/token-engine/discount"
	"github.com/warp/token-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store implements ledger.Store and discount.Store. A single mutex makes
// every WithTx serializable; a failed unit of work is rolled back from a
// snapshot.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	movements []ledger.Movement
	byUID     map[string]int
	balances  map[ledger.AccountID]ledger.Balance
	usages    []ledger.CodeUsage

	codes     map[string]discount.DiscountCode // by normalized code
	codeByID  map[string]string                // id -> code
	schedules map[string]discount.BulkDiscount // by id

	reports []ledger.ReconcileReport
}

func New() *Store {
	return &Store{
		now:       func() time.Time { return time.Now().UTC() },
		byUID:     make(map[string]int),
		balances:  make(map[ledger.AccountID]ledger.Balance),
		codes:     make(map[string]discount.DiscountCode),
		codeByID:  make(map[string]string),
		schedules: make(map[string]discount.BulkDiscount),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&txView{parent: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	movements int
	usages    int
	balances  map[ledger.AccountID]ledger.Balance
	codes     map[string]discount.DiscountCode
}

func (s *Store) snapshot() snapshot {
	balances := make(map[ledger.AccountID]ledger.Balance, len(s.balances))
	for k, v := range s.balances {
		balances[k] = v
	}
	codes := make(map[string]discount.DiscountCode, len(s.codes))
	for k, v := range s.codes {
		codes[k] = v
	}
	return snapshot{movements: len(s.movements), usages: len(s.usages), balances: balances, codes: codes}
}

func (s *Store) restore(snap snapshot) {
	for _, m := range s.movements[snap.movements:] {
		delete(s.byUID, m.UID)
	}
	s.movements = s.movements[:snap.movements]
	s.usages = s.usages[:snap.usages]
	s.balances = snap.balances
	s.codes = snap.codes
}

// =============================================================================
// TX VIEW - Writes while the parent lock is held
// =============================================================================

type txView struct {
	parent *Store
}

func (tv *txView) InsertMovement(_ context.Context, m *ledger.Movement) error {
	s := tv.parent
	if _, dup := s.byUID[m.UID]; dup {
		return ledger.ErrDuplicate
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.Seq = int64(len(s.movements) + 1)
	s.byUID[m.UID] = len(s.movements)
	s.movements = append(s.movements, *m)
	return nil
}

func (tv *txView) ApplyBalanceDelta(_ context.Context, accountID ledger.AccountID, d ledger.BalanceDelta) (ledger.Balance, error) {
	s := tv.parent
	now := s.now()
	b, ok := s.balances[accountID]
	if !ok {
		b = ledger.ZeroBalance(accountID)
		b.CreatedAt = now
	}
	if b.IsClosed() {
		return ledger.Balance{}, ledger.Violation(ledger.ReasonAccountClosed, "account %s is closed", accountID)
	}
	next, err := b.Apply(d)
	if err != nil {
		return ledger.Balance{}, err
	}
	next.Version++
	next.UpdatedAt = now
	s.balances[accountID] = next
	return next, nil
}

func (tv *txView) ClaimCodeUse(_ context.Context, claim ledger.CodeClaim) error {
	s := tv.parent
	key, ok := s.codeByID[claim.CodeID]
	if !ok {
		return ledger.Violation(ledger.ReasonCodeNotFound, "discount code %s does not exist", claim.CodeID)
	}
	c := s.codes[key]
	at := claim.At
	if at.IsZero() {
		at = s.now()
	}
	if err := c.Claimable(at); err != nil {
		return err
	}
	if c.MaxUses != nil && c.CurrentUses >= *c.MaxUses {
		return ledger.Violation(ledger.ReasonCodeExhausted, "discount code %s has no uses left", c.Code)
	}
	if c.MaxUsesPerAccount != nil && s.countUsesLocked(claim.CodeID, claim.AccountID) >= *c.MaxUsesPerAccount {
		return ledger.Violation(ledger.ReasonAccountLimitReached, "account %s reached the limit for %s", claim.AccountID, c.Code)
	}
	c.CurrentUses++
	c.UpdatedAt = s.now()
	s.codes[key] = c
	return nil
}

func (tv *txView) AppendCodeUsage(_ context.Context, u *ledger.CodeUsage) error {
	s := tv.parent
	if u.UsedAt.IsZero() {
		u.UsedAt = s.now()
	}
	u.Seq = int64(len(s.usages) + 1)
	s.usages = append(s.usages, *u)
	return nil
}

// =============================================================================
// LEDGER READS
// =============================================================================

func (s *Store) GetBalance(_ context.Context, accountID ledger.AccountID) (*ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[accountID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *Store) ListMovements(_ context.Context, accountID ledger.AccountID, filter ledger.MovementFilter) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []ledger.Movement
	for _, m := range s.movements {
		if m.AccountID == accountID && filter.Matches(m) {
			result = append(result, m)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Less(result[j]) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) GetMovement(_ context.Context, uid string) (*ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byUID[uid]
	if !ok {
		return nil, nil
	}
	m := s.movements[i]
	return &m, nil
}

func (s *Store) ListAccountIDs(_ context.Context) ([]ledger.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]ledger.AccountID, 0, len(s.balances))
	for id := range s.balances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) CountCodeUses(_ context.Context, codeID string, accountID ledger.AccountID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countUsesLocked(codeID, accountID), nil
}

func (s *Store) countUsesLocked(codeID string, accountID ledger.AccountID) int {
	n := 0
	for _, u := range s.usages {
		if u.CodeID == codeID && u.AccountID == accountID {
			n++
		}
	}
	return n
}

func (s *Store) ListCodeUsages(_ context.Context, codeID string) ([]ledger.CodeUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []ledger.CodeUsage
	for _, u := range s.usages {
		if u.CodeID == codeID {
			result = append(result, u)
		}
	}
	return result, nil
}

func (s *Store) SoftDeleteBalance(_ context.Context, accountID ledger.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[accountID]
	if !ok {
		return ledger.ErrNotFound
	}
	if b.IsClosed() {
		return nil
	}
	now := s.now()
	b.DeletedAt = &now
	b.UpdatedAt = now
	s.balances[accountID] = b
	return nil
}

// =============================================================================
// DISCOUNT CODES
// =============================================================================

func (s *Store) CreateDiscountCode(_ context.Context, c *discount.DiscountCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.codes[c.Code]; dup {
		return ledger.Violation(ledger.ReasonDuplicateCode, "discount code %s already exists", c.Code)
	}
	s.codes[c.Code] = *c
	s.codeByID[c.ID] = c.Code
	return nil
}

func (s *Store) GetDiscountCode(_ context.Context, code string) (*discount.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) ListDiscountCodes(_ context.Context) ([]discount.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]discount.DiscountCode, 0, len(s.codes))
	for _, c := range s.codes {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

func (s *Store) SetDiscountCodeEnabled(_ context.Context, code string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return ledger.ErrNotFound
	}
	c.IsEnabled = enabled
	c.UpdatedAt = s.now()
	s.codes[code] = c
	return nil
}

// =============================================================================
// BULK DISCOUNTS
// =============================================================================

func (s *Store) CreateBulkDiscount(_ context.Context, b *discount.BulkDiscount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.schedules {
		if existing.Name == b.Name {
			return ledger.Violation(ledger.ReasonDuplicateName, "bulk discount %q already exists", b.Name)
		}
	}
	if b.IsDefault {
		s.clearDefaultLocked()
	}
	s.schedules[b.ID] = *b
	return nil
}

func (s *Store) GetBulkDiscount(_ context.Context, id string) (*discount.BulkDiscount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.schedules[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *Store) ListBulkDiscounts(_ context.Context) ([]discount.BulkDiscount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]discount.BulkDiscount, 0, len(s.schedules))
	for _, b := range s.schedules {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) SetDefaultBulkDiscount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.schedules[id]
	if !ok {
		return ledger.ErrNotFound
	}
	s.clearDefaultLocked()
	b.IsDefault = true
	b.UpdatedAt = s.now()
	s.schedules[id] = b
	return nil
}

func (s *Store) SetBulkDiscountEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.schedules[id]
	if !ok {
		return ledger.ErrNotFound
	}
	b.IsEnabled = enabled
	b.UpdatedAt = s.now()
	s.schedules[id] = b
	return nil
}

func (s *Store) clearDefaultLocked() {
	now := s.now()
	for id, b := range s.schedules {
		if b.IsDefault {
			b.IsDefault = false
			b.UpdatedAt = now
			s.schedules[id] = b
		}
	}
}

// =============================================================================
// UTILITIES
// =============================================================================

func (s *Store) SaveReconcileReport(_ context.Context, r ledger.ReconcileReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *Store) LastReconcileReport(_ context.Context) (*ledger.ReconcileReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.reports) == 0 {
		return nil, nil
	}
	r := s.reports[len(s.reports)-1]
	return &r, nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = nil
	s.byUID = make(map[string]int)
	s.balances = make(map[ledger.AccountID]ledger.Balance)
	s.usages = nil
	s.codes = make(map[string]discount.DiscountCode)
	s.codeByID = make(map[string]string)
	s.schedules = make(map[string]discount.BulkDiscount)
	s.reports = nil
	return nil
}

var (
	_ ledger.Store       = (*Store)(nil)
	_ ledger.ReportStore = (*Store)(nil)
	_ discount.Store     = (*Store)(nil)
)
