package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-engine/ledger"
	"github.com/warp/token-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const acc ledger.AccountID = "acc-1"

func newTestLedger(opts ...ledger.Option) (*ledger.Ledger, *memory.Store) {
	s := memory.New()
	return ledger.New(s, opts...), s
}

func appendOK(t *testing.T, l *ledger.Ledger, typ ledger.MovementType, amount int64) ledger.Movement {
	t.Helper()
	m, _, err := l.Append(context.Background(), ledger.AppendRequest{
		AccountID: acc,
		Type:      typ,
		Amount:    amount,
		Metadata:  ledger.Metadata{Description: "test"},
	})
	require.NoError(t, err)
	return m
}

// =============================================================================
// APPEND
// =============================================================================

func TestAppend_UpdatesBalanceAndLog(t *testing.T) {
	ctx := context.Background()
	var observed []ledger.Movement
	l, _ := newTestLedger(ledger.WithObserver(func(m ledger.Movement) { observed = append(observed, m) }))

	// GIVEN: a purchase, a consumption and a bonus
	appendOK(t, l, ledger.MovementPurchased, 100)
	appendOK(t, l, ledger.MovementConsumed, 30)
	bonus := appendOK(t, l, ledger.MovementBonus, 20)

	// THEN: the balance reflects all three and the log keeps them in order
	bal, err := l.GetByAccountID(ctx, acc)
	require.NoError(t, err)
	assert.Equal(t, int64(90), bal.TotalAvailable)
	assert.Equal(t, int64(3), bal.Version)

	ms, err := l.Movements(ctx, acc, ledger.MovementFilter{})
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, ledger.MovementPurchased, ms[0].Type)
	assert.Equal(t, bonus.UID, ms[2].UID)
	assert.Len(t, observed, 3)

	// defaults filled in by the ledger
	assert.Equal(t, ledger.StatusApproved, bonus.Status)
	assert.Equal(t, ledger.SystemActor, bonus.CreatedBy)
	assert.Equal(t, int64(20), bonus.Metadata.TokenAmount)
	assert.NotEmpty(t, bonus.UID)
}

func TestAppend_ValidationRejectedBeforeWrite(t *testing.T) {
	ctx := context.Background()
	l, s := newTestLedger()

	tests := []struct {
		name string
		req  ledger.AppendRequest
		kind error
	}{
		{"missing account", ledger.AppendRequest{Type: ledger.MovementPurchased, Amount: 1}, ledger.ErrMissingField},
		{"unknown type", ledger.AppendRequest{AccountID: acc, Type: "GIFT", Amount: 1}, ledger.ErrInvalidEnum},
		{"zero amount", ledger.AppendRequest{AccountID: acc, Type: ledger.MovementConsumed}, ledger.ErrInvalidAmount},
		{"negative amount", ledger.AppendRequest{AccountID: acc, Type: ledger.MovementPurchased, Amount: -5}, ledger.ErrInvalidAmount},
		{"bonus without description", ledger.AppendRequest{AccountID: acc, Type: ledger.MovementBonus, Amount: 5}, ledger.ErrMissingField},
		{"adjustment without delta", ledger.AppendRequest{AccountID: acc, Type: ledger.MovementAdjustment,
			Metadata: ledger.Metadata{Description: "fix"}}, ledger.ErrInvalidAmount},
		{"adjustment bad bucket", ledger.AppendRequest{AccountID: acc, Type: ledger.MovementAdjustment,
			Metadata: ledger.Metadata{Description: "fix", Delta: 1, Bucket: "gift"}}, ledger.ErrInvalidEnum},
		{"bad status", ledger.AppendRequest{AccountID: acc, Type: ledger.MovementPurchased, Amount: 1, Status: "DONE"}, ledger.ErrInvalidEnum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := l.Append(ctx, tt.req)
			assert.ErrorIs(t, err, ledger.ErrValidation)
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	ids, err := s.ListAccountIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "no balance row was created")
}

func TestAppend_InsufficientBalanceLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	appendOK(t, l, ledger.MovementPurchased, 10)

	_, _, err := l.Append(ctx, ledger.AppendRequest{AccountID: acc, Type: ledger.MovementConsumed, Amount: 11})

	assert.Equal(t, ledger.ReasonInsufficientBalance, ledger.ReasonOf(err))
	ms, _ := l.Movements(ctx, acc, ledger.MovementFilter{})
	assert.Len(t, ms, 1)
	bal, _ := l.GetByAccountID(ctx, acc)
	assert.Equal(t, int64(10), bal.TotalAvailable)
}

func TestAppend_Adjustment(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	appendOK(t, l, ledger.MovementBonus, 200)

	// WHEN: a mis-issued grant is reversed
	m, bal, err := l.Append(ctx, ledger.AppendRequest{
		AccountID: acc,
		Type:      ledger.MovementAdjustment,
		Metadata:  ledger.Metadata{Delta: -200, Description: "reverse duplicate grant"},
		Actor:     ledger.Admin("ops"),
	})

	// THEN: amount is the magnitude and the bonus bucket is back to zero
	require.NoError(t, err)
	assert.Equal(t, int64(200), m.Amount)
	assert.Equal(t, ledger.BucketBonus, m.Metadata.Bucket)
	assert.Equal(t, ledger.ActorAdmin, m.CreatedBy.Kind)
	assert.Zero(t, bal.TotalBonus)
	assert.Zero(t, bal.TotalAvailable)
}

func TestAppend_PendingDoesNotCount(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	_, bal, err := l.Append(ctx, ledger.AppendRequest{
		AccountID: acc,
		Type:      ledger.MovementPurchased,
		Status:    ledger.StatusPending,
		Amount:    100,
	})

	require.NoError(t, err)
	assert.Zero(t, bal.TotalAvailable)
}

func TestAppend_ConcurrentConsumersNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	appendOK(t, l, ledger.MovementPurchased, 50)

	// WHEN: 20 consumers race for 10 tokens each
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.Append(ctx, ledger.AppendRequest{AccountID: acc, Type: ledger.MovementConsumed, Amount: 10})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// THEN: exactly five succeed
	assert.Equal(t, 5, accepted)
	bal, err := l.GetByAccountID(ctx, acc)
	require.NoError(t, err)
	assert.Zero(t, bal.TotalAvailable)
}

// =============================================================================
// READS
// =============================================================================

func TestGetByAccountID_UnknownAccountIsZero(t *testing.T) {
	l, _ := newTestLedger()

	bal, err := l.GetByAccountID(context.Background(), "nobody")

	require.NoError(t, err)
	assert.Equal(t, ledger.ZeroBalance("nobody"), bal)
}

func TestGetByAccountID_EmptyID(t *testing.T) {
	l, _ := newTestLedger()
	_, err := l.GetByAccountID(context.Background(), " ")
	assert.ErrorIs(t, err, ledger.ErrMissingField)
}

func TestMovement_NotFound(t *testing.T) {
	l, _ := newTestLedger()
	_, err := l.Movement(context.Background(), "missing")
	assert.True(t, ledger.IsNotFound(err))
}

func TestAddBonusTokens_EachCallGrants(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	first, err := l.AddBonusTokens(ctx, acc, 25, "loyalty", ledger.Admin("ops"))
	require.NoError(t, err)
	second, err := l.AddBonusTokens(ctx, acc, 25, "loyalty", ledger.Admin("ops"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Movement.UID, second.Movement.UID)
	assert.Equal(t, int64(50), second.Balance.TotalBonus)
}

func TestCloseAccount_RejectsLaterMovements(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	appendOK(t, l, ledger.MovementPurchased, 10)

	require.NoError(t, l.CloseAccount(ctx, acc))

	_, _, err := l.Append(ctx, ledger.AppendRequest{AccountID: acc, Type: ledger.MovementConsumed, Amount: 1})
	assert.Equal(t, ledger.ReasonAccountClosed, ledger.ReasonOf(err))
	bal, err := l.GetByAccountID(ctx, acc)
	require.NoError(t, err)
	assert.True(t, bal.IsClosed())
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// driftStore reports a tampered balance for one account. With
// availableOnly the buckets are left alone and only the stored
// TotalAvailable is off.
type driftStore struct {
	*memory.Store
	tampered      ledger.AccountID
	availableOnly bool
}

func (d driftStore) GetBalance(ctx context.Context, id ledger.AccountID) (*ledger.Balance, error) {
	b, err := d.Store.GetBalance(ctx, id)
	if err != nil || b == nil || id != d.tampered {
		return b, err
	}
	if !d.availableOnly {
		b.TotalBonus += 7
	}
	b.TotalAvailable += 7
	return b, nil
}

func TestReconciler_CleanLedger(t *testing.T) {
	ctx := context.Background()
	l, s := newTestLedger()
	for i := 0; i < 5; i++ {
		id := ledger.AccountID(fmt.Sprintf("acc-%d", i))
		_, _, err := l.Append(ctx, ledger.AppendRequest{AccountID: id, Type: ledger.MovementPurchased, Amount: 100})
		require.NoError(t, err)
		_, _, err = l.Append(ctx, ledger.AppendRequest{AccountID: id, Type: ledger.MovementConsumed, Amount: int64(i + 1)})
		require.NoError(t, err)
	}

	report, err := ledger.NewReconciler(s, 2, nil).Run(ctx)

	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 5, report.Accounts)
	assert.Equal(t, 10, report.Movements)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestReconciler_ReportsDrift(t *testing.T) {
	ctx := context.Background()
	l, s := newTestLedger()
	for _, id := range []ledger.AccountID{"acc-a", "acc-b"} {
		_, _, err := l.Append(ctx, ledger.AppendRequest{AccountID: id, Type: ledger.MovementPurchased, Amount: 40})
		require.NoError(t, err)
	}

	// GIVEN: acc-b's stored balance disagrees with its movements
	report, err := ledger.NewReconciler(driftStore{Store: s, tampered: "acc-b"}, 0, nil).Run(ctx)

	// THEN: only acc-b drifted, and the replayed side is the truth
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	d := report.Drifts[0]
	assert.Equal(t, ledger.AccountID("acc-b"), d.AccountID)
	assert.Equal(t, int64(47), d.Stored.TotalAvailable)
	assert.Equal(t, int64(40), d.Replayed.TotalAvailable)
	assert.Equal(t, 1, d.Movements)
}

func TestReconciler_ReportsStoredAvailableDrift(t *testing.T) {
	ctx := context.Background()
	l, s := newTestLedger()
	_, _, err := l.Append(ctx, ledger.AppendRequest{AccountID: "acc-a", Type: ledger.MovementPurchased, Amount: 40})
	require.NoError(t, err)

	// GIVEN: buckets match the movements but the stored availability does not
	report, err := ledger.NewReconciler(driftStore{Store: s, tampered: "acc-a", availableOnly: true}, 0, nil).Run(ctx)

	// THEN: the mismatch is reported, not hidden by recomputing from buckets
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, int64(40), report.Drifts[0].Stored.TotalPurchased)
	assert.Equal(t, int64(47), report.Drifts[0].Stored.TotalAvailable)
}
