package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-engine/ledger"
	"github.com/warp/token-engine/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return newTestStore(t) })
}

func TestNew_InMemory(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, bal, err := ledger.New(s).Append(context.Background(), ledger.AppendRequest{
		AccountID: "acc-1",
		Type:      ledger.MovementBonus,
		Amount:    10,
		Metadata:  ledger.Metadata{Description: "grant"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.TotalAvailable)
}

func TestMovements_AreAppendOnly(t *testing.T) {
	// GIVEN: a recorded movement
	ctx := context.Background()
	s := newTestStore(t)
	mv, _, err := ledger.New(s).Append(ctx, ledger.AppendRequest{
		AccountID: "acc-1",
		Type:      ledger.MovementBonus,
		Amount:    10,
		Metadata:  ledger.Metadata{Description: "grant"},
	})
	require.NoError(t, err)

	// WHEN: the row is updated directly
	_, err = s.db.ExecContext(ctx, `UPDATE movements SET amount = 99 WHERE uid = ?`, mv.UID)

	// THEN: the trigger aborts the update
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestBalance_TotalAvailableIsGenerated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	l := ledger.New(s)

	_, _, err := l.Append(ctx, ledger.AppendRequest{AccountID: "acc-1", Type: ledger.MovementPurchased, Amount: 500})
	require.NoError(t, err)
	_, _, err = l.Append(ctx, ledger.AppendRequest{AccountID: "acc-1", Type: ledger.MovementConsumed, Amount: 120})
	require.NoError(t, err)

	var available int64
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT total_available FROM token_balances WHERE account_id = ?`, "acc-1").Scan(&available))
	assert.Equal(t, int64(380), available)
}

func TestSingleDefault_EnforcedBySchema(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bulk_discounts (id, name, is_default, tiers_json, created_at, updated_at)
		VALUES ('a', 'A', 1, '[]', 0, 0)`)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bulk_discounts (id, name, is_default, tiers_json, created_at, updated_at)
		VALUES ('b', 'B', 1, '[]', 0, 0)`)
	require.Error(t, err)
	assert.True(t, isUniqueConstraintError(err))
}
