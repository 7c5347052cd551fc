package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-engine/ledger"
	"github.com/warp/token-engine/store/storetest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestStore runs the gorm store against a SQLite file. One connection
// serializes transactions the way row locks do on MySQL.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "tokens.db") + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return newTestStore(t) })
}

func TestApplyBalanceDelta_AvailableFollowsBuckets(t *testing.T) {
	// GIVEN: purchases and a consumption
	ctx := context.Background()
	s := newTestStore(t)
	l := ledger.New(s)
	_, _, err := l.Append(ctx, ledger.AppendRequest{AccountID: "acc-1", Type: ledger.MovementPurchased, Amount: 500})
	require.NoError(t, err)
	_, _, err = l.Append(ctx, ledger.AppendRequest{AccountID: "acc-1", Type: ledger.MovementConsumed, Amount: 120})
	require.NoError(t, err)

	// THEN: availability is not a stored column and reads from the buckets
	assert.False(t, s.db.Migrator().HasColumn(&balanceModel{}, "total_available"))
	bal, err := s.GetBalance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(380), bal.TotalAvailable)
	assert.Equal(t, int64(2), bal.Version)
}

func TestApplyBalanceDelta_GuardsOnBuckets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	l := ledger.New(s)
	_, _, err := l.Append(ctx, ledger.AppendRequest{AccountID: "acc-1", Type: ledger.MovementPurchased, Amount: 100})
	require.NoError(t, err)

	// GIVEN: a bucket changed outside the ledger
	require.NoError(t, s.db.Model(&balanceModel{}).Where("account_id = ?", "acc-1").
		Update("total_consumed", 30).Error)

	// THEN: reads and the audit both see it
	bal, err := s.GetBalance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal.TotalAvailable)
	report, err := ledger.NewReconciler(s, 1, nil).Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)

	// AND: the guard uses the same figure, so overdraw is a final rejection
	_, _, err = l.Append(ctx, ledger.AppendRequest{AccountID: "acc-1", Type: ledger.MovementConsumed, Amount: 71})
	assert.Equal(t, ledger.ReasonInsufficientBalance, ledger.ReasonOf(err))
	assert.False(t, ledger.IsRetryable(err))
	_, _, err = l.Append(ctx, ledger.AppendRequest{AccountID: "acc-1", Type: ledger.MovementConsumed, Amount: 70})
	assert.NoError(t, err)
}

func TestTranslate(t *testing.T) {
	t.Run("deadlock is retryable", func(t *testing.T) {
		err := translate("update balance", &mysqlDriver.MySQLError{Number: mysqlDeadlockDetected, Message: "Deadlock found"})
		assert.True(t, ledger.IsRetryable(err))
	})

	t.Run("lock wait timeout is retryable", func(t *testing.T) {
		err := translate("update balance", &mysqlDriver.MySQLError{Number: mysqlLockWaitTimeout})
		assert.True(t, ledger.IsRetryable(err))
	})

	t.Run("other driver errors are external", func(t *testing.T) {
		err := translate("update balance", errors.New("connection refused"))
		assert.True(t, ledger.IsExternal(err))
		assert.False(t, ledger.IsRetryable(err))
	})

	t.Run("classified errors pass through", func(t *testing.T) {
		v := ledger.Violation(ledger.ReasonCodeExhausted, "no uses left")
		assert.Equal(t, v, translate("claim", v))
	})

	t.Run("duplicate entry", func(t *testing.T) {
		assert.True(t, isDuplicate(&mysqlDriver.MySQLError{Number: mysqlDuplicateEntry}))
		assert.False(t, isDuplicate(&mysqlDriver.MySQLError{Number: mysqlDeadlockDetected}))
		assert.False(t, isDuplicate(nil))
	})
}
