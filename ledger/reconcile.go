package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// =============================================================================
// RECONCILIATION - Replay movements and compare with stored balances
// =============================================================================

// Drift describes an account whose stored balance disagrees with the
// balance replayed from its movements.
type Drift struct {
	AccountID AccountID
	Stored    Balance
	Replayed  Balance
	Movements int
	Err       string
}

// ReconcileReport summarizes one reconciliation run.
type ReconcileReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Accounts   int
	Movements  int
	Drifts     []Drift
}

// Clean reports whether no drift was found.
func (r ReconcileReport) Clean() bool { return len(r.Drifts) == 0 }

// ReportStore keeps reconciliation reports. Stores may implement it.
type ReportStore interface {
	SaveReconcileReport(ctx context.Context, r ReconcileReport) error
	LastReconcileReport(ctx context.Context) (*ReconcileReport, error)
}

type Reconciler struct {
	store   Store
	workers int
	logger  *zap.Logger
	now     func() time.Time
}

func NewReconciler(store Store, workers int, logger *zap.Logger) *Reconciler {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:   store,
		workers: workers,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Replay folds an account's movements through ApplyMovement in Seq order,
// which is commit order within an account; CreatedAt can step back with the
// wall clock. It fails if any intermediate balance breaks an invariant.
func Replay(accountID AccountID, movements []Movement) (Balance, error) {
	sorted := append([]Movement(nil), movements...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	b := ZeroBalance(accountID)
	for _, m := range sorted {
		next, err := ApplyMovement(b, m)
		if err != nil {
			return b, err
		}
		b = next
	}
	return b, nil
}

type accountCheck struct {
	drift     *Drift
	movements int
}

// Run checks every account with a balance row.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{StartedAt: r.now()}

	ids, err := r.store.ListAccountIDs(ctx)
	if err != nil {
		return report, External("list accounts", err)
	}

	p := pool.NewWithResults[accountCheck]().WithMaxGoroutines(r.workers).WithContext(ctx)
	for _, id := range ids {
		id := id
		p.Go(func(ctx context.Context) (accountCheck, error) {
			return r.checkAccount(ctx, id)
		})
	}
	results, err := p.Wait()
	if err != nil {
		return report, err
	}

	for _, res := range results {
		report.Movements += res.movements
		if res.drift != nil {
			report.Drifts = append(report.Drifts, *res.drift)
		}
	}
	sort.Slice(report.Drifts, func(i, j int) bool { return report.Drifts[i].AccountID < report.Drifts[j].AccountID })

	report.Accounts = len(ids)
	report.FinishedAt = r.now()

	if !report.Clean() {
		r.logger.Error("balance drift detected", zap.Int("accounts", len(report.Drifts)))
	} else {
		r.logger.Info("reconciliation clean", zap.Int("accounts", report.Accounts), zap.Int("movements", report.Movements))
	}
	return report, nil
}

func (r *Reconciler) checkAccount(ctx context.Context, id AccountID) (accountCheck, error) {
	stored, err := r.store.GetBalance(ctx, id)
	if err != nil {
		return accountCheck{}, External("get balance", err)
	}
	movements, err := r.store.ListMovements(ctx, id, MovementFilter{})
	if err != nil {
		return accountCheck{}, External("list movements", err)
	}

	current := ZeroBalance(id)
	if stored != nil {
		current = *stored
	}

	replayed, replayErr := Replay(id, movements)
	res := accountCheck{movements: len(movements)}

	if replayErr != nil || !sameBuckets(current, replayed) {
		d := &Drift{AccountID: id, Stored: current, Replayed: replayed, Movements: len(movements)}
		if replayErr != nil {
			d.Err = replayErr.Error()
		}
		res.drift = d
		r.logger.Warn("account drift",
			zap.String("account_id", string(id)),
			zap.Int64("stored_available", current.TotalAvailable),
			zap.Int64("replayed_available", replayed.TotalAvailable))
	}
	return res, nil
}

func sameBuckets(a, b Balance) bool {
	return a.TotalPurchased == b.TotalPurchased &&
		a.TotalBonus == b.TotalBonus &&
		a.TotalConsumed == b.TotalConsumed &&
		a.TotalRefunded == b.TotalRefunded &&
		a.TotalAvailable == b.TotalAvailable
}
