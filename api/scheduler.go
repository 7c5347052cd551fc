/*
scheduler.go - Periodic balance audit

PURPOSE:
  Periodically replays every account's movements and compares the result
  with the stored balance aggregate. Drift means a write bypassed the ledger
  or a store lost part of a unit of work; it is reported, never repaired
  automatically.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each run is a ledger.Reconciler pass (parallel over accounts)
  - The report of every run is saved for the admin endpoint
  - Drifted account count is exported as a gauge

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(reconciler, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerReconcile endpoint (manual run)
  - ledger/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/token-engine/ledger"
	"github.com/warp/token-engine/metrics"
	"go.uber.org/zap"
)

// ReconciliationScheduler runs the balance audit on a ticker.
type ReconciliationScheduler struct {
	Reconciler    *ledger.Reconciler
	Reports       ledger.ReportStore
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	// one audit at a time, whether scheduled or triggered
	running sync.Mutex
}

func NewReconciliationScheduler(r *ledger.Reconciler, reports ledger.ReportStore, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Reconciler:    r,
		Reports:       reports,
		Logger:        logger.Named("reconcile"),
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler. The first run happens immediately.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.Info("scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for a run in progress.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	rs.tick()
	for {
		select {
		case <-rs.ticker.C:
			rs.tick()
		case <-rs.stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.CheckInterval)
	defer cancel()
	if _, err := rs.RunOnce(ctx); err != nil {
		rs.Logger.Error("scheduled reconciliation failed", zap.Error(err))
	}
}

// RunOnce runs one audit and saves its report.
func (rs *ReconciliationScheduler) RunOnce(ctx context.Context) (ledger.ReconcileReport, error) {
	rs.running.Lock()
	defer rs.running.Unlock()

	report, err := rs.Reconciler.Run(ctx)
	if err != nil {
		return report, err
	}
	rs.Metrics.Reconciled(len(report.Drifts))

	for _, d := range report.Drifts {
		rs.Logger.Error("balance drift",
			zap.String("account_id", string(d.AccountID)),
			zap.Int64("stored_available", d.Stored.TotalAvailable),
			zap.Int64("replayed_available", d.Replayed.TotalAvailable),
			zap.String("replay_error", d.Err))
	}
	if rs.Reports != nil {
		if err := rs.Reports.SaveReconcileReport(ctx, report); err != nil {
			return report, ledger.External("save reconcile report", err)
		}
	}
	return report, nil
}

// NextRunTime returns when the next scheduled run will occur.
func (rs *ReconciliationScheduler) NextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
