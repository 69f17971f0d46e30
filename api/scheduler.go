/*
scheduler.go - Automated orphan reconciliation

PURPOSE:
  Periodically runs ReconcileOrphans so payments left without a resident
  (abandoned checkouts, rollovers racing a late webhook) get resolved even
  when nobody calls the admin endpoint.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on Start
  - A run that overlaps the next tick is not doubled up; the ticker drops
    ticks while a run is in flight

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

SEE ALSO:
  - handlers.go: ReconcileOrphans endpoint (manual run)
  - billing/reconcile.go: resolution rules
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/hostel-billing/billing"
	"go.uber.org/zap"
)

// ReconciliationScheduler runs orphan reconciliation on a timer.
type ReconciliationScheduler struct {
	Engine        *billing.Engine
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	runs   int
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(engine *billing.Engine, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Engine:        engine,
		Logger:        logger,
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("reconciliation scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)
	go rs.run(ctx, rs.ticker)

	rs.Logger.Info("reconciliation scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop cancels an in-flight run and waits for the goroutine to exit.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	rs.cancel()
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("reconciliation scheduler stopped")
}

// Runs reports how many reconciliation passes have completed.
func (rs *ReconciliationScheduler) Runs() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.runs
}

func (rs *ReconciliationScheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.reconcile(ctx)

	for {
		select {
		case <-ticker.C:
			rs.reconcile(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (rs *ReconciliationScheduler) reconcile(ctx context.Context) {
	report, err := rs.Engine.ReconcileOrphans(ctx)
	if err != nil {
		if ctx.Err() == nil {
			rs.Logger.Error("scheduled reconciliation failed", zap.Error(err))
		}
		return
	}

	rs.mu.Lock()
	rs.runs++
	rs.mu.Unlock()

	if report.Scanned > 0 {
		rs.Logger.Info("scheduled reconciliation complete", zap.Int("scanned", report.Scanned))
	}
}
