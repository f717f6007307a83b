/*
scheduler.go - Periodic snapshot audit

PURPOSE:
  Snapshots are a read model written next to every ledger append. Anything
  that writes the ledger outside the services (imports, manual SQL) leaves
  them stale. The auditor periodically re-folds every book's ledger and
  rebuilds the snapshots that disagree.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Each pass is inventory.Service.Audit; per-book figures never come from
    snapshots, so a stale snapshot only affects ActiveRentals until repaired

CONFIGURATION:
  - Interval: How often to check (default: 1 hour)
  - Enabled:  Whether the auditor is active (default: true)

USAGE:
  auditor := NewSnapshotAuditor(handler.Inventory, logger)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - handlers.go: Audit endpoint (manual pass)
  - inventory/audit.go: the pass itself
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/bookstore-engine/inventory"
)

// SnapshotAuditor repairs drifted stock snapshots on a timer.
type SnapshotAuditor struct {
	Inventory *inventory.Service
	Interval  time.Duration
	Enabled   bool
	Logger    *slog.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewSnapshotAuditor creates a new auditor.
func NewSnapshotAuditor(inv *inventory.Service, logger *slog.Logger) *SnapshotAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotAuditor{
		Inventory: inv,
		Interval:  1 * time.Hour,
		Enabled:   true,
		Logger:    logger,
	}
}

// Start begins the auditor. Calling Start twice is a no-op.
func (a *SnapshotAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Enabled {
		a.Logger.Info("snapshot auditor disabled, not starting")
		return
	}
	if a.running {
		return
	}

	a.ticker = time.NewTicker(a.Interval)
	a.stop = make(chan struct{})
	a.running = true
	a.wg.Add(1)

	go a.run()

	a.Logger.Info("snapshot auditor started", "interval", a.Interval)
}

// Stop stops the auditor and waits for an in-flight pass to finish.
func (a *SnapshotAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.ticker.Stop()
	close(a.stop)
	a.wg.Wait()
	a.running = false
	a.Logger.Info("snapshot auditor stopped")
}

func (a *SnapshotAuditor) run() {
	defer a.wg.Done()

	// Run immediately on start
	a.RunOnce(context.Background())

	for {
		select {
		case <-a.ticker.C:
			a.RunOnce(context.Background())
		case <-a.stop:
			return
		}
	}
}

// RunOnce performs one audit pass and logs the outcome.
func (a *SnapshotAuditor) RunOnce(ctx context.Context) inventory.AuditReport {
	report, err := a.Inventory.Audit(ctx)
	if err != nil {
		a.Logger.ErrorContext(ctx, "snapshot audit failed", "checked", report.Checked, "err", err)
		return report
	}
	if len(report.Repaired) > 0 {
		a.Logger.WarnContext(ctx, "snapshot audit repaired books",
			"checked", report.Checked, "repaired", report.Repaired)
	} else {
		a.Logger.DebugContext(ctx, "snapshot audit clean", "checked", report.Checked)
	}
	return report
}
