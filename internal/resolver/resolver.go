// Package resolver runs the periodic quiescence sweep: in-flight work items
// whose watermark has been silent for longer than the configured window are
// presumed fully processed and promoted to completed.
package resolver

import (
	"context"
	"log"
	"sync"
	"time"

	"backfill-service/internal/models"
	"backfill-service/internal/telemetry"
)

// SweepStore is the persistence surface the resolver needs. *store.Store
// satisfies it; tests substitute fakes.
type SweepStore interface {
	ListInFlight(ctx context.Context) ([]models.WorkItem, error)
	GetWatermark(ctx context.Context, workItemID string) (models.Watermark, bool, error)
	MarkCompleted(ctx context.Context, id string) (bool, error)
	CountOutstanding(ctx context.Context, backfillID string) (int64, error)
	CountStuckInFlight(ctx context.Context, olderThan time.Duration) (int64, error)
	GetBackfill(ctx context.Context, id string) (models.Backfill, error)
	ItemRollup(ctx context.Context, backfillID string) ([]string, *time.Time, error)
}

// ReportSink receives a completion summary when a backfill's last item
// resolves. May be nil to disable reporting.
type ReportSink interface {
	UploadCompletion(ctx context.Context, backfill models.Backfill, statusCounts map[string]int) error
}

// Resolver promotes quiescent in-flight items to completed on a fixed
// interval.
type Resolver struct {
	store    SweepStore
	reports  ReportSink
	window   time.Duration
	interval time.Duration
	stuckAge time.Duration

	mu sync.Mutex // one sweep at a time; a tick during a sweep is skipped
}

// New builds a resolver. reports may be nil.
func New(store SweepStore, reports ReportSink, window, interval, stuckAge time.Duration) *Resolver {
	return &Resolver{
		store:    store,
		reports:  reports,
		window:   window,
		interval: interval,
		stuckAge: stuckAge,
	}
}

// Run sweeps until context cancellation.
func (r *Resolver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep runs one resolution pass. Overlapping calls are skipped rather than
// queued. Each item's promotion is independent and idempotent, so a crash
// mid-sweep loses nothing; the next pass re-evaluates whatever remains.
func (r *Resolver) Sweep(ctx context.Context, now time.Time) {
	if !r.mu.TryLock() {
		log.Printf("resolver: previous sweep still running, skipping")
		return
	}
	defer r.mu.Unlock()

	items, err := r.store.ListInFlight(ctx)
	if err != nil {
		log.Printf("resolver: list in-flight: %v", err)
		return
	}
	telemetry.InFlightGauge.Set(float64(len(items)))

	cutoff := now.Add(-r.window)
	for _, item := range items {
		mark, found, err := r.store.GetWatermark(ctx, item.ID)
		if err != nil {
			log.Printf("resolver: watermark for %s: %v", item.ID, err)
			continue
		}
		if !found {
			// Never observed downstream. No evidence either way, so the item
			// stays in flight; the stuck gauge below surfaces it.
			continue
		}
		if !mark.LastSeen.Before(cutoff) {
			continue
		}

		promoted, err := r.store.MarkCompleted(ctx, item.ID)
		if err != nil {
			log.Printf("resolver: promote %s: %v", item.ID, err)
			continue
		}
		if !promoted {
			// Raced an explicit completion or deletion; nothing left to do.
			continue
		}
		telemetry.ItemsResolved.Inc()
		r.maybeReport(ctx, item.BackfillID)
	}

	stuck, err := r.store.CountStuckInFlight(ctx, r.stuckAge)
	if err != nil {
		log.Printf("resolver: count stuck in-flight: %v", err)
		return
	}
	telemetry.StuckInFlight.Set(float64(stuck))
	if stuck > 0 {
		log.Printf("resolver: %d in-flight items older than %s with no watermark; operator attention needed", stuck, r.stuckAge)
	}
}

// maybeReport uploads a completion summary when the backfill has no pending
// or in-flight items left.
func (r *Resolver) maybeReport(ctx context.Context, backfillID string) {
	if r.reports == nil {
		return
	}
	outstanding, err := r.store.CountOutstanding(ctx, backfillID)
	if err != nil {
		log.Printf("resolver: count outstanding for %s: %v", backfillID, err)
		return
	}
	if outstanding > 0 {
		return
	}

	backfill, err := r.store.GetBackfill(ctx, backfillID)
	if err != nil {
		log.Printf("resolver: load backfill %s: %v", backfillID, err)
		return
	}
	statuses, last, err := r.store.ItemRollup(ctx, backfillID)
	if err != nil {
		log.Printf("resolver: rollup for %s: %v", backfillID, err)
		return
	}
	backfill.Status = models.DeriveBackfillStatus(backfill.Deleted, statuses)
	backfill.LastUpdated = last

	counts := make(map[string]int)
	for _, s := range statuses {
		counts[s]++
	}
	if err := r.reports.UploadCompletion(ctx, backfill, counts); err != nil {
		log.Printf("resolver: upload completion report for %s: %v", backfillID, err)
		return
	}
	telemetry.ReportsUploaded.Inc()
}
