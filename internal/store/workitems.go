package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"backfill-service/internal/models"
)

const workItemColumns = "id, backfill_id, tenant_id, patient_id, status, updated_at"

// InsertWorkItems bulk-inserts pending work items for a backfill. Patients
// already queued for the backfill, and duplicates within the request, are
// skipped rather than erroring. Returns the ids of the rows actually created.
func (s *Store) InsertWorkItems(ctx context.Context, backfillID, tenant string, patientIDs []string) ([]string, error) {
	existing := make(map[string]struct{})
	rows, err := s.pool.Query(ctx, `
		SELECT patient_id FROM work_items WHERE backfill_id = $1
	`, backfillID)
	if err != nil {
		return nil, fmt.Errorf("query existing patients: %w", err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		existing[p] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var ids []string
	for _, patient := range dedupe(patientIDs) {
		if _, ok := existing[patient]; ok {
			continue
		}
		id := uuid.New().String()
		// ON CONFLICT covers a concurrent submission racing the read above.
		tag, err := tx.Exec(ctx, `
			INSERT INTO work_items (id, backfill_id, tenant_id, patient_id, status, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (backfill_id, patient_id) DO NOTHING
		`, id, backfillID, tenant, patient, models.StatusPending, now)
		if err != nil {
			return nil, fmt.Errorf("insert work item: %w", err)
		}
		if tag.RowsAffected() > 0 {
			ids = append(ids, id)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// GetWorkItem fetches a work item by id.
func (s *Store) GetWorkItem(ctx context.Context, id string) (models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workItemColumns+` FROM work_items WHERE id = $1
	`, id)
	return scanWorkItem(row)
}

// ListWorkItemsByBackfill returns all of a backfill's items in insertion order.
func (s *Store) ListWorkItemsByBackfill(ctx context.Context, backfillID string) ([]models.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workItemColumns+` FROM work_items WHERE backfill_id = $1 ORDER BY seq
	`, backfillID)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	return collectWorkItems(rows)
}

// ClaimBatch leases up to maxSize pending items for a tenant, transitioning
// them to in_flight. The per-tenant advisory transaction lock makes the
// in-flight count check and the lease a single critical section across
// processes: while any previously leased item for the tenant is still in
// flight the claim returns an empty batch with no side effects.
func (s *Store) ClaimBatch(ctx context.Context, tenant string, maxSize int) ([]models.WorkItem, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenant); err != nil {
		return nil, fmt.Errorf("acquire tenant claim lock: %w", err)
	}

	var inFlight int64
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM work_items WHERE tenant_id = $1 AND status = $2
	`, tenant, models.StatusInFlight).Scan(&inFlight)
	if err != nil {
		return nil, fmt.Errorf("count in-flight items: %w", err)
	}
	if inFlight > 0 {
		return nil, tx.Commit(ctx)
	}

	rows, err := tx.Query(ctx, `
		UPDATE work_items SET status = $3, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM work_items
			WHERE tenant_id = $1 AND status = $2
			ORDER BY seq
			LIMIT $4
		)
		RETURNING `+workItemColumns+`
	`, tenant, models.StatusPending, models.StatusInFlight, maxSize)
	if err != nil {
		return nil, fmt.Errorf("lease work items: %w", err)
	}
	batch, err := collectWorkItems(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return batch, nil
}

// MarkCompleted transitions an in-flight item to completed and drops its
// watermark. Calling it again once the item is terminal is a no-op; the
// returned bool reports whether this call performed the transition.
func (s *Store) MarkCompleted(ctx context.Context, id string) (bool, error) {
	return s.resolveItem(ctx, id, models.StatusCompleted, []string{models.StatusInFlight})
}

// MarkDeleted transitions a pending or in-flight item to deleted and drops
// its watermark. Idempotent in the same way as MarkCompleted.
func (s *Store) MarkDeleted(ctx context.Context, id string) (bool, error) {
	return s.resolveItem(ctx, id, models.StatusDeleted, []string{models.StatusPending, models.StatusInFlight})
}

func (s *Store) resolveItem(ctx context.Context, id, target string, from []string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE work_items SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, target, from)
	if err != nil {
		return false, fmt.Errorf("update work item status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already terminal, or not eligible for this transition.
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM watermarks WHERE work_item_id = $1`, id); err != nil {
		return false, fmt.Errorf("delete watermark: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit resolve: %w", err)
	}
	return true, nil
}

// ListInFlight returns every in-flight item across all tenants. The claim
// admission gate keeps this set to at most one batch per tenant, so a global
// sweep stays cheap.
func (s *Store) ListInFlight(ctx context.Context) ([]models.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workItemColumns+` FROM work_items WHERE status = $1 ORDER BY seq
	`, models.StatusInFlight)
	if err != nil {
		return nil, fmt.Errorf("list in-flight items: %w", err)
	}
	return collectWorkItems(rows)
}

// ListInFlightForBackfill returns the in-flight items for one (tenant,
// backfill) pair, the candidate set for event correlation.
func (s *Store) ListInFlightForBackfill(ctx context.Context, tenant, backfillID string) ([]models.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workItemColumns+` FROM work_items
		WHERE tenant_id = $1 AND backfill_id = $2 AND status = $3
		ORDER BY seq
	`, tenant, backfillID, models.StatusInFlight)
	if err != nil {
		return nil, fmt.Errorf("list in-flight items for backfill: %w", err)
	}
	return collectWorkItems(rows)
}

// CountOutstanding reports how many of a backfill's items are still pending
// or in flight.
func (s *Store) CountOutstanding(ctx context.Context, backfillID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM work_items
		WHERE backfill_id = $1 AND status IN ($2, $3)
	`, backfillID, models.StatusPending, models.StatusInFlight).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outstanding items: %w", err)
	}
	return n, nil
}

// CountStuckInFlight reports in-flight items older than the given age that
// have never produced a watermark. These are never resolved automatically;
// the count exists so operators can see them.
func (s *Store) CountStuckInFlight(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM work_items w
		LEFT JOIN watermarks m ON m.work_item_id = w.id
		WHERE w.status = $1 AND w.updated_at < NOW() - make_interval(secs => $2) AND m.work_item_id IS NULL
	`, models.StatusInFlight, olderThan.Seconds()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stuck in-flight items: %w", err)
	}
	return n, nil
}

func scanWorkItem(row rowScanner) (models.WorkItem, error) {
	var w models.WorkItem
	err := row.Scan(&w.ID, &w.BackfillID, &w.TenantID, &w.PatientID, &w.Status, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, ErrNotFound
	}
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("scan work item: %w", err)
	}
	return w, nil
}

func collectWorkItems(rows pgx.Rows) ([]models.WorkItem, error) {
	defer rows.Close()
	var out []models.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
