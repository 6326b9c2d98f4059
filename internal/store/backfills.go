package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"backfill-service/internal/models"
)

// ErrNotFound is returned for lookups that match no row.
var ErrNotFound = errors.New("not found")

// CreateBackfillParams collects inputs required to register a backfill.
type CreateBackfillParams struct {
	TenantID         string
	StartDate        time.Time
	EndDate          time.Time
	AllowedResources []string
	LocationIDs      []string
	PatientIDs       []string
}

// CreateBackfill inserts the backfill plus its initial discovery entries and
// directly-submitted patient work items in one transaction.
func (s *Store) CreateBackfill(ctx context.Context, p CreateBackfillParams) (string, error) {
	allowedJSON, err := json.Marshal(p.AllowedResources)
	if err != nil {
		return "", fmt.Errorf("marshal allowed resources: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO backfills (id, tenant_id, start_date, end_date, allowed_resources, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, p.TenantID, p.StartDate, p.EndDate, allowedJSON, now)
	if err != nil {
		return "", fmt.Errorf("insert backfill: %w", err)
	}

	for _, loc := range p.LocationIDs {
		_, err = tx.Exec(ctx, `
			INSERT INTO discovery_queue (id, backfill_id, tenant_id, location_id, status, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), id, p.TenantID, loc, models.DiscoveryUndiscovered, now)
		if err != nil {
			return "", fmt.Errorf("insert discovery entry: %w", err)
		}
	}

	for _, patient := range dedupe(p.PatientIDs) {
		_, err = tx.Exec(ctx, `
			INSERT INTO work_items (id, backfill_id, tenant_id, patient_id, status, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), id, p.TenantID, patient, models.StatusPending, now)
		if err != nil {
			return "", fmt.Errorf("insert work item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// GetBackfill fetches a backfill row by id. Status and last-updated are not
// derived here; see ItemRollup.
func (s *Store) GetBackfill(ctx context.Context, id string) (models.Backfill, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, start_date, end_date, allowed_resources, is_deleted, created_at
		FROM backfills WHERE id = $1
	`, id)
	return scanBackfill(row)
}

// ListBackfills pages through a tenant's non-deleted backfills ordered by
// (start_date, id), using the id of the previous page's last row as cursor.
func (s *Store) ListBackfills(ctx context.Context, tenant string, descending bool, limit int, afterID string) ([]models.Backfill, error) {
	var after *models.Backfill
	if afterID != "" {
		b, err := s.GetBackfill(ctx, afterID)
		if err != nil {
			return nil, fmt.Errorf("resolve cursor %s: %w", afterID, err)
		}
		after = &b
	}

	dir, cmp := "ASC", ">"
	if descending {
		dir, cmp = "DESC", "<"
	}
	query := `
		SELECT id, tenant_id, start_date, end_date, allowed_resources, is_deleted, created_at
		FROM backfills
		WHERE tenant_id = $1 AND NOT is_deleted`
	args := []any{tenant}
	if after != nil {
		query += fmt.Sprintf(" AND (start_date, id) %s ($2, $3)", cmp)
		args = append(args, after.StartDate, after.ID)
	}
	query += fmt.Sprintf(" ORDER BY start_date %s, id %s LIMIT %d", dir, dir, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backfills: %w", err)
	}
	defer rows.Close()

	var out []models.Backfill
	for rows.Next() {
		b, err := scanBackfill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ItemRollup returns the statuses of a backfill's work items and the most
// recent item update, the inputs for deriving the backfill's overall status.
func (s *Store) ItemRollup(ctx context.Context, backfillID string) ([]string, *time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, updated_at FROM work_items WHERE backfill_id = $1
	`, backfillID)
	if err != nil {
		return nil, nil, fmt.Errorf("query item rollup: %w", err)
	}
	defer rows.Close()

	var statuses []string
	var last *time.Time
	for rows.Next() {
		var status string
		var updated time.Time
		if err := rows.Scan(&status, &updated); err != nil {
			return nil, nil, fmt.Errorf("scan item rollup: %w", err)
		}
		statuses = append(statuses, status)
		if last == nil || updated.After(*last) {
			u := updated
			last = &u
		}
	}
	return statuses, last, rows.Err()
}

// SoftDeleteBackfill flags the backfill deleted and cascades a deleted status
// to its unresolved work items and discovery entries. Watermarks for the
// affected items are dropped since they no longer track anything in flight.
func (s *Store) SoftDeleteBackfill(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE backfills SET is_deleted = TRUE WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("soft delete backfill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM watermarks WHERE work_item_id IN (
			SELECT id FROM work_items WHERE backfill_id = $1
		)
	`, id)
	if err != nil {
		return fmt.Errorf("delete cascaded watermarks: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE work_items SET status = $2, updated_at = NOW()
		WHERE backfill_id = $1 AND status IN ($3, $4)
	`, id, models.StatusDeleted, models.StatusPending, models.StatusInFlight)
	if err != nil {
		return fmt.Errorf("cascade delete work items: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE discovery_queue SET status = $2, updated_at = NOW()
		WHERE backfill_id = $1 AND status != $2
	`, id, models.DiscoveryDeleted)
	if err != nil {
		return fmt.Errorf("cascade delete discovery entries: %w", err)
	}

	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackfill(row rowScanner) (models.Backfill, error) {
	var b models.Backfill
	var allowedJSON []byte
	err := row.Scan(&b.ID, &b.TenantID, &b.StartDate, &b.EndDate, &allowedJSON, &b.Deleted, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Backfill{}, ErrNotFound
	}
	if err != nil {
		return models.Backfill{}, fmt.Errorf("scan backfill: %w", err)
	}
	if err := json.Unmarshal(allowedJSON, &b.AllowedResources); err != nil {
		return models.Backfill{}, fmt.Errorf("unmarshal allowed resources: %w", err)
	}
	return b, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
