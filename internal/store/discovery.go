package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"backfill-service/internal/models"
)

const discoveryColumns = "id, backfill_id, tenant_id, location_id, status, updated_at"

// ListDiscoveryEntries returns a tenant's discovery entries, optionally
// filtered by status and backfill.
func (s *Store) ListDiscoveryEntries(ctx context.Context, tenant, status, backfillID string) ([]models.DiscoveryEntry, error) {
	query := `SELECT ` + discoveryColumns + ` FROM discovery_queue WHERE tenant_id = $1`
	args := []any{tenant}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if backfillID != "" {
		args = append(args, backfillID)
		query += fmt.Sprintf(" AND backfill_id = $%d", len(args))
	}
	query += " ORDER BY updated_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list discovery entries: %w", err)
	}
	defer rows.Close()

	var out []models.DiscoveryEntry
	for rows.Next() {
		var e models.DiscoveryEntry
		if err := rows.Scan(&e.ID, &e.BackfillID, &e.TenantID, &e.LocationID, &e.Status, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan discovery entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDiscoveryEntry fetches one discovery entry by id.
func (s *Store) GetDiscoveryEntry(ctx context.Context, id string) (models.DiscoveryEntry, error) {
	var e models.DiscoveryEntry
	err := s.pool.QueryRow(ctx, `
		SELECT `+discoveryColumns+` FROM discovery_queue WHERE id = $1
	`, id).Scan(&e.ID, &e.BackfillID, &e.TenantID, &e.LocationID, &e.Status, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DiscoveryEntry{}, ErrNotFound
	}
	if err != nil {
		return models.DiscoveryEntry{}, fmt.Errorf("scan discovery entry: %w", err)
	}
	return e, nil
}

// UpdateDiscoveryStatus sets a discovery entry's status.
func (s *Store) UpdateDiscoveryStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE discovery_queue SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update discovery status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
