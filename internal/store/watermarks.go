package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"backfill-service/internal/models"
)

// UpsertWatermark records evidence of activity for a work item. The update is
// monotonic: an older or equal timestamp never moves an existing watermark,
// so out-of-order and redelivered events are harmless. Returns whether the
// row was created or advanced.
func (s *Store) UpsertWatermark(ctx context.Context, workItemID string, lastSeen time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO watermarks (work_item_id, last_seen)
		VALUES ($1, $2)
		ON CONFLICT (work_item_id) DO UPDATE SET last_seen = EXCLUDED.last_seen
		WHERE watermarks.last_seen < EXCLUDED.last_seen
	`, workItemID, lastSeen)
	if err != nil {
		return false, fmt.Errorf("upsert watermark: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetWatermark returns the watermark for a work item, if one exists.
func (s *Store) GetWatermark(ctx context.Context, workItemID string) (models.Watermark, bool, error) {
	var m models.Watermark
	err := s.pool.QueryRow(ctx, `
		SELECT work_item_id, last_seen FROM watermarks WHERE work_item_id = $1
	`, workItemID).Scan(&m.WorkItemID, &m.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Watermark{}, false, nil
	}
	if err != nil {
		return models.Watermark{}, false, fmt.Errorf("query watermark: %w", err)
	}
	return m, true, nil
}

// DeleteWatermark removes a work item's watermark. Deleting a missing row is
// not an error.
func (s *Store) DeleteWatermark(ctx context.Context, workItemID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM watermarks WHERE work_item_id = $1`, workItemID)
	if err != nil {
		return fmt.Errorf("delete watermark: %w", err)
	}
	return nil
}
