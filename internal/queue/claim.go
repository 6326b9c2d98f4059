// Package queue implements the claim manager: it hands out a bounded,
// exclusive batch of pending work items per tenant and applies the
// single-in-flight-batch admission rule.
package queue

import (
	"context"
	"fmt"

	"backfill-service/internal/models"
	"backfill-service/internal/telemetry"
)

// ItemStore is the persistence surface the claim manager needs. *store.Store
// satisfies it; tests substitute fakes.
type ItemStore interface {
	ClaimBatch(ctx context.Context, tenant string, maxSize int) ([]models.WorkItem, error)
	MarkCompleted(ctx context.Context, id string) (bool, error)
	MarkDeleted(ctx context.Context, id string) (bool, error)
}

// Manager issues exclusive work-item leases.
type Manager struct {
	store            ItemStore
	defaultBatchSize int
}

// NewManager builds a claim manager over the given store.
func NewManager(store ItemStore, defaultBatchSize int) *Manager {
	if defaultBatchSize <= 0 {
		defaultBatchSize = 100
	}
	return &Manager{store: store, defaultBatchSize: defaultBatchSize}
}

// ClaimBatch leases up to maxSize pending items for the tenant. A zero
// maxSize uses the configured default. An empty result is the normal outcome
// while a previous batch for the tenant is still in flight; it is not an
// error.
func (m *Manager) ClaimBatch(ctx context.Context, tenant string, maxSize int) ([]models.WorkItem, error) {
	if maxSize < 0 {
		return nil, fmt.Errorf("claim batch size must be non-negative, got %d", maxSize)
	}
	if maxSize == 0 {
		maxSize = m.defaultBatchSize
	}
	batch, err := m.store.ClaimBatch(ctx, tenant, maxSize)
	if err != nil {
		return nil, fmt.Errorf("claim batch for tenant %s: %w", tenant, err)
	}
	if len(batch) == 0 {
		telemetry.ClaimsGated.Inc()
		return nil, nil
	}
	telemetry.ClaimsIssued.Inc()
	telemetry.ItemsLeased.Add(float64(len(batch)))
	telemetry.InFlightGauge.Add(float64(len(batch)))
	return batch, nil
}

// MarkCompleted applies the completed terminal transition directly, bypassing
// the resolver. Repeating the call once the item is terminal is a no-op.
func (m *Manager) MarkCompleted(ctx context.Context, id string) error {
	if _, err := m.store.MarkCompleted(ctx, id); err != nil {
		return fmt.Errorf("mark work item %s completed: %w", id, err)
	}
	return nil
}

// MarkDeleted applies the deleted terminal transition. Idempotent like
// MarkCompleted.
func (m *Manager) MarkDeleted(ctx context.Context, id string) error {
	if _, err := m.store.MarkDeleted(ctx, id); err != nil {
		return fmt.Errorf("mark work item %s deleted: %w", id, err)
	}
	return nil
}
