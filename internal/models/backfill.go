package models

import (
	"time"
)

// Work item and backfill statuses persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusInFlight  = "in_flight"
	StatusCompleted = "completed"
	StatusDeleted   = "deleted"
)

// Discovery queue statuses.
const (
	DiscoveryUndiscovered = "undiscovered"
	DiscoveryDiscovered   = "discovered"
	DiscoveryDeleted      = "deleted"
)

// Backfill is one request to re-process a bounded set of patient records.
// Immutable after creation except for the soft-delete flag.
type Backfill struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	StartDate        time.Time `json:"start_date"`
	EndDate          time.Time `json:"end_date"`
	AllowedResources []string  `json:"allowed_resources,omitempty"`
	Deleted          bool      `json:"-"`
	CreatedAt        time.Time `json:"created_at"`

	// Derived from the backfill's work items, not stored.
	Status      string     `json:"status,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// WorkItem is one patient's reprocessing unit within a backfill.
type WorkItem struct {
	ID         string    `json:"id"`
	BackfillID string    `json:"backfill_id"`
	TenantID   string    `json:"tenant_id"`
	PatientID  string    `json:"patient_id"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Watermark records the most recent evidence of downstream activity for an
// in-flight work item. It exists only while the item is in flight and is
// removed when the item resolves.
type Watermark struct {
	WorkItemID string    `json:"work_item_id"`
	LastSeen   time.Time `json:"last_seen"`
}

// DiscoveryEntry tracks a location awaiting patient expansion for a backfill.
type DiscoveryEntry struct {
	ID         string    `json:"id"`
	BackfillID string    `json:"backfill_id"`
	TenantID   string    `json:"tenant_id"`
	LocationID string    `json:"location_id"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DeriveBackfillStatus rolls a backfill's item statuses up into one value:
// a deleted backfill is deleted, a backfill with no items has not started,
// uniform items take their shared status, and mixed items mean work is still
// in flight.
func DeriveBackfillStatus(deleted bool, itemStatuses []string) string {
	if deleted {
		return StatusDeleted
	}
	if len(itemStatuses) == 0 {
		return StatusPending
	}
	distinct := make(map[string]struct{}, len(itemStatuses))
	for _, s := range itemStatuses {
		distinct[s] = struct{}{}
	}
	if len(distinct) == 1 {
		return itemStatuses[0]
	}
	return StatusInFlight
}
