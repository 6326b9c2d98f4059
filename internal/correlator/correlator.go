// Package correlator consumes the downstream publish-event stream and turns
// matching events into watermark refreshes for in-flight work items. It never
// changes work-item status; that is the resolver's job.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"backfill-service/internal/models"
	"backfill-service/internal/telemetry"
)

// ItemSource lists the in-flight work items an event could match.
type ItemSource interface {
	ListInFlightForBackfill(ctx context.Context, tenant, backfillID string) ([]models.WorkItem, error)
}

// WatermarkSink records last-observed activity for a work item.
type WatermarkSink interface {
	UpsertWatermark(ctx context.Context, workItemID string, lastSeen time.Time) (bool, error)
}

// Correlator matches publish events to in-flight work items.
type Correlator struct {
	items ItemSource
	marks WatermarkSink
}

// New builds a correlator over the given stores.
func New(items ItemSource, marks WatermarkSink) *Correlator {
	return &Correlator{items: items, marks: marks}
}

// HandleEvent processes one raw stream message received at the given time.
// Malformed or irrelevant messages are logged and dropped with a nil return;
// only storage failures surface as errors, so the consumer can leave the
// message unacked for redelivery.
func (c *Correlator) HandleEvent(ctx context.Context, raw []byte, receivedAt time.Time) error {
	var ev models.PublishEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Printf("correlator: dropping unparseable event: %v", err)
		telemetry.EventsMalformed.Inc()
		return nil
	}

	// Only backfill-triggered events carry provenance worth correlating.
	if ev.DataTrigger != models.TriggerBackfill || ev.Metadata.BackfillRequest == nil {
		telemetry.EventsDiscarded.Inc()
		return nil
	}
	backfillID := ev.Metadata.BackfillRequest.BackfillID

	candidates, err := c.items.ListInFlightForBackfill(ctx, ev.TenantID, backfillID)
	if err != nil {
		return fmt.Errorf("list in-flight candidates: %w", err)
	}
	if len(candidates) == 0 {
		telemetry.EventsDiscarded.Inc()
		return nil
	}

	patientID, ok := subjectKey(&ev)
	if !ok {
		telemetry.EventsDiscarded.Inc()
		return nil
	}

	var matched *models.WorkItem
	for i := range candidates {
		if candidates[i].PatientID == patientID {
			matched = &candidates[i]
			break
		}
	}
	if matched == nil {
		// Normal: the event belongs to work not currently claimed.
		telemetry.EventsDiscarded.Inc()
		return nil
	}

	advanced, err := c.marks.UpsertWatermark(ctx, matched.ID, receivedAt)
	if err != nil {
		return fmt.Errorf("refresh watermark for item %s: %w", matched.ID, err)
	}
	telemetry.EventsMatched.Inc()
	if advanced {
		telemetry.WatermarkAdvances.Inc()
	}
	return nil
}
