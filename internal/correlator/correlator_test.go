package correlator

import (
	"context"
	"testing"
	"time"

	"backfill-service/internal/models"
)

type fakeItemSource struct {
	items []models.WorkItem
	calls int
}

func (f *fakeItemSource) ListInFlightForBackfill(_ context.Context, tenant, backfillID string) ([]models.WorkItem, error) {
	f.calls++
	var out []models.WorkItem
	for _, it := range f.items {
		if it.TenantID == tenant && it.BackfillID == backfillID {
			out = append(out, it)
		}
	}
	return out, nil
}

// fakeWatermarkSink applies the same monotonic rule as the SQL upsert.
type fakeWatermarkSink struct {
	marks map[string]time.Time
}

func (f *fakeWatermarkSink) UpsertWatermark(_ context.Context, id string, lastSeen time.Time) (bool, error) {
	if f.marks == nil {
		f.marks = make(map[string]time.Time)
	}
	if existing, ok := f.marks[id]; ok && !existing.Before(lastSeen) {
		return false, nil
	}
	f.marks[id] = lastSeen
	return true, nil
}

func inFlightItem(id, tenant, backfill, patient string) models.WorkItem {
	return models.WorkItem{ID: id, TenantID: tenant, BackfillID: backfill, PatientID: patient, Status: models.StatusInFlight}
}

func TestHandleEventMalformedIsSwallowed(t *testing.T) {
	items := &fakeItemSource{}
	sink := &fakeWatermarkSink{}
	c := New(items, sink)

	if err := c.HandleEvent(context.Background(), []byte("{not json"), time.Now()); err != nil {
		t.Fatalf("malformed event must not error, got %v", err)
	}
	if items.calls != 0 {
		t.Fatalf("malformed event must not hit the store")
	}
}

func TestHandleEventIgnoresNonBackfillTriggers(t *testing.T) {
	items := &fakeItemSource{items: []models.WorkItem{inFlightItem("a", "t1", "b1", "123")}}
	sink := &fakeWatermarkSink{}
	c := New(items, sink)

	raw := []byte(`{"tenant_id":"t1","resource_type":"Patient","data_trigger":"nightly","resource_json":{"id":"123"},"metadata":{"backfill_request":{"backfill_id":"b1"}}}`)
	if err := c.HandleEvent(context.Background(), raw, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.marks) != 0 {
		t.Fatalf("non-backfill event must not touch watermarks")
	}
}

func TestHandleEventMatchesDirectPatientResource(t *testing.T) {
	items := &fakeItemSource{items: []models.WorkItem{
		inFlightItem("a", "t1", "b1", "123"),
		inFlightItem("b", "t1", "b1", "456"),
	}}
	sink := &fakeWatermarkSink{}
	c := New(items, sink)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	raw := []byte(`{"tenant_id":"t1","resource_type":"Patient","data_trigger":"backfill","resource_json":{"id":"123"},"metadata":{"backfill_request":{"backfill_id":"b1"}}}`)
	if err := c.HandleEvent(context.Background(), raw, at); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, ok := sink.marks["a"]; !ok || !got.Equal(at) {
		t.Fatalf("expected watermark for item a at %s, got %v (present=%v)", at, got, ok)
	}
	if _, ok := sink.marks["b"]; ok {
		t.Fatalf("item b must not be touched")
	}
}

func TestHandleEventMatchesUpstreamPatientReference(t *testing.T) {
	items := &fakeItemSource{items: []models.WorkItem{inFlightItem("a", "t1", "b1", "123")}}
	sink := &fakeWatermarkSink{}
	c := New(items, sink)

	// Derived resource; the upstream patient reference is tenant-localized.
	raw := []byte(`{"tenant_id":"t1","resource_type":"Condition","data_trigger":"backfill","resource_json":{"id":"cond-9"},"metadata":{"backfill_request":{"backfill_id":"b1"},"upstream_references":[{"resource_type":"Appointment","id":"t1-appt-1"},{"resource_type":"Patient","id":"t1-123"}]}}`)
	if err := c.HandleEvent(context.Background(), raw, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sink.marks["a"]; !ok {
		t.Fatalf("expected upstream patient reference to match item a")
	}
}

func TestHandleEventUnmatchedPatientIsDiscarded(t *testing.T) {
	items := &fakeItemSource{items: []models.WorkItem{inFlightItem("a", "t1", "b1", "123")}}
	sink := &fakeWatermarkSink{}
	c := New(items, sink)

	raw := []byte(`{"tenant_id":"t1","resource_type":"Patient","data_trigger":"backfill","resource_json":{"id":"999"},"metadata":{"backfill_request":{"backfill_id":"b1"}}}`)
	if err := c.HandleEvent(context.Background(), raw, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.marks) != 0 {
		t.Fatalf("unmatched patient must not create a watermark")
	}
}

func TestHandleEventWatermarkIsMonotonic(t *testing.T) {
	items := &fakeItemSource{items: []models.WorkItem{inFlightItem("a", "t1", "b1", "123")}}
	sink := &fakeWatermarkSink{}
	c := New(items, sink)

	raw := []byte(`{"tenant_id":"t1","resource_type":"Patient","data_trigger":"backfill","resource_json":{"id":"123"},"metadata":{"backfill_request":{"backfill_id":"b1"}}}`)
	t1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	// Later event first, then a stale redelivery.
	if err := c.HandleEvent(context.Background(), raw, t2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.HandleEvent(context.Background(), raw, t1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sink.marks["a"]; !got.Equal(t2) {
		t.Fatalf("watermark regressed: got %s want %s", got, t2)
	}
}

func TestSubjectKeyMissingReference(t *testing.T) {
	ev := &models.PublishEvent{
		TenantID:     "t1",
		ResourceType: "Observation",
		Metadata: models.EventMetadata{
			UpstreamReferences: []models.UpstreamReference{{ResourceType: "Encounter", ID: "t1-enc-1"}},
		},
	}
	if key, ok := subjectKey(ev); ok {
		t.Fatalf("expected no subject key, got %q", key)
	}
}
