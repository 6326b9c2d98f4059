package resolver

import (
	"context"
	"testing"
	"time"

	"backfill-service/internal/models"
)

type fakeSweepStore struct {
	items     []models.WorkItem
	marks     map[string]time.Time
	backfills map[string]models.Backfill
}

func newFakeSweepStore() *fakeSweepStore {
	return &fakeSweepStore{
		marks:     make(map[string]time.Time),
		backfills: make(map[string]models.Backfill),
	}
}

func (f *fakeSweepStore) ListInFlight(context.Context) ([]models.WorkItem, error) {
	var out []models.WorkItem
	for _, it := range f.items {
		if it.Status == models.StatusInFlight {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeSweepStore) GetWatermark(_ context.Context, id string) (models.Watermark, bool, error) {
	t, ok := f.marks[id]
	if !ok {
		return models.Watermark{}, false, nil
	}
	return models.Watermark{WorkItemID: id, LastSeen: t}, true, nil
}

func (f *fakeSweepStore) MarkCompleted(_ context.Context, id string) (bool, error) {
	for i := range f.items {
		if f.items[i].ID == id && f.items[i].Status == models.StatusInFlight {
			f.items[i].Status = models.StatusCompleted
			delete(f.marks, id)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSweepStore) CountOutstanding(_ context.Context, backfillID string) (int64, error) {
	var n int64
	for _, it := range f.items {
		if it.BackfillID == backfillID && (it.Status == models.StatusPending || it.Status == models.StatusInFlight) {
			n++
		}
	}
	return n, nil
}

func (f *fakeSweepStore) CountStuckInFlight(context.Context, time.Duration) (int64, error) {
	var n int64
	for _, it := range f.items {
		if it.Status == models.StatusInFlight {
			if _, ok := f.marks[it.ID]; !ok {
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeSweepStore) GetBackfill(_ context.Context, id string) (models.Backfill, error) {
	return f.backfills[id], nil
}

func (f *fakeSweepStore) ItemRollup(_ context.Context, backfillID string) ([]string, *time.Time, error) {
	var statuses []string
	for _, it := range f.items {
		if it.BackfillID == backfillID {
			statuses = append(statuses, it.Status)
		}
	}
	return statuses, nil, nil
}

type recordingSink struct {
	uploads []models.Backfill
}

func (r *recordingSink) UploadCompletion(_ context.Context, b models.Backfill, _ map[string]int) error {
	r.uploads = append(r.uploads, b)
	return nil
}

func (f *fakeSweepStore) status(id string) string {
	for _, it := range f.items {
		if it.ID == id {
			return it.Status
		}
	}
	return ""
}

func TestSweepPromotesOnlyQuiescentItems(t *testing.T) {
	window := 10 * time.Second
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	st := newFakeSweepStore()
	st.items = []models.WorkItem{
		{ID: "quiet", BackfillID: "b1", TenantID: "t1", PatientID: "123", Status: models.StatusInFlight},
		{ID: "active", BackfillID: "b1", TenantID: "t1", PatientID: "456", Status: models.StatusInFlight},
		{ID: "silent", BackfillID: "b1", TenantID: "t1", PatientID: "789", Status: models.StatusInFlight},
	}
	st.marks["quiet"] = now.Add(-window - time.Second)
	st.marks["active"] = now.Add(-window + time.Second)
	// "silent" never got a watermark.

	r := New(st, nil, window, time.Minute, time.Hour)
	r.Sweep(context.Background(), now)

	if got := st.status("quiet"); got != models.StatusCompleted {
		t.Fatalf("quiet item should be promoted, status %s", got)
	}
	if _, ok := st.marks["quiet"]; ok {
		t.Fatalf("promoted item's watermark should be deleted")
	}
	if got := st.status("active"); got != models.StatusInFlight {
		t.Fatalf("recently active item must stay in flight, status %s", got)
	}
	if got := st.status("silent"); got != models.StatusInFlight {
		t.Fatalf("never-observed item must stay in flight, status %s", got)
	}
}

func TestSweepWindowBoundary(t *testing.T) {
	window := 10 * time.Second
	markAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	st := newFakeSweepStore()
	st.items = []models.WorkItem{{ID: "a", BackfillID: "b1", TenantID: "t1", PatientID: "123", Status: models.StatusInFlight}}
	st.marks["a"] = markAt

	r := New(st, nil, window, time.Minute, time.Hour)

	// Just inside the window: no promotion.
	r.Sweep(context.Background(), markAt.Add(window-time.Millisecond))
	if got := st.status("a"); got != models.StatusInFlight {
		t.Fatalf("item promoted before the window elapsed, status %s", got)
	}

	// Just past the window: promoted.
	r.Sweep(context.Background(), markAt.Add(window+time.Millisecond))
	if got := st.status("a"); got != models.StatusCompleted {
		t.Fatalf("item not promoted after the window elapsed, status %s", got)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	window := 10 * time.Second
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	st := newFakeSweepStore()
	st.items = []models.WorkItem{{ID: "a", BackfillID: "b1", TenantID: "t1", PatientID: "123", Status: models.StatusInFlight}}
	st.marks["a"] = now.Add(-time.Minute)

	r := New(st, nil, window, time.Minute, time.Hour)
	r.Sweep(context.Background(), now)
	r.Sweep(context.Background(), now.Add(time.Second))

	if got := st.status("a"); got != models.StatusCompleted {
		t.Fatalf("unexpected status %s", got)
	}
}

func TestSweepReportsWhenBackfillDrainsOut(t *testing.T) {
	window := 10 * time.Second
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	st := newFakeSweepStore()
	st.backfills["b1"] = models.Backfill{ID: "b1", TenantID: "t1"}
	st.items = []models.WorkItem{
		{ID: "a", BackfillID: "b1", TenantID: "t1", PatientID: "123", Status: models.StatusInFlight},
		{ID: "b", BackfillID: "b1", TenantID: "t1", PatientID: "456", Status: models.StatusCompleted},
	}
	st.marks["a"] = now.Add(-time.Minute)

	sink := &recordingSink{}
	r := New(st, sink, window, time.Minute, time.Hour)
	r.Sweep(context.Background(), now)

	if len(sink.uploads) != 1 {
		t.Fatalf("expected one completion report, got %d", len(sink.uploads))
	}
	if sink.uploads[0].ID != "b1" {
		t.Fatalf("report for wrong backfill %s", sink.uploads[0].ID)
	}
	if sink.uploads[0].Status != models.StatusCompleted {
		t.Fatalf("report status %s, want completed", sink.uploads[0].Status)
	}
}

func TestSweepHoldsReportWhileItemsRemain(t *testing.T) {
	window := 10 * time.Second
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	st := newFakeSweepStore()
	st.backfills["b1"] = models.Backfill{ID: "b1", TenantID: "t1"}
	st.items = []models.WorkItem{
		{ID: "a", BackfillID: "b1", TenantID: "t1", PatientID: "123", Status: models.StatusInFlight},
		{ID: "b", BackfillID: "b1", TenantID: "t1", PatientID: "456", Status: models.StatusPending},
	}
	st.marks["a"] = now.Add(-time.Minute)

	sink := &recordingSink{}
	r := New(st, sink, window, time.Minute, time.Hour)
	r.Sweep(context.Background(), now)

	if len(sink.uploads) != 0 {
		t.Fatalf("report uploaded while items are still outstanding")
	}
}
