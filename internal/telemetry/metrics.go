package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ClaimsIssued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "backfill_claims_issued_total", Help: "Non-empty batches leased to consumers"})
	ClaimsGated       = prometheus.NewCounter(prometheus.CounterOpts{Name: "backfill_claims_gated_total", Help: "Claims refused because a batch was already in flight"})
	ItemsLeased       = prometheus.NewCounter(prometheus.CounterOpts{Name: "backfill_items_leased_total", Help: "Work items transitioned to in_flight"})
	EventsMatched     = prometheus.NewCounter(prometheus.CounterOpts{Name: "backfill_events_matched_total", Help: "Stream events correlated to an in-flight work item"})
	EventsDiscarded   = prometheus.NewCounter(prometheus.CounterOpts{Name: "backfill_events_discarded_total", Help: "Stream events with no backfill relevance"})
	EventsMalformed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "backfill_events_malformed_total", Help: "Stream events that failed to parse"})
	WatermarkAdvances = prometheus.NewCounter(prometheus.CounterOpts{Name: "backfill_watermark_advances_total", Help: "Watermark rows created or moved forward"})
	ItemsResolved     = prometheus.NewCounter(prometheus.CounterOpts{Name: "backfill_items_resolved_total", Help: "Items promoted to completed by the resolver"})
	ReportsUploaded   = prometheus.NewCounter(prometheus.CounterOpts{Name: "backfill_reports_uploaded_total", Help: "Completion reports written to object storage"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "backfill_rate_limit_rejects_total", Help: "API requests rejected by the tenant rate limiter"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "backfill_inflight_items", Help: "Work items currently in flight"})
	StuckInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "backfill_stuck_inflight", Help: "Aged in-flight items that never produced a watermark"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ClaimsIssued,
			ClaimsGated,
			ItemsLeased,
			EventsMatched,
			EventsDiscarded,
			EventsMalformed,
			WatermarkAdvances,
			ItemsResolved,
			ReportsUploaded,
			RateLimitRejects,
			InFlightGauge,
			StuckInFlight,
		)
	})
	return promhttp.Handler()
}
