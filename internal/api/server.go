package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"backfill-service/internal/config"
	"backfill-service/internal/models"
	"backfill-service/internal/ratelimit"
	"backfill-service/internal/store"
	"backfill-service/internal/telemetry"
)

// BackfillStore is the persistence surface the API needs. *store.Store
// satisfies it; handler tests substitute fakes.
type BackfillStore interface {
	CreateBackfill(ctx context.Context, p store.CreateBackfillParams) (string, error)
	GetBackfill(ctx context.Context, id string) (models.Backfill, error)
	ListBackfills(ctx context.Context, tenant string, descending bool, limit int, afterID string) ([]models.Backfill, error)
	ItemRollup(ctx context.Context, backfillID string) ([]string, *time.Time, error)
	SoftDeleteBackfill(ctx context.Context, id string) error
	InsertWorkItems(ctx context.Context, backfillID, tenant string, patientIDs []string) ([]string, error)
	GetWorkItem(ctx context.Context, id string) (models.WorkItem, error)
	ListWorkItemsByBackfill(ctx context.Context, backfillID string) ([]models.WorkItem, error)
	ListDiscoveryEntries(ctx context.Context, tenant, status, backfillID string) ([]models.DiscoveryEntry, error)
	GetDiscoveryEntry(ctx context.Context, id string) (models.DiscoveryEntry, error)
	UpdateDiscoveryStatus(ctx context.Context, id, status string) error
}

// Claimer leases and resolves work items.
type Claimer interface {
	ClaimBatch(ctx context.Context, tenant string, maxSize int) ([]models.WorkItem, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkDeleted(ctx context.Context, id string) error
}

// Server wires HTTP handlers for the backfill API.
type Server struct {
	cfg     config.Config
	store   BackfillStore
	claims  Claimer
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st BackfillStore, claims Claimer, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		claims:  claims,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/backfills", s.handleCreateBackfill)
	r.Get("/backfills", s.handleListBackfills)
	r.Get("/backfills/{id}", s.handleGetBackfill)
	r.Delete("/backfills/{id}", s.handleDeleteBackfill)
	r.Post("/backfills/{id}/queue", s.handleSubmitWorkItems)
	r.Get("/backfills/{id}/queue", s.handleListWorkItems)

	r.Get("/queue", s.handleClaim)
	r.Get("/queue/{id}", s.handleGetWorkItem)
	r.Patch("/queue/{id}", s.handleCompleteWorkItem)
	r.Delete("/queue/{id}", s.handleDeleteWorkItem)

	r.Get("/discovery", s.handleListDiscovery)
	r.Get("/discovery/{id}", s.handleGetDiscovery)
	r.Patch("/discovery/{id}", s.handleUpdateDiscovery)
	r.Delete("/discovery/{id}", s.handleDeleteDiscovery)

	return r
}

type createBackfillRequest struct {
	TenantID         string    `json:"tenant_id"`
	StartDate        time.Time `json:"start_date"`
	EndDate          time.Time `json:"end_date"`
	AllowedResources []string  `json:"allowed_resources"`
	LocationIDs      []string  `json:"location_ids"`
	PatientIDs       []string  `json:"patient_ids"`
}

func (s *Server) handleCreateBackfill(w http.ResponseWriter, r *http.Request) {
	var req createBackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	if len(req.LocationIDs) == 0 && len(req.PatientIDs) == 0 {
		http.Error(w, "at least one location or patient is required", http.StatusBadRequest)
		return
	}
	for _, kind := range req.AllowedResources {
		if !models.IsKnownResourceType(kind) {
			http.Error(w, fmt.Sprintf("unknown resource type %q", kind), http.StatusBadRequest)
			return
		}
	}
	// Completion is always keyed by patients, so the patient kind must stay
	// in any restricted resource set.
	if len(req.AllowedResources) > 0 && !contains(req.AllowedResources, models.ResourceTypePatient) {
		req.AllowedResources = append(req.AllowedResources, models.ResourceTypePatient)
	}

	if !s.allow(w, r, req.TenantID) {
		return
	}

	id, err := s.store.CreateBackfill(r.Context(), store.CreateBackfillParams{
		TenantID:         req.TenantID,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		AllowedResources: req.AllowedResources,
		LocationIDs:      req.LocationIDs,
		PatientIDs:       req.PatientIDs,
	})
	if err != nil {
		http.Error(w, "failed to create backfill", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListBackfills(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	if tenant == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	descending := r.URL.Query().Get("order") == "desc"
	limit := queryInt(r, "limit", 20)
	after := r.URL.Query().Get("after")

	backfills, err := s.store.ListBackfills(r.Context(), tenant, descending, limit, after)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown cursor", http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to list backfills", http.StatusInternalServerError)
		return
	}
	for i := range backfills {
		s.decorate(r.Context(), &backfills[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"backfills": backfills})
}

func (s *Server) handleGetBackfill(w http.ResponseWriter, r *http.Request) {
	backfill, err := s.store.GetBackfill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.decorate(r.Context(), &backfill)
	writeJSON(w, http.StatusOK, backfill)
}

func (s *Server) handleDeleteBackfill(w http.ResponseWriter, r *http.Request) {
	err := s.store.SoftDeleteBackfill(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "backfill not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to delete backfill", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type submitWorkItemsRequest struct {
	PatientIDs []string `json:"patient_ids"`
}

func (s *Server) handleSubmitWorkItems(w http.ResponseWriter, r *http.Request) {
	backfillID := chi.URLParam(r, "id")
	var req submitWorkItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.PatientIDs) == 0 {
		http.Error(w, "patient_ids is required", http.StatusBadRequest)
		return
	}

	backfill, err := s.store.GetBackfill(r.Context(), backfillID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "backfill not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load backfill", http.StatusInternalServerError)
		return
	}

	ids, err := s.store.InsertWorkItems(r.Context(), backfillID, backfill.TenantID, req.PatientIDs)
	if err != nil {
		http.Error(w, "failed to queue patients", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ids": ids})
}

func (s *Server) handleListWorkItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListWorkItemsByBackfill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "failed to list queue entries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": items})
}

// handleClaim leases the tenant's next batch. An empty batch means either
// nothing is pending or a previous batch is still in flight; both are normal.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	if tenant == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	maxSize := queryInt(r, "max", 0)
	if maxSize < 0 {
		http.Error(w, "max must be non-negative", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r, tenant) {
		return
	}

	batch, err := s.claims.ClaimBatch(r.Context(), tenant, maxSize)
	if err != nil {
		http.Error(w, "failed to claim batch", http.StatusInternalServerError)
		return
	}
	if batch == nil {
		batch = []models.WorkItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": batch})
}

func (s *Server) handleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetWorkItem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "queue entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load queue entry", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCompleteWorkItem(w http.ResponseWriter, r *http.Request) {
	if err := s.claims.MarkCompleted(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, "failed to complete queue entry", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleDeleteWorkItem(w http.ResponseWriter, r *http.Request) {
	if err := s.claims.MarkDeleted(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, "failed to delete queue entry", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleListDiscovery(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	if tenant == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	entries, err := s.store.ListDiscoveryEntries(r.Context(), tenant, r.URL.Query().Get("status"), r.URL.Query().Get("backfill_id"))
	if err != nil {
		http.Error(w, "failed to list discovery entries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleGetDiscovery(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetDiscoveryEntry(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "discovery entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load discovery entry", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type updateDiscoveryRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateDiscovery(w http.ResponseWriter, r *http.Request) {
	var req updateDiscoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Status != models.DiscoveryUndiscovered && req.Status != models.DiscoveryDiscovered && req.Status != models.DiscoveryDeleted {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if err := s.store.UpdateDiscoveryStatus(r.Context(), chi.URLParam(r, "id"), req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "discovery entry not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to update discovery entry", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleDeleteDiscovery(w http.ResponseWriter, r *http.Request) {
	err := s.store.UpdateDiscoveryStatus(r.Context(), chi.URLParam(r, "id"), models.DiscoveryDeleted)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "discovery entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to delete discovery entry", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// decorate fills a backfill's derived status and last-updated from its items.
func (s *Server) decorate(ctx context.Context, b *models.Backfill) {
	statuses, last, err := s.store.ItemRollup(ctx, b.ID)
	if err != nil {
		return
	}
	b.Status = models.DeriveBackfillStatus(b.Deleted, statuses)
	b.LastUpdated = last
}

// allow applies the per-tenant rate limit, writing the rejection itself.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, tenant string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+tenant)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
