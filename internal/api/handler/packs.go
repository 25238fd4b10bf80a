package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/haywardsec/rulegate/internal/api/middleware"
	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/packs"
	"github.com/haywardsec/rulegate/internal/planner"
	"github.com/haywardsec/rulegate/internal/storage"
)

// PackHandler handles rule pack endpoints.
type PackHandler struct {
	store   storage.Storage
	service *packs.Service
	planner *planner.Planner
}

// NewPackHandler creates a new PackHandler.
func NewPackHandler(store storage.Storage, service *packs.Service, planner *planner.Planner) *PackHandler {
	return &PackHandler{store: store, service: service, planner: planner}
}

// Upload ingests a pack bundle. Deduplicated re-uploads return 200 with
// the existing pack instead of 201.
func (h *PackHandler) Upload(w http.ResponseWriter, r *http.Request) {
	var bundle domain.UploadBundle
	if err := decodeJSON(r, &bundle); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeValidationError, "invalid request body")
		return
	}

	tenantID := middleware.TenantFromContext(r.Context())
	result, err := h.service.Upload(r.Context(), tenantID, &bundle, domain.PackSourceAPI)
	if err != nil {
		handleError(w, err)
		return
	}

	status := http.StatusCreated
	if !result.Created {
		status = http.StatusOK
	}
	respondJSON(w, status, uploadResponse(result))
}

func uploadResponse(result *packs.UploadResult) *domain.UploadPackResponse {
	resp := &domain.UploadPackResponse{
		PackID:  result.Pack.ID,
		Name:    result.Pack.Name,
		Version: result.Pack.Version,
		Items:   result.Pack.ItemCount,
		SHA256:  result.Pack.SHA256,
		Created: result.Created,
		Errors:  []string{},
	}
	for _, item := range result.Items {
		for _, msg := range item.Compile.Errors {
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %s", item.RuleID, msg))
		}
	}
	return resp
}

// List lists the tenant's packs, newest first.
func (h *PackHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())
	list, err := h.store.ListRulePacks(r.Context(), tenantID)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// Get gets a pack by id.
func (h *PackHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())
	pack, err := h.store.GetRulePack(r.Context(), tenantID, chi.URLParam(r, "pack_id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pack)
}

// Items lists a pack's items with their compile results.
func (h *PackHandler) Items(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())
	pack, err := h.store.GetRulePack(r.Context(), tenantID, chi.URLParam(r, "pack_id"))
	if err != nil {
		handleError(w, err)
		return
	}
	items, err := h.store.ListRulePackItems(r.Context(), pack.ID)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

// Plan diffs a pack against the tenant's live rules and persists the plan.
func (h *PackHandler) Plan(w http.ResponseWriter, r *http.Request) {
	var req domain.PlanRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, domain.ErrCodeValidationError, "invalid request body")
			return
		}
	}

	tenantID := middleware.TenantFromContext(r.Context())
	pack, err := h.store.GetRulePack(r.Context(), tenantID, chi.URLParam(r, "pack_id"))
	if err != nil {
		handleError(w, err)
		return
	}

	plan, err := h.planner.Plan(r.Context(), tenantID, pack, req)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}
