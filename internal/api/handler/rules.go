package handler

import (
	"net/http"

	"github.com/haywardsec/rulegate/internal/api/middleware"
	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/storage"
)

// LiveRuleHandler serves the tenant's live rule set.
type LiveRuleHandler struct {
	store storage.Storage
}

// NewLiveRuleHandler creates a new LiveRuleHandler.
func NewLiveRuleHandler(store storage.Storage) *LiveRuleHandler {
	return &LiveRuleHandler{store: store}
}

// List returns the live rules together with the tenant revision.
func (h *LiveRuleHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())

	rules, err := h.store.ListLiveRules(r.Context(), tenantID)
	if err != nil {
		handleError(w, err)
		return
	}
	revision, err := h.store.GetTenantRevision(r.Context(), tenantID)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, &domain.LiveRuleSet{
		TenantID: tenantID,
		Revision: revision,
		Rules:    rules,
	})
}
