package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/haywardsec/rulegate/internal/api/middleware"
	"github.com/haywardsec/rulegate/internal/deploy"
	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/storage"
)

// DeploymentHandler handles apply, rollback and deployment lookups.
type DeploymentHandler struct {
	store    storage.Storage
	executor *deploy.Executor
}

// NewDeploymentHandler creates a new DeploymentHandler.
func NewDeploymentHandler(store storage.Storage, executor *deploy.Executor) *DeploymentHandler {
	return &DeploymentHandler{store: store, executor: executor}
}

// Apply executes a plan against the tenant's live rules.
func (h *DeploymentHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req domain.ApplyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeValidationError, "invalid request body")
		return
	}

	tenantID := middleware.TenantFromContext(r.Context())
	packID := chi.URLParam(r, "pack_id")

	// The plan must belong to the pack in the path.
	if req.PlanID != "" {
		plan, err := h.store.GetPlan(r.Context(), tenantID, req.PlanID)
		if err != nil {
			handleError(w, err)
			return
		}
		if plan.PackID != packID {
			respondError(w, http.StatusBadRequest, domain.ErrCodeValidationError,
				fmt.Sprintf("plan %s does not belong to pack %s", req.PlanID, packID))
			return
		}
	}

	resp, err := h.executor.Apply(r.Context(), tenantID, req)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// List lists the tenant's deployments, newest first.
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())
	list, err := h.store.ListDeployments(r.Context(), tenantID)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// Get gets a deployment by id.
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())
	d, err := h.store.GetDeployment(r.Context(), tenantID, chi.URLParam(r, "deploy_id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// Rollback restores the before-images of an applied deployment.
func (h *DeploymentHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, domain.ErrCodeValidationError, "invalid request body")
			return
		}
	}

	tenantID := middleware.TenantFromContext(r.Context())
	resp, err := h.executor.Rollback(r.Context(), tenantID, chi.URLParam(r, "deploy_id"), req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Artifacts lists a deployment's audit artifacts in append order.
func (h *DeploymentHandler) Artifacts(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())
	deployID := chi.URLParam(r, "deploy_id")

	if _, err := h.store.GetDeployment(r.Context(), tenantID, deployID); err != nil {
		handleError(w, err)
		return
	}
	artifacts, err := h.store.ListArtifacts(r.Context(), tenantID, deployID)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, artifacts)
}
