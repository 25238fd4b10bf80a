package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/haywardsec/rulegate/internal/api/middleware"
	"github.com/haywardsec/rulegate/internal/deploy"
	"github.com/haywardsec/rulegate/internal/domain"
)

// CanaryHandler handles staged rollout control endpoints.
type CanaryHandler struct {
	executor *deploy.Executor
}

// NewCanaryHandler creates a new CanaryHandler.
func NewCanaryHandler(executor *deploy.Executor) *CanaryHandler {
	return &CanaryHandler{executor: executor}
}

// Advance moves a running canary to its next stage.
func (h *CanaryHandler) Advance(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.executor.AdvanceCanary)
}

// Pause pauses a running canary.
func (h *CanaryHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.executor.PauseCanary)
}

// Cancel cancels a canary and reverts every applied stage.
func (h *CanaryHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.executor.CancelCanary)
}

func (h *CanaryHandler) control(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, tenantID, deployID string) (*domain.Deployment, error)) {
	tenantID := middleware.TenantFromContext(r.Context())
	d, err := action(r.Context(), tenantID, chi.URLParam(r, "deploy_id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, &domain.CanaryControlResponse{
		DeployID:     d.ID,
		CanaryState:  d.Canary.State,
		CurrentStage: d.Canary.StagePercent,
		Message:      canaryMessage(d.Canary),
	})
}

func canaryMessage(c *domain.CanaryStatus) string {
	switch c.State {
	case domain.CanaryStateRunning:
		return fmt.Sprintf("canary running at %d%% coverage", c.StagePercent)
	case domain.CanaryStatePaused:
		return "canary paused"
	case domain.CanaryStateCompleted:
		return "rollout completed"
	case domain.CanaryStateCancelled:
		return "canary cancelled, applied stages reverted"
	case domain.CanaryStateFailed:
		return "canary failed, applied stages reverted"
	default:
		return c.State
	}
}
