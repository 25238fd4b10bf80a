package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/haywardsec/rulegate/internal/api/handler"
	"github.com/haywardsec/rulegate/internal/api/middleware"
	"github.com/haywardsec/rulegate/internal/deploy"
	"github.com/haywardsec/rulegate/internal/metrics"
	"github.com/haywardsec/rulegate/internal/packs"
	"github.com/haywardsec/rulegate/internal/planner"
	"github.com/haywardsec/rulegate/internal/runtime"
	"github.com/haywardsec/rulegate/internal/storage"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(
	store storage.Storage,
	rt runtime.Client,
	packService *packs.Service,
	plnr *planner.Planner,
	executor *deploy.Executor,
	m *metrics.Metrics,
	log *logrus.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(log))

	// Probes (no tenant scoping)
	r.Get("/health", healthHandler(store, rt))
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	// API routes (tenant-scoped, JSON Content-Type)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ContentType)
		r.Use(middleware.Tenant)

		packHandler := handler.NewPackHandler(store, packService, plnr)
		deployHandler := handler.NewDeploymentHandler(store, executor)
		canaryHandler := handler.NewCanaryHandler(executor)

		r.Post("/rule-packs/upload", packHandler.Upload)
		r.Get("/rule-packs", packHandler.List)

		// Static segment, so it must not fall through to {pack_id}.
		r.Route("/rule-packs/deployments", func(r chi.Router) {
			r.Get("/", deployHandler.List)
			r.Route("/{deploy_id}", func(r chi.Router) {
				r.Get("/", deployHandler.Get)
				r.Post("/rollback", deployHandler.Rollback)
				r.Get("/artifacts", deployHandler.Artifacts)
				r.Post("/canary/advance", canaryHandler.Advance)
				r.Post("/canary/pause", canaryHandler.Pause)
				r.Post("/canary/cancel", canaryHandler.Cancel)
			})
		})

		r.Route("/rule-packs/{pack_id}", func(r chi.Router) {
			r.Get("/", packHandler.Get)
			r.Get("/items", packHandler.Items)
			r.Post("/plan", packHandler.Plan)
			r.Post("/apply", deployHandler.Apply)
		})

		ruleHandler := handler.NewLiveRuleHandler(store)
		r.Get("/live-rules", ruleHandler.List)
	})

	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// healthHandler probes the backing store and the detection runtime.
func healthHandler(store storage.Storage, rt runtime.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status: "ok",
			Checks: map[string]string{"storage": "ok", "runtime": "ok"},
		}
		status := http.StatusOK
		if err := store.Ping(r.Context()); err != nil {
			resp.Checks["storage"] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		if err := rt.Health(r.Context()); err != nil {
			resp.Checks["runtime"] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}
}
