package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/ratify/internal/config"
	"github.com/pitabwire/ratify/internal/directory"
	"github.com/pitabwire/ratify/internal/idempotency"
	"github.com/pitabwire/ratify/internal/observability"
	"github.com/pitabwire/ratify/internal/threshold"
	"github.com/pitabwire/ratify/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Engine      *workflow.Engine
	Thresholds  *threshold.Registry
	Delegations *directory.Delegations
	Metrics     *observability.Metrics
	Readiness   observability.ReadinessChecks

	// Idempotency deduplicates keyed submissions. Nil disables it.
	Idempotency idempotency.Store

	// Authenticate overrides the JWT middleware built from Config.Auth.
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = JWTAuthenticator(cfg.Auth)
	}
	admin := RequireRole(cfg.Auth.AdminRole)

	r.Route("/v1", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Auth.ClaimPaths))
		r.Use(MaxBody(cfg.Server.MaxBodyBytes))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))

		r.Post("/documents:submit", handleSubmit(deps))
		r.Get("/inbox", handleInbox(deps.Engine))

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", handleListInstances(deps.Engine, cfg.Auth.AdminRole))
			r.Get("/{instanceId}", handleGetInstance(deps.Engine, cfg.Auth.AdminRole))
			r.Get("/{instanceId}/history", handleInstanceHistory(deps.Engine, cfg.Auth.AdminRole))
			r.Post("/{instanceId}/cancel", handleCancel(deps.Engine, cfg.Auth.AdminRole))

			r.Route("/{instanceId}/stages/{seq}", func(r chi.Router) {
				r.Post("/approve", handleApprove(deps.Engine))
				r.Post("/reject", handleReject(deps.Engine))
				r.Post("/delegate", handleDelegate(deps.Engine))
				r.Post("/escalate", handleEscalate(deps.Engine, cfg.Auth.AdminRole))
				r.With(admin).Post("/reassign", handleReassign(deps.Engine))
			})
		})

		r.Route("/thresholds", func(r chi.Router) {
			r.Use(admin)
			r.Get("/", handleListThresholds(deps.Thresholds))
			r.Post("/", handleCreateThreshold(deps.Thresholds))
			r.Get("/{thresholdId}", handleGetThreshold(deps.Thresholds))
			r.Put("/{thresholdId}", handleUpdateThreshold(deps.Thresholds))
			r.Delete("/{thresholdId}", handleDeleteThreshold(deps.Thresholds))
		})

		r.Route("/delegations", func(r chi.Router) {
			r.Use(admin)
			r.Get("/", handleListDelegations(deps.Delegations))
			r.Post("/", handleCreateDelegation(deps.Delegations))
			r.Get("/{delegationId}", handleGetDelegation(deps.Delegations))
			r.Put("/{delegationId}", handleUpdateDelegation(deps.Delegations))
			r.Delete("/{delegationId}", handleDeleteDelegation(deps.Delegations))
			r.Post("/{delegationId}/cancel", handleCancelDelegation(deps.Delegations))
		})
	})

	return r
}
