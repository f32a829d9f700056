package routes

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/model-gateway/app"
	"github.com/upb/model-gateway/handlers"
	gwmiddleware "github.com/upb/model-gateway/middleware"
	"github.com/upb/model-gateway/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(gwmiddleware.RequestLogger(deps.Logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout(deps)))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := newHealthHandler(deps)
	dispatch := handlers.NewDispatchHandler(deps.Dispatcher, deps.Logger.Named("dispatch"))
	endpoints := handlers.NewEndpointHandler(deps.Registry, deps.Breakers, deps.Logger.Named("endpoints"))

	var history handlers.EvaluationHistory
	if deps.Journal != nil {
		history = deps.Journal
	}
	canaryHandler := handlers.NewCanaryHandler(deps.Evaluator, deps.CanaryLoop, history, deps.Logger.Named("canary"))

	r.Get("/health", health.HandleHealth)
	r.Get("/health/ready", health.HandleReadiness)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Prometheus, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/dispatch", dispatch.HandleDispatch)

		r.Get("/endpoints", endpoints.HandleList)
		r.Get("/endpoints/{id}", endpoints.HandleGet)
		r.Get("/endpoints/{id}/circuit", endpoints.HandleCircuit)

		r.Get("/canary/pairs", canaryHandler.HandlePairs)
		r.Get("/canary/history", canaryHandler.HandleHistory)

		// Operator routes change live routing
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole(gwmiddleware.RoleOperator))

			r.Put("/endpoints/{id}/weight", endpoints.HandleSetWeight)
			r.Put("/endpoints/{id}/status", endpoints.HandleSetStatus)
			r.Put("/families/{family}/weights", endpoints.HandleSetFamilyWeights)
			r.Post("/canary/evaluate", canaryHandler.HandleEvaluate)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, r, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed",
			fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path), nil)
	})

	return r
}

func newHealthHandler(deps *app.Dependencies) *handlers.HealthHandler {
	var db *sql.DB
	if deps.DB != nil {
		db = deps.DB.DB
	}
	h := handlers.NewHealthHandler(deps.Config.ServiceName, db, deps.Logger.Named("health"))

	h.AddCheck("providers", func(ctx context.Context) error {
		if len(deps.ProviderRegistry.Names()) == 0 {
			return fmt.Errorf("no provider configured")
		}
		return nil
	})
	if deps.Journal != nil {
		h.AddCheck("journal", func(ctx context.Context) error {
			if !deps.Journal.GetStats().Started {
				return fmt.Errorf("journal not running")
			}
			return nil
		})
	}
	return h
}

// requestTimeout leaves room for the dispatcher's own deadline to fire first.
func requestTimeout(deps *app.Dependencies) time.Duration {
	if t := deps.Config.Server.WriteTimeout; t > 0 {
		return t
	}
	return 90 * time.Second
}
