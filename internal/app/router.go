package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/slotbook/slotbook/internal/businesses"
	"github.com/slotbook/slotbook/internal/observability"
	"github.com/slotbook/slotbook/internal/rbac"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	RBACHandler     *rbac.Handler
	BusinessHandler *businesses.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with slotbook defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/rbac", func(r chi.Router) {
		params.RBACHandler.MountRoutes(r)
	})
	if params.BusinessHandler != nil {
		r.Route("/api/businesses", func(r chi.Router) {
			params.BusinessHandler.MountRoutes(r)
		})
	}

	return r
}
