package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	jithttp "github.com/lunzai/arguspam-sub003/internal/jit/http"
	"github.com/lunzai/arguspam-sub003/internal/observability"
	"github.com/lunzai/arguspam-sub003/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	JITHandler *jithttp.Handler
	JobHandler *jobs.Handler
	Metrics    *observability.Metrics
	// ActorMiddleware resolves the caller; jithttp.RequireActor when nil.
	ActorMiddleware func(http.Handler) http.Handler
}

// NewRouter constructs the chi.Router with the engine API mounted.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.JITHandler != nil {
		actor := params.ActorMiddleware
		if actor == nil {
			actor = jithttp.RequireActor
		}
		r.Group(func(r chi.Router) {
			r.Use(actor)
			params.JITHandler.MountRoutes(r)
		})
	}

	return r
}
