// Package router assembles the ingest backend's HTTP surface: the
// project-scoped ingest endpoints behind the auth/throttle gate, plus
// health and metrics endpoints for operators, using the same ordered
// chi middleware chain convention (request id, recovery, structured
// request logging, body-size limit) the rest of this codebase's
// middleware package was adapted from.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/glitchtip/ingest/auth"
	"github.com/glitchtip/ingest/config"
	"github.com/glitchtip/ingest/handler"
	appmw "github.com/glitchtip/ingest/middleware"
)

// Deps bundles everything New needs to wire the ingest routes,
// collected once in main and passed down instead of threading each
// dependency through individual constructor parameters.
type Deps struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Gate    *auth.Gate
	Ingest  *handler.IngestHandler
	Metrics http.Handler
	Ready   func() error
}

// New builds the chi router: chi's own request-id and panic recovery
// middleware first, then this backend's structured request logger and
// body-size cap, then the route tree.
func New(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(appmw.RequestLogger(deps.Logger))
	r.Use(appmw.MaxBodySize(deps.Config.MaxBodyBytes))

	r.Get("/healthz", healthHandler(deps.Ready))
	r.Get("/readyz", healthHandler(deps.Ready))
	r.Handle("/metrics", deps.Metrics)

	r.Route("/api/{projectID}", func(pr chi.Router) {
		pr.Use(appmw.ProjectAuthMiddleware(deps.Gate, deps.Logger))
		pr.Post("/store/", deps.Ingest.Store)
		pr.Post("/envelope/", deps.Ingest.Envelope)
		pr.Post("/security/", deps.Ingest.Security)
	})

	return r
}

func healthHandler(ready func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		if err := ready(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
