// Package api implements the broker's HTTP surface: session lifecycle
// endpoints under /api/v1, plus the unauthenticated /-/health, /-/version,
// and /-/metrics operability endpoints.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sandboxbroker/sandboxd/internal/dockerengine"
	"github.com/sandboxbroker/sandboxd/internal/metrics"
	"github.com/sandboxbroker/sandboxd/internal/session"
)

// Server holds the dependencies every handler needs.
type Server struct {
	engine  *session.Engine
	docker  dockerengine.Engine
	apiKey  string
	version string

	// defaultNetworkEnabled is used when a start-session request omits
	// network_enabled, taken from the operator's DAIV_SANDBOX_NETWORK_ENABLED
	// setting.
	defaultNetworkEnabled bool
	metricsEnabled        bool
}

// New builds a Server. docker is used directly only for the health check's
// ping; all session operations go through engine.
func New(engine *session.Engine, docker dockerengine.Engine, apiKey, version string, defaultNetworkEnabled, metricsEnabled bool) *Server {
	return &Server{
		engine:                engine,
		docker:                docker,
		apiKey:                apiKey,
		version:               version,
		defaultNetworkEnabled: defaultNetworkEnabled,
		metricsEnabled:        metricsEnabled,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/-/health/", s.handleHealth)
	r.Get("/-/version/", s.handleVersion)
	if s.metricsEnabled {
		r.Handle("/-/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireAPIKey(s.apiKey))
		r.Post("/session/", s.handleStartSession)
		r.Post("/session/{id}/", s.handleRunSession)
		r.Delete("/session/{id}/", s.handleCloseSession)
	})

	return r
}
