package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	// Device control
	r.Route("/tuya", func(r chi.Router) {
		r.Post("/command", s.handleTuyaCommand)
		r.Get("/devices", s.handleTuyaDevices)
		r.Post("/sync", s.handleTuyaSync)
	})

	// Settings
	r.Get("/site", s.handleGetSite)
	r.Put("/site", s.handleUpdateSite)

	r.Route("/devices", func(r chi.Router) {
		r.Get("/", s.handleListDevices)
		r.Put("/{id}", s.handlePutDevice)
		r.Delete("/{id}", s.handleDeleteDevice)
	})

	r.Get(s.wsPath(), s.handleWebSocket)

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}

// handleHealth reports liveness and the site name. It never touches the
// network or the database.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"site":   s.site.SiteName(),
	})
}
