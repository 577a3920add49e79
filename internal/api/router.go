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
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Peer links (no auth: federation trust is transport-level)
	r.Get("/peers", s.handlePeers)

	// Device API
	r.Route("/dapi", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/{id}/{ident}", s.handleDeviceGet)
		r.Put("/{id}/{ident}", s.handleDevicePut)
		r.Post("/{id}/{ident}", s.handleDevicePost)
	})

	// Administrative routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/devices", s.handleListDevices)
	})

	return r
}
