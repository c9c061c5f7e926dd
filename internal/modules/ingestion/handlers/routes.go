package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all ingestion routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/ingestion", func(r chi.Router) {
		r.Post("/trigger", h.HandleTrigger)
		r.Post("/reprocess", h.HandleReprocess)
		r.Get("/runs", h.HandleListRuns)
		r.Get("/runs/{id}", h.HandleGetRun)
	})
}
