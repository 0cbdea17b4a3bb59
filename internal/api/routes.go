package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the admin API router. Health is public; record capture, the
// sync trigger, and queue observability require the API key.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.apiKey))
		r.Post("/api/v1/sync", h.TriggerSync)
		r.Get("/api/v1/queue/stats", h.QueueStats)

		r.Post("/api/v1/records/{entityType}", h.CreateRecord)
		r.Get("/api/v1/records/{entityType}/{localID}", h.GetRecord)
		r.Put("/api/v1/records/{entityType}/{localID}", h.UpdateRecord)
		r.Delete("/api/v1/records/{entityType}/{localID}", h.DeleteRecord)
	})

	return r
}
