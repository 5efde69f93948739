/**
 * @description
 * HTTP router setup for the settlement-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures authentication and CORS.
type RouterOptions struct {
	AdminJWTSecret string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers the settlement routes.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Settlement service is healthy"))
	})

	r.Post("/webhooks/signals", h.handleSignalWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(AdminAuthMiddleware(opts.AdminJWTSecret))

		r.Get("/flows", h.handleListFlows)
		r.Get("/flows/{id}", h.handleGetFlow)
		r.Post("/flows/{id}/steps/{stepId}/retry", h.handleRetryStep)
		r.Post("/flows/{id}/steps/{stepId}/requeue", h.handleRequeueStep)
	})

	return r
}
