package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router: ambient middleware, the session
// cookie, and one route group per workflow tab.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// CORS - allow credentials for the session cookie
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no session required)
	r.Get("/health", h.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(SessionMiddleware)

		h.RegisterPrepareRoutes(r)
		h.RegisterTemplateRoutes(r)
		h.RegisterSendRoutes(r)
		h.RegisterAdminRoutes(r)
	})

	return r
}
