package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the migration API router.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Server-Identity", "workbook-migrator-v1.0")
			next.ServeHTTP(w, req)
		})
	})

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/migration/multisheet", func(r chi.Router) {
		r.Post("/upload", h.UploadWorkbook)
		r.Get("/system/info", h.GetSystemInfo)

		r.Route("/{jobId}", func(r chi.Router) {
			r.Get("/progress", h.GetProgress)
			r.Get("/sheets", h.GetSheets)
			r.Get("/sheet/{name}", h.GetSheet)
			r.Get("/errors", h.GetRowErrors)
			r.Delete("/cancel", h.CancelJob)
			r.Delete("/staging", h.CleanupStaging)
		})
	})

	return r
}
