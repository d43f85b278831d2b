package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the router with every route and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)
	r.Use(bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusNotFound, "NotFound", "no route for "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method+" not allowed on "+r.URL.Path)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Route("/stores", func(r chi.Router) {
			r.Get("/", s.handleListStores)
			r.Post("/", s.handleCreateStore)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetStore)
				r.Delete("/", s.handleDeleteStore)
				r.Put("/tune", s.handleTuneStore)
				r.Post("/samples", s.handleAppendSample)
				r.Get("/series", s.handleQuerySeries)
				r.Get("/failures", s.handleQueryFailures)
				r.Get("/summary", s.handleSummary)
				r.Get("/forecast", s.handleForecast)
				r.Post("/export", s.handleExport)
			})
		})

		r.Post("/cache/refresh", s.handleCacheRefresh)

		r.Route("/exports", func(r chi.Router) {
			r.Post("/query", s.handleExportQuery)
			r.Get("/{id}/stats", s.handleExportStats)
		})

		r.Route("/probes", func(r chi.Router) {
			r.Get("/", s.handleListProbes)
			r.Post("/", s.handleCreateProbe)
			r.Get("/{id}", s.handleGetProbe)
			r.Delete("/{id}", s.handleDeleteProbe)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Post("/", s.handleAddAlert)
			r.Delete("/{alertID}", s.handleRemoveAlert)
		})
	})

	return r
}
