package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"abobi.legal/advisor-service/internal/logging"
	"abobi.legal/advisor-service/internal/metrics"
)

func NewRouter(apiHandler *APIHandler, m *metrics.Collector, log *logrus.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(m.Middleware)

	r.Method(http.MethodGet, "/metrics", m.Handler())

	// All API routes are under /api. Callers are identified by wallet
	// address only.
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)

		r.Post("/chat", apiHandler.PostMessageHandler)
		r.Get("/history", apiHandler.HistoryHandler)

		r.Get("/profile", apiHandler.GetProfileHandler)
		r.Patch("/profile", apiHandler.PatchProfileHandler)

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", apiHandler.UploadDocumentHandler)
			r.Get("/", apiHandler.ListDocumentsHandler)
			r.Get("/{documentID}/content", apiHandler.DocumentContentHandler)
			r.Delete("/{documentID}", apiHandler.DeleteDocumentHandler)
		})
	})

	return r
}
