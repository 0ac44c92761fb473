package httpapi

import (
	"expvar"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter registers HTTP routes and returns the handler with middleware.
func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(WithRequestID)
	r.Use(WithLogging)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONError(w, http.StatusNotFound, "not_found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})

	r.Route("/inventory", func(r chi.Router) {
		r.Get("/", app.getInventory)
		r.Put("/{item}", app.putInventoryItem)
		r.Put("/{item}/active", app.putItemActive)
	})
	r.Route("/bonus-stock", func(r chi.Router) {
		r.Get("/", app.getBonusStock)
		r.Put("/{reward}", app.putBonusStock)
	})
	r.Route("/clients", func(r chi.Router) {
		r.Post("/", app.postClient)
		r.Get("/{id}", app.getClient)
	})
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", app.postOrder)
		r.Get("/{id}", app.getOrder)
		r.Post("/{id}/fulfill", app.postFulfill)
		r.Post("/{id}/bonuses", app.postBonus)
		r.Post("/{id}/return", app.postReturn)
	})
	r.Post("/events", app.postEventsHandler)
	r.Get("/milestones", app.getMilestones)
	r.Get("/levels", app.getLevels)

	r.Get("/healthz", app.healthHandler)
	r.Get("/debug/metrics", app.metricsHandler)
	r.Handle("/debug/vars", expvar.Handler())
	r.Get("/openapi.yaml", app.openapiHandler)
	r.Get("/docs", app.docsHandler)
	return r
}
