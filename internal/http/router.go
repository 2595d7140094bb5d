package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts every route. gatherer backs /metrics and may be nil.
func NewRouter(h *Handlers, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(h.RequestLoggingMiddleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.CORSMiddleware)
	r.Use(h.MetricsMiddleware)

	r.Get("/healthz", h.HandleHealthz)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/tiles/{z}/{x}/{tile}", h.HandleTile)
	r.Head("/tiles/{z}/{x}/{tile}", h.HandleTile)

	r.Put("/protected", h.HandleProtected)
	r.Get("/network", h.HandleGetNetwork)
	r.Post("/network", h.HandleSetNetwork)
	r.Get("/stats", h.HandleStats)
	r.Post("/stats/reset", h.HandleResetStats)

	if h.jobs != nil {
		// status polling stays unlimited
		limit := httprate.LimitByIP(h.opts.BulkRateLimit, time.Minute)
		r.Route("/bulk", func(r chi.Router) {
			r.With(limit).Post("/download", h.HandleBulkDownload)
			r.With(limit).Post("/clean", h.HandleBulkClean)
			r.Get("/{id}", h.HandleBulkJob)
		})
	}

	return r
}
