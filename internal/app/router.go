// Package app wires configuration, adapters, and usecases into the running
// service.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resello/inspect3d/internal/adapter/httpserver"
	"github.com/resello/inspect3d/internal/adapter/observability"
	"github.com/resello/inspect3d/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints are rate limited per client IP. The analysis
	// endpoint can legitimately hold a connection for the full outer
	// deadline, so no request timeout middleware here; the server write
	// timeout is the backstop.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/inspect/fault_desc", srv.FaultDescHandler())
		wr.Post("/inspect/analyze_desc", srv.AnalyzeDescHandler())
		wr.Post("/recon/jobs", srv.CreateReconJobHandler())
	})

	r.Get("/recon/jobs/{productID}/status", srv.ReconStatusHandler())
	r.Get("/recon/queue", srv.ReconQueueHandler())
	r.Get("/recon/pub/{productID}/cloud.ply", srv.PointCloudHandler())
	r.Get("/v/{productID}", srv.ViewerHandler())
	r.Get("/v/rotate/{productID}", srv.ViewerRotateHandler())

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
