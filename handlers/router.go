package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Yulian302/lfusys-services-ingest/auth"
	"github.com/Yulian302/lfusys-services-ingest/logging"
)

const requestTimeout = 60 * time.Second

type RouterDeps struct {
	Uploads *UploadHandler
	Catalog *CatalogHandler
	Health  *HealthHandler

	JWT      *auth.JWTService
	Gatherer prometheus.Gatherer
	Logger   logging.Logger
}

// NewRouter wires the HTTP surface:
//   - GET /health, GET /health/ready - probes, unauthenticated
//   - GET /metrics - prometheus scrape endpoint
//   - POST /init-file-upload/{totalChunks}
//   - POST /create-chunk
//   - GET /files/{file_id}
//   - GET /content - catalog listing
//
// Upload routes are also served under /content and require a bearer token.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", deps.Health.Liveness)
		r.Get("/ready", deps.Health.Readiness)
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	uploadRoutes := func(r chi.Router) {
		r.Post("/init-file-upload/{totalChunks}", deps.Uploads.InitFileUpload)
		r.Post("/create-chunk", deps.Uploads.CreateChunk)
		r.Get("/files/{file_id}", deps.Uploads.GetFile)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.JWTAuth(deps.JWT))

		uploadRoutes(r)
		r.Route("/content", func(r chi.Router) {
			r.Get("/", deps.Catalog.List)
			uploadRoutes(r)
		})
	})

	return r
}

func requestLogger(l logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			args := []any{
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
			}

			// probes and scrapes are noisy
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				l.Debug("request completed", args...)
				return
			}
			if ww.Status() >= http.StatusInternalServerError {
				l.Warn("request completed", args...)
				return
			}
			l.Info("request completed", args...)
		})
	}
}
