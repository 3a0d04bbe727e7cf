package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/metrics"
)

type RouterDeps struct {
	Jobs           *JobHandler
	Admin          *AdminHandler
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter mounts the submission and admin API.
func NewRouter(d RouterDeps) http.Handler {
	logger := logging.OrNop(d.Logger).Named("http")
	r := chi.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(corsHandler.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, logger, http.StatusOK, "ok", nil)
	})
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if d.Jobs != nil {
			r.Post("/jobs/{stage}", d.Jobs.Submit)
		}
		if d.Admin == nil {
			return
		}
		r.Route("/admin", func(r chi.Router) {
			r.Get("/pipeline/stats", d.Admin.Stats)
			r.Route("/images/{image_id}", func(r chi.Router) {
				r.Get("/", d.Admin.GetImageStatus)
				r.Post("/dispatch", d.Admin.DispatchImage)
			})
			r.Route("/faces/{face_id}", func(r chi.Router) {
				r.Put("/representative", d.Admin.ReassignRepresentative)
				r.Post("/confirm", d.Admin.ConfirmFace)
				r.Post("/reject", d.Admin.RejectFace)
			})
			r.Route("/people", func(r chi.Router) {
				r.Post("/recompute", d.Admin.RecomputeAll)
				r.Post("/{person_id}/recompute", d.Admin.RecomputePerson)
			})
		})
	})
	return r
}

// RequestLogger logs one line per request through zap.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
