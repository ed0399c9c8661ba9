/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. zapLogger:  Request logging through zap (method, path, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the back-office UI

ROUTE GROUPS:
  /api/periods/*     Batch generation and closing
  /api/employees/*   Per-employee records
  /api/records/*     Record closing and manual lines
  /api/lines/*       Overrides
  /api/tariffs/*     Tariff administration
  /api/concepts      Catalogue
  /api/scenarios/*   Demo scenarios
  /healthz           Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(zapLogger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Route("/periods/{year}/{month}", func(r chi.Router) {
			r.Post("/generate", h.GeneratePeriod)
			r.Post("/close", h.ClosePeriod)
			r.Get("/records", h.ListPeriodRecords)
		})

		r.Route("/employees/{id}/records/{year}/{month}", func(r chi.Router) {
			r.Get("/", h.GetEmployeeRecord)
			r.Post("/generate", h.GenerateEmployeeRecord)
		})

		r.Route("/records/{id}", func(r chi.Router) {
			r.Post("/close", h.CloseRecord)
			r.Post("/lines", h.AddLine)
		})

		r.Route("/lines/{id}", func(r chi.Router) {
			r.Patch("/", h.EditLine)
			r.Post("/revert", h.RevertLine)
		})

		r.Route("/tariffs", func(r chi.Router) {
			r.Get("/", h.ListTariffs)
			r.Post("/", h.CreateTariff)
			r.Get("/events", h.ListTariffEvents)
			r.Get("/resolve", h.ResolveTariff)
			r.Post("/{id}/deactivate", h.DeactivateTariff)
		})

		r.Get("/concepts", h.ListConcepts)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// zapLogger logs one line per request.
func zapLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
