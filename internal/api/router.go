package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/calcqueue/internal/api/middleware"
	"github.com/kiranshivaraju/calcqueue/internal/api/response"
	"github.com/rs/cors"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Logger         *slog.Logger
	RateLimit      *mw.RateLimit
	AllowedOrigins []string

	HealthHandler    http.HandlerFunc
	SubmitHandler    http.HandlerFunc
	RunHandler       http.HandlerFunc
	UpdatesHandler   http.HandlerFunc
	StatusHandler    http.HandlerFunc
	ProgressHandler  http.HandlerFunc
	StreamHandler    http.HandlerFunc
	WebSocketHandler http.HandlerFunc
	WatchHandler     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(mw.Logger(logger))
	r.Use(mw.Recovery(logger))

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.StatusHandler))
	r.Get("/api/v1/progress", orNotImplemented(deps.ProgressHandler))
	r.Get("/api/v1/progress/stream", orNotImplemented(deps.StreamHandler))
	r.Get("/api/v1/progress/ws", orNotImplemented(deps.WebSocketHandler))
	r.Get("/api/v1/progress/watch", orNotImplemented(deps.WatchHandler))

	// Writes are rate limited per client address.
	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/calculations", orNotImplemented(deps.SubmitHandler))
		r.Post("/api/v1/jobs/{jobID}/run", orNotImplemented(deps.RunHandler))
		r.Post("/api/v1/jobs/updates", orNotImplemented(deps.UpdatesHandler))
	})

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	return c.Handler(r)
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
