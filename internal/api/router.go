// Package api serves the read view and ingestion operations over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/ingest"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/store"
)

const (
	maxBodyBytes   = 1 << 20
	requestTimeout = 60 * time.Second
)

// Reader is the store surface the API reads from.
type Reader interface {
	store.ViewReader
	Ping(ctx context.Context) error
}

// Ingester runs ingestion and item registration.
type Ingester interface {
	Ingest(ctx context.Context, query string) (*ingest.Result, error)
	Register(ctx context.Context, name string) (*model.Item, error)
}

// Recomputer recomputes one item's Summary.
type Recomputer interface {
	Recompute(ctx context.Context, itemID string) (*model.Summary, error)
}

// ProviderStatus exposes the provider client's circuit breaker.
type ProviderStatus interface {
	BreakerState() resilience.BreakerState
}

// Deps are the collaborators the router dispatches to. Provider is optional.
type Deps struct {
	Reader      Reader
	Ingester    Ingester
	Recomputer  Recomputer
	Provider    ProviderStatus
	CORSOrigins []string
}

// NewRouter creates the API router with all endpoints registered.
func NewRouter(d Deps) http.Handler {
	h := &handler{reader: d.Reader, ingester: d.Ingester, recomputer: d.Recomputer, provider: d.Provider}

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/items", h.listItems)
		r.Post("/items", h.registerItem)
		r.Get("/items/{id}", h.getItem)
		r.Post("/items/{id}/recompute", h.recompute)
		r.Post("/ingest", h.ingest)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("component", "api"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
