// Package mockscrape serves a stand-in for the price provider that returns
// randomized prices. It exists for local development and demos.
package mockscrape

import (
	"encoding/json"
	"hash/fnv"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config controls the shape of generated payloads.
type Config struct {
	MinPrices int
	MaxPrices int
	// Seed makes output reproducible. Zero seeds from the clock.
	Seed uint64
}

// Payload mirrors the provider contract, which carries prices as JSON
// numbers.
type Payload struct {
	Query     string    `json:"query"`
	Prices    []float64 `json:"prices"`
	Average   float64   `json:"average"`
	Timestamp string    `json:"timestamp"`
}

// Generator produces randomized prices around a base derived from the query,
// so the same query gives prices in a stable range.
type Generator struct {
	min, max int
	now      func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a Generator.
func NewGenerator(cfg Config) *Generator {
	if cfg.MinPrices < 0 {
		cfg.MinPrices = 0
	}
	if cfg.MaxPrices < cfg.MinPrices {
		cfg.MaxPrices = cfg.MinPrices
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Generator{
		min: cfg.MinPrices,
		max: cfg.MaxPrices,
		now: time.Now,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// basePrice maps a query to a price between 20 and 520.
func basePrice(query string) decimal.Decimal {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(query)))
	return decimal.NewFromInt(int64(20 + h.Sum32()%500))
}

// Generate builds a payload for query.
func (g *Generator) Generate(query string) Payload {
	g.mu.Lock()
	n := g.min
	if g.max > g.min {
		n += g.rng.IntN(g.max - g.min + 1)
	}
	factors := make([]float64, n)
	for i := range factors {
		factors[i] = 0.85 + g.rng.Float64()*0.3
	}
	g.mu.Unlock()

	base := basePrice(query)
	prices := make([]float64, n)
	total := decimal.Zero
	for i, f := range factors {
		p := base.Mul(decimal.NewFromFloat(f)).Round(2)
		if !p.IsPositive() {
			p = decimal.New(1, -2)
		}
		prices[i] = p.InexactFloat64()
		total = total.Add(p)
	}

	avg := decimal.Zero
	if n > 0 {
		avg = total.Div(decimal.NewFromInt(int64(n))).Round(2)
	}
	return Payload{
		Query:     query,
		Prices:    prices,
		Average:   avg.InexactFloat64(),
		Timestamp: g.now().UTC().Format(time.RFC3339),
	}
}

// NewRouter returns the mock provider's HTTP handler.
func NewRouter(g *Generator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Mock price provider is running"})
	})

	r.Get("/scrape", func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("query"))
		if query == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "query parameter is required"})
			return
		}
		p := g.Generate(query)
		zap.L().Debug("mock scrape",
			zap.String("component", "mockscrape"),
			zap.String("query", query),
			zap.Int("prices", len(p.Prices)),
		)
		writeJSON(w, http.StatusOK, p)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("mockscrape: encode response", zap.Error(err))
	}
}
