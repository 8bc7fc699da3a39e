package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/aggregate"
	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/ingest"
	"github.com/sells-group/pricewatch/internal/provider"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/store"
)

// initStore opens the configured backend and applies the schema.
func initStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Driver {
	case "sqlite":
		st, err = store.NewSQLite(c.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.DatabaseURL, &store.PoolConfig{
			MaxConns: c.MaxConns,
			MinConns: c.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// newProvider builds the provider client from configuration.
func newProvider(c config.ProviderConfig) *provider.Client {
	policy := resilience.DefaultPolicy()
	policy.Attempts = c.MaxRetries + 1

	return provider.New(c.BaseURL,
		provider.WithTimeout(c.Timeout()),
		provider.WithRetry(policy),
		provider.WithRateLimit(c.RatePerSec, c.Burst),
		provider.WithBreaker(resilience.NewBreaker("provider",
			c.BreakerThreshold,
			time.Duration(c.BreakerCooldownSecs)*time.Second,
		)),
	)
}

// services bundles the components commands share.
type services struct {
	store    store.Store
	agg      *aggregate.Aggregator
	provider *provider.Client
	ingest   *ingest.Service
}

func initServices(ctx context.Context) (*services, error) {
	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	agg := aggregate.New(st)
	pc := newProvider(cfg.Provider)
	return &services{
		store:    st,
		agg:      agg,
		provider: pc,
		ingest:   ingest.NewService(st, pc, agg),
	}, nil
}

func (s *services) Close() error {
	return s.store.Close()
}
