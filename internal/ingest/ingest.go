// Package ingest runs one ingestion unit: fetch prices for a query, persist
// them and recompute the item's Summary in the same transaction.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/aggregate"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
)

// Status is the outcome of a successful ingestion call.
type Status string

const (
	// StatusOK means observations were recorded and the Summary recomputed.
	StatusOK Status = "ok"
	// StatusNoData means the provider found nothing; no row was written.
	StatusNoData Status = "no_data"
)

// Provider returns the current price observations for a query. An empty
// slice is a valid answer.
type Provider interface {
	Fetch(ctx context.Context, query string) ([]model.PricePoint, error)
}

// Result describes a completed ingestion.
type Result struct {
	Status   Status         `json:"status"`
	Query    string         `json:"query"`
	Item     *model.Item    `json:"item,omitempty"`
	Recorded int            `json:"recorded"`
	Summary  *model.Summary `json:"summary,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// Service wires the provider, store and aggregator together.
type Service struct {
	store    store.Store
	provider Provider
	agg      *aggregate.Aggregator
}

// NewService creates an ingestion Service.
func NewService(st store.Store, p Provider, agg *aggregate.Aggregator) *Service {
	return &Service{store: st, provider: p, agg: agg}
}

// Ingest fetches observations for query and records them. Validation and
// provider errors are returned before anything is written; storage errors
// arrive as *model.StorageError after the transaction rolled back.
func (s *Service) Ingest(ctx context.Context, query string) (*Result, error) {
	start := time.Now()

	name, err := model.ValidateName(query)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: validate query")
	}
	log := zap.L().With(zap.String("component", "ingest"), zap.String("query", name))

	points, err := s.provider.Fetch(ctx, name)
	if err != nil {
		if !model.IsProvider(err) {
			err = &model.ProviderError{Query: name, Err: err}
		}
		log.Warn("provider fetch failed", zap.Error(err))
		return nil, eris.Wrap(err, "ingest: fetch")
	}

	if len(points) == 0 {
		log.Info("no prices found")
		return &Result{Status: StatusNoData, Query: name, Duration: time.Since(start)}, nil
	}
	if err := model.ValidatePoints(points); err != nil {
		return nil, eris.Wrap(err, "ingest: validate observations")
	}

	item, err := s.store.EnsureItem(ctx, name)
	if err != nil {
		return nil, eris.Wrap(&model.StorageError{Op: "ensure item", Err: err}, "ingest: ensure item")
	}

	n, sum, err := s.RecordObservations(ctx, item.ID, points)
	if err != nil {
		return nil, err
	}

	log.Info("ingested observations",
		zap.String("item_id", item.ID),
		zap.Int("recorded", n),
		zap.String("average", sum.AveragePrice.String()),
		zap.Int("count", sum.ObservationCount),
	)
	return &Result{
		Status:   StatusOK,
		Query:    name,
		Item:     item,
		Recorded: n,
		Summary:  sum,
		Duration: time.Since(start),
	}, nil
}

// RecordObservations appends points to an existing item and recomputes its
// Summary as one transaction. Either both happen or neither does.
func (s *Service) RecordObservations(ctx context.Context, itemID string, points []model.PricePoint) (int, *model.Summary, error) {
	var (
		n   int
		sum *model.Summary
	)
	err := s.store.ItemTx(ctx, itemID, func(ctx context.Context, tx store.Tx) error {
		var err error
		if n, err = tx.RecordObservations(ctx, itemID, points); err != nil {
			return err
		}
		sum, err = s.agg.RecomputeTx(ctx, tx, itemID)
		return err
	})
	if err != nil {
		if model.IsValidation(err) || errors.Is(err, store.ErrItemNotFound) {
			return 0, nil, eris.Wrap(err, "ingest: record observations")
		}
		return 0, nil, eris.Wrap(&model.StorageError{Op: "record observations", Err: err}, "ingest: record observations")
	}
	return n, sum, nil
}

// Register creates the item without observations, so it appears in the read
// view with a null average.
func (s *Service) Register(ctx context.Context, name string) (*model.Item, error) {
	clean, err := model.ValidateName(name)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: validate name")
	}
	item, err := s.store.EnsureItem(ctx, clean)
	if err != nil {
		return nil, eris.Wrap(&model.StorageError{Op: "ensure item", Err: err}, "ingest: register")
	}
	return item, nil
}
