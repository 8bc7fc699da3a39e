// Package aggregate derives per-item Summaries from stored observations. It is
// the only writer of summary rows.
package aggregate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
)

// AveragePlaces is the number of fractional digits kept in an average.
const AveragePlaces = model.PricePlaces

// defaultConcurrency bounds RecomputeAll.
const defaultConcurrency = 4

// Summarize computes the Summary of points. It reports false for an empty set,
// which has no Summary at all.
func Summarize(itemID string, points []model.PricePoint, now time.Time) (*model.Summary, bool) {
	if len(points) == 0 {
		return nil, false
	}

	total := decimal.Zero
	latest := points[0].ObservedAt
	for _, p := range points {
		total = total.Add(p.Price)
		if p.ObservedAt.After(latest) {
			latest = p.ObservedAt
		}
	}

	count := len(points)
	avg := total.Div(decimal.NewFromInt(int64(count))).RoundBank(AveragePlaces)

	return &model.Summary{
		ItemID:           itemID,
		AveragePrice:     avg,
		ObservationCount: count,
		LastObservedAt:   latest.UTC(),
		RecomputedAt:     now.UTC(),
		SchemaVersion:    model.ProjectionSchemaVersion,
	}, true
}

// Equivalent reports whether two summaries agree on every derived value. The
// recompute timestamp is ignored. Two nil summaries are equivalent.
func Equivalent(a, b *model.Summary) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.AveragePrice.Equal(b.AveragePrice) &&
		a.ObservationCount == b.ObservationCount &&
		a.LastObservedAt.Equal(b.LastObservedAt)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source used for recomputed_at.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithConcurrency sets how many items RecomputeAll processes at once.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// Aggregator recomputes summaries against a Store.
type Aggregator struct {
	store       store.Store
	now         func() time.Time
	concurrency int
}

// New creates an Aggregator.
func New(st store.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:       st,
		now:         time.Now,
		concurrency: defaultConcurrency,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RecomputeTx rebuilds the item's Summary from every observation visible in
// tx. The row is fully overwritten, or deleted when the item has no
// observations. It returns nil for the empty case.
func (a *Aggregator) RecomputeTx(ctx context.Context, tx store.Tx, itemID string) (*model.Summary, error) {
	points, err := tx.ListObservations(ctx, itemID)
	if err != nil {
		return nil, eris.Wrapf(err, "aggregate: load observations for %s", itemID)
	}

	sum, ok := Summarize(itemID, points, a.now())
	if !ok {
		if err := tx.DeleteSummary(ctx, itemID); err != nil {
			return nil, eris.Wrapf(err, "aggregate: clear summary for %s", itemID)
		}
		return nil, nil
	}

	if err := tx.UpsertSummary(ctx, *sum); err != nil {
		return nil, eris.Wrapf(err, "aggregate: write summary for %s", itemID)
	}
	return sum, nil
}

// Recompute runs RecomputeTx in its own transaction.
func (a *Aggregator) Recompute(ctx context.Context, itemID string) (*model.Summary, error) {
	var sum *model.Summary
	err := a.store.ItemTx(ctx, itemID, func(ctx context.Context, tx store.Tx) error {
		var err error
		sum, err = a.RecomputeTx(ctx, tx, itemID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// BackfillReport summarises a RecomputeAll run.
type BackfillReport struct {
	Items      int `json:"items"`
	Summarized int `json:"summarized"`
	Cleared    int `json:"cleared"`
	Failed     int `json:"failed"`
}

// RecomputeAll recomputes every item. A failing item is logged and counted
// without stopping the rest.
func (a *Aggregator) RecomputeAll(ctx context.Context) (*BackfillReport, error) {
	ids, err := a.store.ListItemIDs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "aggregate: list items")
	}

	log := zap.L().With(zap.String("component", "aggregate"))
	log.Info("recomputing all summaries",
		zap.Int("items", len(ids)),
		zap.Int("concurrency", a.concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	var summarized, cleared, failed atomic.Int64
	for _, id := range ids {
		g.Go(func() error {
			sum, err := a.Recompute(gctx, id)
			if err != nil {
				failed.Add(1)
				log.Error("recompute failed", zap.String("item_id", id), zap.Error(err))
				return nil
			}
			if sum == nil {
				cleared.Add(1)
			} else {
				summarized.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "aggregate: recompute all")
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "aggregate: recompute all")
	}

	report := &BackfillReport{
		Items:      len(ids),
		Summarized: int(summarized.Load()),
		Cleared:    int(cleared.Load()),
		Failed:     int(failed.Load()),
	}
	log.Info("recompute complete",
		zap.Int("summarized", report.Summarized),
		zap.Int("cleared", report.Cleared),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}
