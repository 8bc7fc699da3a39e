package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/aggregate"
	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
)

var t0 = time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "mon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func pts(prices ...int64) []model.PricePoint {
	out := make([]model.PricePoint, len(prices))
	for i, p := range prices {
		out[i] = model.PricePoint{Price: decimal.NewFromInt(p), ObservedAt: t0.Add(time.Duration(i) * time.Second)}
	}
	return out
}

// seed creates an item, optionally records observations and recomputes, and
// optionally overwrites the summary with a stale one afterwards.
func seed(t *testing.T, st store.Store, name string, points []model.PricePoint, recompute bool, stale *model.Summary) string {
	t.Helper()
	ctx := context.Background()
	it, err := st.EnsureItem(ctx, name)
	require.NoError(t, err)

	err = st.ItemTx(ctx, it.ID, func(ctx context.Context, tx store.Tx) error {
		if len(points) > 0 {
			if _, err := tx.RecordObservations(ctx, it.ID, points); err != nil {
				return err
			}
		}
		if recompute {
			if _, err := aggregate.New(st).RecomputeTx(ctx, tx, it.ID); err != nil {
				return err
			}
		}
		if stale != nil {
			s := *stale
			s.ItemID = it.ID
			return tx.UpsertSummary(ctx, s)
		}
		return nil
	})
	require.NoError(t, err)
	return it.ID
}

func staleSummary(avg int64, count int) *model.Summary {
	return &model.Summary{
		AveragePrice: decimal.NewFromInt(avg), ObservationCount: count,
		LastObservedAt: t0, RecomputedAt: t0, SchemaVersion: 1,
	}
}

func TestCollect_Healthy(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "consistent", pts(10, 20), true, nil)
	seed(t, st, "registered only", nil, false, nil)

	snap, err := NewCollector(st).Collect(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Healthy())
	assert.Equal(t, 2, snap.Items)
	assert.Equal(t, 2, snap.Observations)
	assert.Equal(t, 1, snap.Summaries)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollect_DetectsDrift(t *testing.T) {
	st := newTestStore(t)
	missing := seed(t, st, "missing", pts(10), false, nil)
	orphan := seed(t, st, "orphan", nil, false, staleSummary(5, 1))
	stale := seed(t, st, "legacy count", pts(10, 20, 30), false, staleSummary(20, 1))

	snap, err := NewCollector(st).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Drifted, 3)

	byID := map[string]Drift{}
	for _, d := range snap.Drifted {
		byID[d.ItemID] = d
	}
	assert.Equal(t, DriftMissing, byID[missing].Kind)
	assert.NotNil(t, byID[missing].Expected)
	assert.Equal(t, DriftOrphan, byID[orphan].Kind)
	assert.Nil(t, byID[orphan].Expected)
	assert.Equal(t, DriftStale, byID[stale].Kind)
	assert.Equal(t, 1, byID[stale].Stored.ObservationCount)
	assert.Equal(t, 3, byID[stale].Expected.ObservationCount)
}

type countingRecomputer struct {
	inner *aggregate.Aggregator
	calls int
}

func (c *countingRecomputer) Recompute(ctx context.Context, itemID string) (*model.Summary, error) {
	c.calls++
	return c.inner.Recompute(ctx, itemID)
}

func TestCheck_Repairs(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "ok", pts(1), true, nil)
	seed(t, st, "orphan", nil, false, staleSummary(5, 1))
	seed(t, st, "legacy count", pts(10, 20, 30), false, staleSummary(20, 1))

	rc := &countingRecomputer{inner: aggregate.New(st)}
	checker := NewChecker(NewCollector(st), rc, config.MonitoringConfig{Repair: true})

	snap, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Drifted, 2)
	assert.Equal(t, 2, rc.calls)

	after, err := NewCollector(st).Collect(context.Background())
	require.NoError(t, err)
	assert.True(t, after.Healthy())
}

func TestCheck_ReportOnly(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "legacy count", pts(10, 20), false, staleSummary(10, 1))

	rc := &countingRecomputer{inner: aggregate.New(st)}
	checker := NewChecker(NewCollector(st), rc, config.MonitoringConfig{})

	snap, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Drifted, 1)
	assert.Zero(t, rc.calls)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	checker := NewChecker(NewCollector(st), nil, config.MonitoringConfig{CheckIntervalSecs: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop")
	}
}
