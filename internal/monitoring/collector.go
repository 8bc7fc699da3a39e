// Package monitoring detects summaries that disagree with the observations
// they were derived from, and optionally repairs them.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/aggregate"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
)

// DriftKind classifies a mismatch between a stored Summary and the
// observations.
type DriftKind string

const (
	// DriftMissing means observations exist but there is no summary row.
	DriftMissing DriftKind = "missing_summary"
	// DriftOrphan means a summary row exists for an item with no observations.
	DriftOrphan DriftKind = "orphan_summary"
	// DriftStale means the stored values differ from a fresh aggregate.
	DriftStale DriftKind = "stale_summary"
)

// Drift describes one inconsistent item.
type Drift struct {
	ItemID   string         `json:"item_id"`
	Kind     DriftKind      `json:"kind"`
	Stored   *model.Summary `json:"stored,omitempty"`
	Expected *model.Summary `json:"expected,omitempty"`
}

// Snapshot is the result of one consistency pass.
type Snapshot struct {
	Items        int       `json:"items"`
	Observations int       `json:"observations"`
	Summaries    int       `json:"summaries"`
	Drifted      []Drift   `json:"drifted"`
	CollectedAt  time.Time `json:"collected_at"`
}

// Healthy reports whether no drift was found.
func (s *Snapshot) Healthy() bool {
	return len(s.Drifted) == 0
}

// Collector compares every item's Summary against its observations.
type Collector struct {
	store store.Store
	now   func() time.Time
}

// NewCollector creates a new drift collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect walks all items. Each item is read inside its own transaction so
// the observations and the summary are compared at the same point in time.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	ids, err := c.store.ListItemIDs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list items")
	}

	snap := &Snapshot{Items: len(ids), Drifted: []Drift{}}
	for _, id := range ids {
		var (
			stored *model.Summary
			points []model.PricePoint
		)
		err := c.store.ItemTx(ctx, id, func(ctx context.Context, tx store.Tx) error {
			var err error
			if points, err = tx.ListObservations(ctx, id); err != nil {
				return err
			}
			stored, err = tx.GetSummary(ctx, id)
			return err
		})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: inspect item %s", id)
		}

		snap.Observations += len(points)
		if stored != nil {
			snap.Summaries++
		}
		if d, ok := compare(id, stored, points, c.now()); ok {
			snap.Drifted = append(snap.Drifted, d)
		}
	}

	snap.CollectedAt = c.now().UTC()
	return snap, nil
}

func compare(itemID string, stored *model.Summary, points []model.PricePoint, now time.Time) (Drift, bool) {
	expected, _ := aggregate.Summarize(itemID, points, now)
	switch {
	case aggregate.Equivalent(stored, expected):
		return Drift{}, false
	case stored == nil:
		return Drift{ItemID: itemID, Kind: DriftMissing, Expected: expected}, true
	case expected == nil:
		return Drift{ItemID: itemID, Kind: DriftOrphan, Stored: stored}, true
	default:
		return Drift{ItemID: itemID, Kind: DriftStale, Stored: stored, Expected: expected}, true
	}
}
