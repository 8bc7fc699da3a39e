package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
)

// ErrItemNotFound is returned by ItemTx when the item does not exist.
var ErrItemNotFound = eris.New("store: item not found")

// maxEnsureAttempts bounds the insert-or-fetch loop in EnsureItem.
const maxEnsureAttempts = 3

// ViewReader is the read-only projection joining items with their current
// summary. It exposes no write path.
type ViewReader interface {
	ListItemPrices(ctx context.Context, filter model.ViewFilter) ([]model.ItemPrice, error)
	// GetItemPrice returns nil, nil when the item does not exist.
	GetItemPrice(ctx context.Context, itemID string) (*model.ItemPrice, error)
}

// Tx is the transactional view of one item handed to ItemTx callbacks.
// Summary writes exist only here, so the aggregator running inside an
// ingestion transaction is their only caller.
type Tx interface {
	// RecordObservations appends the whole batch or fails with a
	// *model.ValidationError before writing anything.
	RecordObservations(ctx context.Context, itemID string, points []model.PricePoint) (int, error)
	// ListObservations returns the item's observations in no particular order.
	ListObservations(ctx context.Context, itemID string) ([]model.PricePoint, error)
	// GetSummary returns nil, nil when the item has no summary row.
	GetSummary(ctx context.Context, itemID string) (*model.Summary, error)
	// UpsertSummary inserts or fully overwrites the summary row.
	UpsertSummary(ctx context.Context, s model.Summary) error
	// DeleteSummary removes the summary row if present.
	DeleteSummary(ctx context.Context, itemID string) error
}

// Store defines the persistence interface for items, observations and
// summaries.
type Store interface {
	ViewReader

	// EnsureItem returns the item with exactly this name, creating it when
	// absent. Concurrent callers with the same name observe one row.
	EnsureItem(ctx context.Context, name string) (*model.Item, error)
	// GetItemByName returns nil, nil when no item has this name.
	GetItemByName(ctx context.Context, name string) (*model.Item, error)
	// ListItemIDs returns every item id ordered by creation time.
	ListItemIDs(ctx context.Context) ([]string, error)

	// ItemTx runs fn in one transaction holding the item's row lock. fn's
	// error rolls everything back.
	ItemTx(ctx context.Context, itemID string, fn func(ctx context.Context, tx Tx) error) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
