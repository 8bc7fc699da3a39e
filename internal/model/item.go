package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProjectionSchemaVersion is the version of the ItemPrice JSON projection and
// of the summary rows written by the aggregator.
const ProjectionSchemaVersion = 1

// Item is a distinct searchable entity, e.g. a collectible in a given grade.
type Item struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PricePoint is one price captured by a provider at ObservedAt.
type PricePoint struct {
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Summary is the derived aggregate for one Item's observations.
type Summary struct {
	ItemID           string          `json:"item_id"`
	AveragePrice     decimal.Decimal `json:"average_price"`
	ObservationCount int             `json:"observation_count"`
	LastObservedAt   time.Time       `json:"last_observed_at"`
	RecomputedAt     time.Time       `json:"recomputed_at"`
	SchemaVersion    int             `json:"schema_version"`
}

// ItemPrice is one row of the read-only item_prices projection. A nil
// AveragePrice means the item has no observations yet.
type ItemPrice struct {
	SchemaVersion    int              `json:"schema_version" yaml:"schema_version"`
	ID               string           `json:"id" yaml:"id"`
	Name             string           `json:"name" yaml:"name"`
	CreatedAt        time.Time        `json:"created_at" yaml:"created_at"`
	AveragePrice     *decimal.Decimal `json:"average_price" yaml:"average_price"`
	ObservationCount int              `json:"observation_count" yaml:"observation_count"`
	LastObservedAt   *time.Time       `json:"last_observed_at" yaml:"last_observed_at"`
	RecomputedAt     *time.Time       `json:"recomputed_at,omitempty" yaml:"recomputed_at,omitempty"`
}

// HasPrice reports whether the row carries a real average.
func (p ItemPrice) HasPrice() bool {
	return p.AveragePrice != nil
}

// SortField names a column the projection can be ordered by.
type SortField string

const (
	SortCreatedAt    SortField = "created_at"
	SortAveragePrice SortField = "average_price"
)

// Valid reports whether f is a supported sort column.
func (f SortField) Valid() bool {
	return f == SortCreatedAt || f == SortAveragePrice
}

// ViewFilter selects rows from the item_prices projection. Average bounds
// never match items without a summary.
type ViewFilter struct {
	NameContains string
	AverageGT    *decimal.Decimal
	AverageGTE   *decimal.Decimal
	AverageLT    *decimal.Decimal
	AverageLTE   *decimal.Decimal
	Sort         SortField
	Descending   bool
	Limit        int
	Offset       int
}

const (
	DefaultViewLimit = 100
	MaxViewLimit     = 1000
)

// Normalize fills defaults and clamps the limit.
func (f ViewFilter) Normalize() ViewFilter {
	if !f.Sort.Valid() {
		f.Sort = SortCreatedAt
	}
	if f.Limit <= 0 {
		f.Limit = DefaultViewLimit
	}
	if f.Limit > MaxViewLimit {
		f.Limit = MaxViewLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
