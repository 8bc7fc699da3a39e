package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/db"
	"github.com/sells-group/pricewatch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var observationColumns = []string{"id", "item_id", "price", "observed_at", "ingested_at"}

var (
	pgInsertItem = db.UpsertConfig{
		Table:        "items",
		Columns:      []string{"id", "name", "created_at"},
		ConflictKeys: []string{"name"},
		DoNothing:    true,
		Returning:    []string{"id", "name", "created_at"},
	}.MustStatement(db.Dollar)

	pgUpsertSummary = db.UpsertConfig{
		Table:        "item_summaries",
		Columns:      []string{"item_id", "average_price", "observation_count", "last_observed_at", "recomputed_at", "schema_version"},
		ConflictKeys: []string{"item_id"},
	}.MustStatement(db.Dollar)
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS items (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_items_created_at ON items(created_at);

CREATE TABLE IF NOT EXISTS observations (
	id          TEXT PRIMARY KEY,
	item_id     TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	price       NUMERIC(14,4) NOT NULL CHECK (price > 0),
	observed_at TIMESTAMPTZ NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_observations_item_id ON observations(item_id);

CREATE TABLE IF NOT EXISTS item_summaries (
	item_id           TEXT PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
	average_price     NUMERIC(14,4) NOT NULL CHECK (average_price > 0),
	observation_count INTEGER NOT NULL CHECK (observation_count > 0),
	last_observed_at  TIMESTAMPTZ NOT NULL,
	recomputed_at     TIMESTAMPTZ NOT NULL,
	schema_version    INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_item_summaries_average ON item_summaries(average_price);

CREATE OR REPLACE VIEW item_prices AS
SELECT i.id,
       i.name,
       i.created_at,
       s.average_price,
       COALESCE(s.observation_count, 0) AS observation_count,
       s.last_observed_at,
       s.recomputed_at
FROM items i
LEFT JOIN item_summaries s ON s.item_id = i.id;
`

var pgView = viewDialect{
	ph:       db.Dollar,
	nameExpr: "name",
	like:     "ILIKE",
	avgExpr:  "average_price",
	numArg:   func(d decimal.Decimal) any { return numericFromDecimal(d) },
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) EnsureItem(ctx context.Context, name string) (*model.Item, error) {
	for attempt := 1; attempt <= maxEnsureAttempts; attempt++ {
		var it model.Item
		err := s.pool.QueryRow(ctx, pgInsertItem, uuid.New().String(), name, time.Now().UTC()).
			Scan(&it.ID, &it.Name, &it.CreatedAt)
		if err == nil {
			return &it, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(err, "postgres: insert item %q", name)
		}

		// Another writer owns the name; read its row.
		existing, err := s.GetItemByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		zap.L().Debug("postgres: item vanished after conflict, retrying",
			zap.String("name", name),
			zap.Int("attempt", attempt),
		)
	}
	return nil, eris.Wrap(&model.ConflictError{Name: name}, "postgres: ensure item")
}

func (s *PostgresStore) GetItemByName(ctx context.Context, name string) (*model.Item, error) {
	var it model.Item
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM items WHERE name = $1`, name,
	).Scan(&it.ID, &it.Name, &it.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get item %q", name)
	}
	return &it, nil
}

func (s *PostgresStore) ListItemIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM items ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list item ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list item ids iterate")
}

func (s *PostgresStore) ItemTx(ctx context.Context, itemID string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM items WHERE id = $1 FOR UPDATE`, itemID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrItemNotFound, "postgres: lock item %s", itemID)
		}
		return eris.Wrapf(err, "postgres: lock item %s", itemID)
	}

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

func (s *PostgresStore) ListItemPrices(ctx context.Context, filter model.ViewFilter) ([]model.ItemPrice, error) {
	query, args := buildViewQuery(filter, pgView)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list item prices")
	}
	defer rows.Close()

	var out []model.ItemPrice
	for rows.Next() {
		p, err := scanPgItemPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list item prices iterate")
}

func (s *PostgresStore) GetItemPrice(ctx context.Context, itemID string) (*model.ItemPrice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+viewColumns+` FROM item_prices WHERE id = $1`, itemID)
	p, err := scanPgItemPrice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func scanPgItemPrice(row pgx.Row) (*model.ItemPrice, error) {
	var (
		p        model.ItemPrice
		avg      pgtype.Numeric
		lastSeen *time.Time
		recomp   *time.Time
	)
	if err := row.Scan(&p.ID, &p.Name, &p.CreatedAt, &avg, &p.ObservationCount, &lastSeen, &recomp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan item price")
	}
	if d, ok := decimalFromNumeric(avg); ok {
		p.AveragePrice = &d
	}
	p.LastObservedAt = lastSeen
	p.RecomputedAt = recomp
	p.SchemaVersion = model.ProjectionSchemaVersion
	return &p, nil
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	q db.Querier
}

func (t *pgTx) RecordObservations(ctx context.Context, itemID string, points []model.PricePoint) (int, error) {
	if err := model.ValidatePoints(points); err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(points))
	for i, p := range points {
		rows[i] = []any{uuid.New().String(), itemID, numericFromDecimal(p.Price), p.ObservedAt.UTC(), now}
	}
	n, err := db.CopyFrom(ctx, t.q, "observations", observationColumns, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: record observations for %s", itemID)
	}
	return int(n), nil
}

func (t *pgTx) ListObservations(ctx context.Context, itemID string) ([]model.PricePoint, error) {
	rows, err := t.q.Query(ctx, `SELECT price, observed_at FROM observations WHERE item_id = $1`, itemID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list observations for %s", itemID)
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var (
			n  pgtype.Numeric
			pp model.PricePoint
		)
		if err := rows.Scan(&n, &pp.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		d, ok := decimalFromNumeric(n)
		if !ok {
			return nil, eris.Errorf("postgres: observation for %s has non-finite price", itemID)
		}
		pp.Price = d
		points = append(points, pp)
	}
	return points, eris.Wrap(rows.Err(), "postgres: list observations iterate")
}

func (t *pgTx) GetSummary(ctx context.Context, itemID string) (*model.Summary, error) {
	var (
		sum model.Summary
		avg pgtype.Numeric
	)
	err := t.q.QueryRow(ctx,
		`SELECT item_id, average_price, observation_count, last_observed_at, recomputed_at, schema_version
		 FROM item_summaries WHERE item_id = $1`, itemID,
	).Scan(&sum.ItemID, &avg, &sum.ObservationCount, &sum.LastObservedAt, &sum.RecomputedAt, &sum.SchemaVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get summary %s", itemID)
	}
	d, ok := decimalFromNumeric(avg)
	if !ok {
		return nil, eris.Errorf("postgres: summary for %s has no average", itemID)
	}
	sum.AveragePrice = d
	return &sum, nil
}

func (t *pgTx) UpsertSummary(ctx context.Context, s model.Summary) error {
	_, err := t.q.Exec(ctx, pgUpsertSummary,
		s.ItemID,
		numericFromDecimal(s.AveragePrice),
		s.ObservationCount,
		s.LastObservedAt.UTC(),
		s.RecomputedAt.UTC(),
		s.SchemaVersion,
	)
	return eris.Wrapf(err, "postgres: upsert summary %s", s.ItemID)
}

func (t *pgTx) DeleteSummary(ctx context.Context, itemID string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM item_summaries WHERE item_id = $1`, itemID)
	return eris.Wrapf(err, "postgres: delete summary %s", itemID)
}

// numericFromDecimal converts to the pgx NUMERIC representation without a
// float round-trip.
func numericFromDecimal(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// decimalFromNumeric reports false for NULL, NaN and infinities.
func decimalFromNumeric(n pgtype.Numeric) (decimal.Decimal, bool) {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite || n.Int == nil {
		return decimal.Zero, false
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), true
}
