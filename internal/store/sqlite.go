package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"modernc.org/sqlite"

	"github.com/sells-group/pricewatch/internal/db"
	"github.com/sells-group/pricewatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Prices are stored as
// canonical decimal strings; SQLite has no exact numeric type.
type SQLiteStore struct {
	db *sql.DB
}

var (
	sqliteInsertItem = db.UpsertConfig{
		Table:        "items",
		Columns:      []string{"id", "name", "created_at"},
		ConflictKeys: []string{"name"},
		DoNothing:    true,
		Returning:    []string{"id", "name", "created_at"},
	}.MustStatement(db.Question)

	sqliteUpsertSummary = db.UpsertConfig{
		Table:        "item_summaries",
		Columns:      []string{"item_id", "average_price", "observation_count", "last_observed_at", "recomputed_at", "schema_version"},
		ConflictKeys: []string{"item_id"},
	}.MustStatement(db.Question)
)

// NewSQLite opens a SQLite database at the given path with WAL mode and
// foreign keys enabled on every connection. Writers are serialised on a
// single connection, which is what gives ItemTx its per-item exclusivity.
func NewSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: conn}, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if path != ":memory:" {
		pragmas += "&_pragma=journal_mode(WAL)"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?" + pragmas
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS items (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_created_at ON items(created_at);

CREATE TABLE IF NOT EXISTS observations (
	id          TEXT PRIMARY KEY,
	item_id     TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	price       TEXT NOT NULL CHECK (CAST(price AS REAL) > 0),
	observed_at DATETIME NOT NULL,
	ingested_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_observations_item_id ON observations(item_id);

CREATE TABLE IF NOT EXISTS item_summaries (
	item_id           TEXT PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
	average_price     TEXT NOT NULL CHECK (CAST(average_price AS REAL) > 0),
	observation_count INTEGER NOT NULL CHECK (observation_count > 0),
	last_observed_at  DATETIME NOT NULL,
	recomputed_at     DATETIME NOT NULL,
	schema_version    INTEGER NOT NULL DEFAULT 1
);

CREATE VIEW IF NOT EXISTS item_prices AS
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

var sqliteView = viewDialect{
	ph:       db.Question,
	nameExpr: "casefold(name)",
	like:     "LIKE",
	foldArg:  foldName,
	avgExpr:  "CAST(average_price AS REAL)",
	numArg:   func(d decimal.Decimal) any { return d.InexactFloat64() },
}

// SQLite's LIKE and lower() only fold ASCII, so the name filter compares
// Unicode case-folded text on both sides.
func init() {
	sqlite.MustRegisterDeterministicScalarFunction("casefold", 1, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		switch v := args[0].(type) {
		case nil:
			return nil, nil
		case string:
			return foldName(v), nil
		case []byte:
			return foldName(string(v)), nil
		default:
			return nil, eris.Errorf("sqlite: casefold: unsupported argument %T", v)
		}
	})
}

func foldName(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureItem(ctx context.Context, name string) (*model.Item, error) {
	for attempt := 1; attempt <= maxEnsureAttempts; attempt++ {
		var (
			it      model.Item
			created sqliteTime
		)
		err := s.db.QueryRowContext(ctx, sqliteInsertItem, uuid.New().String(), name, time.Now().UTC()).
			Scan(&it.ID, &it.Name, &created)
		if err == nil {
			it.CreatedAt = created.Time
			return &it, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(err, "sqlite: insert item %q", name)
		}

		existing, err := s.GetItemByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, eris.Wrap(&model.ConflictError{Name: name}, "sqlite: ensure item")
}

func (s *SQLiteStore) GetItemByName(ctx context.Context, name string) (*model.Item, error) {
	var (
		it      model.Item
		created sqliteTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM items WHERE name = ?`, name,
	).Scan(&it.ID, &it.Name, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get item %q", name)
	}
	it.CreatedAt = created.Time
	return &it, nil
}

func (s *SQLiteStore) ListItemIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM items ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list item ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list item ids iterate")
}

func (s *SQLiteStore) ItemTx(ctx context.Context, itemID string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var found string
	err = tx.QueryRowContext(ctx, `SELECT id FROM items WHERE id = ?`, itemID).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrItemNotFound, "sqlite: lock item %s", itemID)
		}
		return eris.Wrapf(err, "sqlite: lock item %s", itemID)
	}

	if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) ListItemPrices(ctx context.Context, filter model.ViewFilter) ([]model.ItemPrice, error) {
	query, args := buildViewQuery(filter, sqliteView)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list item prices")
	}
	defer rows.Close()

	var out []model.ItemPrice
	for rows.Next() {
		p, err := scanSQLiteItemPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list item prices iterate")
}

func (s *SQLiteStore) GetItemPrice(ctx context.Context, itemID string) (*model.ItemPrice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+viewColumns+` FROM item_prices WHERE id = ?`, itemID)
	p, err := scanSQLiteItemPrice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItemPrice(row rowScanner) (*model.ItemPrice, error) {
	var (
		p                 model.ItemPrice
		created, lastSeen sqliteTime
		recomp            sqliteTime
		avg               decimal.NullDecimal
	)
	if err := row.Scan(&p.ID, &p.Name, &created, &avg, &p.ObservationCount, &lastSeen, &recomp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan item price")
	}
	p.CreatedAt = created.Time
	if avg.Valid {
		d := avg.Decimal
		p.AveragePrice = &d
	}
	p.LastObservedAt = lastSeen.Ptr()
	p.RecomputedAt = recomp.Ptr()
	p.SchemaVersion = model.ProjectionSchemaVersion
	return &p, nil
}

// sqliteTx implements Tx on a database/sql transaction.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) RecordObservations(ctx context.Context, itemID string, points []model.PricePoint) (int, error) {
	if err := model.ValidatePoints(points); err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}

	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO observations (id, item_id, price, observed_at, ingested_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare observation insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, uuid.New().String(), itemID, p.Price.String(), p.ObservedAt.UTC(), now); err != nil {
			return 0, eris.Wrapf(err, "sqlite: record observations for %s", itemID)
		}
	}
	return len(points), nil
}

func (t *sqliteTx) ListObservations(ctx context.Context, itemID string) ([]model.PricePoint, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT price, observed_at FROM observations WHERE item_id = ?`, itemID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list observations for %s", itemID)
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var (
			pp       model.PricePoint
			observed sqliteTime
		)
		if err := rows.Scan(&pp.Price, &observed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observation")
		}
		pp.ObservedAt = observed.Time
		points = append(points, pp)
	}
	return points, eris.Wrap(rows.Err(), "sqlite: list observations iterate")
}

func (t *sqliteTx) GetSummary(ctx context.Context, itemID string) (*model.Summary, error) {
	var (
		sum              model.Summary
		lastSeen, recomp sqliteTime
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT item_id, average_price, observation_count, last_observed_at, recomputed_at, schema_version
		 FROM item_summaries WHERE item_id = ?`, itemID,
	).Scan(&sum.ItemID, &sum.AveragePrice, &sum.ObservationCount, &lastSeen, &recomp, &sum.SchemaVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get summary %s", itemID)
	}
	sum.LastObservedAt = lastSeen.Time
	sum.RecomputedAt = recomp.Time
	return &sum, nil
}

func (t *sqliteTx) UpsertSummary(ctx context.Context, s model.Summary) error {
	_, err := t.tx.ExecContext(ctx, sqliteUpsertSummary,
		s.ItemID,
		s.AveragePrice.String(),
		s.ObservationCount,
		s.LastObservedAt.UTC(),
		s.RecomputedAt.UTC(),
		s.SchemaVersion,
	)
	return eris.Wrapf(err, "sqlite: upsert summary %s", s.ItemID)
}

func (t *sqliteTx) DeleteSummary(ctx context.Context, itemID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM item_summaries WHERE item_id = ?`, itemID)
	return eris.Wrapf(err, "sqlite: delete summary %s", itemID)
}

// sqliteTimeLayouts are the layouts the driver writes time.Time values in.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// sqliteTime scans DATETIME columns whether the driver hands back a parsed
// time.Time or the raw text (e.g. through a view column without a declared
// type).
type sqliteTime struct {
	Time  time.Time
	Valid bool
}

func (t *sqliteTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return eris.Errorf("sqlite: cannot scan %T into time", src)
	}
}

func (t *sqliteTime) parse(s string) error {
	for _, layout := range sqliteTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = ts.UTC(), true
			return nil
		}
	}
	return eris.Errorf("sqlite: unrecognised time %q", s)
}

// Ptr returns nil for NULL.
func (t sqliteTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time
	return &ts
}
