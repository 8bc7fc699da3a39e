package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t,
		"file:/tmp/p.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=journal_mode(WAL)",
		sqliteDSN("/tmp/p.db"))
	assert.Equal(t,
		"file::memory:?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		sqliteDSN(":memory:"))
	assert.Equal(t, "file:x.db?mode=ro", sqliteDSN("file:x.db?mode=ro"))
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_EnsureItemConcurrent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			it, err := st.EnsureItem(ctx, "Lugia")
			errs[i] = err
			if it != nil {
				ids[i] = it.ID
			}
		}()
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	all, err := st.ListItemIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLite_ForeignKeysEnforced(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.db.ExecContext(context.Background(),
		`INSERT INTO observations (id, item_id, price, observed_at, ingested_at) VALUES ('o1', 'ghost', '1', ?, ?)`,
		time.Now().UTC(), time.Now().UTC())
	require.Error(t, err)
}

func TestSQLite_PriceCheckConstraint(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	it, err := st.EnsureItem(ctx, "Ditto")
	require.NoError(t, err)

	_, err = st.db.ExecContext(ctx,
		`INSERT INTO observations (id, item_id, price, observed_at, ingested_at) VALUES ('o1', ?, '0', ?, ?)`,
		it.ID, time.Now().UTC(), time.Now().UTC())
	require.Error(t, err)
}

func TestSQLiteTime_Scan(t *testing.T) {
	want := time.Date(2026, 1, 2, 3, 4, 5, 600000000, time.UTC)

	tests := []struct {
		name  string
		src   any
		valid bool
	}{
		{"nil", nil, false},
		{"time", want.In(time.FixedZone("X", 3600)), true},
		{"string with zone", "2026-01-02 03:04:05.6+00:00", true},
		{"bytes rfc3339", []byte("2026-01-02T03:04:05.6Z"), true},
		{"string without zone", "2026-01-02 03:04:05.6", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts sqliteTime
			require.NoError(t, ts.Scan(tt.src))
			assert.Equal(t, tt.valid, ts.Valid)
			if tt.valid {
				assert.True(t, want.Equal(ts.Time), "got %s", ts.Time)
				assert.Equal(t, time.UTC, ts.Time.Location())
				require.NotNil(t, ts.Ptr())
			} else {
				assert.Nil(t, ts.Ptr())
			}
		})
	}

	var ts sqliteTime
	assert.Error(t, ts.Scan("not a time"))
	assert.Error(t, ts.Scan(42))
}
