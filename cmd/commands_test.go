package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/schedule"
)

func sampleRows() []model.ItemPrice {
	avg := decimal.RequireFromString("102.5")
	seen := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return []model.ItemPrice{
		{SchemaVersion: 1, ID: "a1", Name: "Charizard PSA 10", CreatedAt: created, AveragePrice: &avg, ObservationCount: 4, LastObservedAt: &seen},
		{SchemaVersion: 1, ID: "b2", Name: "Mew PSA 10", CreatedAt: created},
	}
}

func TestWriteItems_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeItems(&buf, sampleRows(), "json"))

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "102.5", rows[0]["average_price"])
	assert.Nil(t, rows[1]["average_price"])
	assert.Nil(t, rows[1]["last_observed_at"])
}

func TestWriteItems_JSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeItems(&buf, nil, "json"))
	assert.JSONEq(t, `[]`, buf.String())
}

func TestWriteItems_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeItems(&buf, sampleRows(), "yaml"))

	var rows []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "Charizard PSA 10", rows[0]["name"])
	assert.Equal(t, 4, rows[0]["observation_count"])
	assert.Nil(t, rows[1]["average_price"])
	assert.Contains(t, buf.String(), "average_price: \"102.5\"")
}

func TestWriteItems_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeItems(&buf, sampleRows(), "table"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "AVERAGE")
	assert.Contains(t, lines[1], "102.50")
	assert.Contains(t, lines[1], "2026-04-01T09:30:00Z")
	assert.Contains(t, lines[2], "Mew PSA 10")
	assert.Contains(t, lines[2], "-")
}

func TestWriteItems_UnknownFormat(t *testing.T) {
	err := writeItems(&bytes.Buffer{}, nil, "csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func parseItemsFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "items"}
	addItemsFlags(cmd)
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestItemsFilterFromFlags(t *testing.T) {
	f, err := itemsFilterFromFlags(parseItemsFlags(t, "--name", "pika", "--gt", "10", "--lte", "99.5", "--sort", "average_price", "--desc", "--limit", "5000"))
	require.NoError(t, err)
	assert.Equal(t, "pika", f.NameContains)
	require.NotNil(t, f.AverageGT)
	assert.True(t, f.AverageGT.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, f.AverageLTE)
	assert.Equal(t, "99.5", f.AverageLTE.String())
	assert.Nil(t, f.AverageGTE)
	assert.Nil(t, f.AverageLT)
	assert.Equal(t, model.SortAveragePrice, f.Sort)
	assert.True(t, f.Descending)
	assert.Equal(t, model.MaxViewLimit, f.Limit)
}

func TestItemsFilterFromFlags_Invalid(t *testing.T) {
	_, err := itemsFilterFromFlags(parseItemsFlags(t, "--sort", "name"))
	assert.Error(t, err)

	_, err = itemsFilterFromFlags(parseItemsFlags(t, "--lt", "cheap"))
	assert.Error(t, err)
}

func TestWriteReport_OmitsResults(t *testing.T) {
	r := &schedule.Report{
		SuccessCount: 1, TotalCount: 1, DurationSeconds: 0.5,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Results:   []schedule.QueryResult{{Query: "a", Status: "ok"}},
	}
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, r))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.EqualValues(t, 1, got["success_count"])
	assert.EqualValues(t, 0, got["no_data_count"])
	assert.NotContains(t, got, "results")
	assert.Len(t, r.Results, 1)
}

func TestInitStore_SQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cli.db")

	st, err := initStore(ctx, config.StoreConfig{Driver: "sqlite", DatabaseURL: path})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	rows, err := st.ListItemPrices(ctx, model.ViewFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	_, err := initStore(context.Background(), config.StoreConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestNewProvider(t *testing.T) {
	c := newProvider(config.ProviderConfig{
		BaseURL: "http://localhost:8000", TimeoutSecs: 5, MaxRetries: 1,
		RatePerSec: 2, Burst: 1, BreakerThreshold: 3, BreakerCooldownSecs: 10,
	})
	assert.NotNil(t, c)
}

func testServer() *http.Server {
	return &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}
}

func TestServeWithWorkers_WaitsForWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stopped atomic.Int32
	worker := func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		stopped.Add(1)
		return nil
	}

	time.AfterFunc(50*time.Millisecond, cancel)
	err := serveWithWorkers(ctx, testServer(), 0, worker, worker)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stopped.Load())
}

func TestServeWithWorkers_WorkerErrorStopsServer(t *testing.T) {
	failing := func(context.Context) error { return errors.New("scheduler broke") }

	done := make(chan error, 1)
	go func() { done <- serveWithWorkers(context.Background(), testServer(), 0, failing) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheduler broke")
	case <-time.After(5 * time.Second):
		t.Fatal("server kept running after worker failed")
	}
}
