package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "pricewatch.db", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "http://localhost:8000", cfg.Provider.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Provider.Timeout())
	assert.Equal(t, 2, cfg.Provider.MaxRetries)
	assert.InDelta(t, 5.0, cfg.Provider.RatePerSec, 0.001)
	assert.Equal(t, 5, cfg.Provider.BreakerThreshold)
	assert.Equal(t, DefaultQueries, cfg.Schedule.Queries)
	assert.Equal(t, 3, cfg.Schedule.Concurrency)
	assert.Equal(t, 60, cfg.Schedule.IntervalMins)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 8000, cfg.Mock.Port)
	assert.Equal(t, 1, cfg.Mock.MinPrices)
	assert.Equal(t, 5, cfg.Mock.MaxPrices)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.False(t, cfg.Monitoring.Repair)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/pricewatch
log:
  level: debug
  format: console
schedule:
  queries:
    - Mew PSA 10
    - Lugia holo
  concurrency: 5
monitoring:
  repair: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/pricewatch", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, []string{"Mew PSA 10", "Lugia holo"}, cfg.Schedule.Queries)
	assert.Equal(t, 5, cfg.Schedule.Concurrency)
	assert.True(t, cfg.Monitoring.Repair)
	// Defaults still apply for unset values
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Schedule.IntervalMins)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("PRICEWATCH_STORE_DRIVER", "postgres")
	t.Setenv("PRICEWATCH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("PRICEWATCH_SERVER_PORT", "3000")
	t.Setenv("PRICEWATCH_PROVIDER_BASE_URL", "http://scraper:9000")
	t.Setenv("PRICEWATCH_MONITORING_REPAIR", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "http://scraper:9000", cfg.Provider.BaseURL)
	assert.True(t, cfg.Monitoring.Repair)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unterminated"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		Store:    StoreConfig{Driver: "sqlite", DatabaseURL: "pricewatch.db"},
		Provider: ProviderConfig{BaseURL: "http://localhost:8000"},
		Schedule: ScheduleConfig{Concurrency: 3},
		Mock:     MockConfig{MinPrices: 1, MaxPrices: 5},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mysql" }, errMsg: "store.driver"},
		{name: "no database", mutate: func(c *Config) { c.Store.DatabaseURL = "" }, errMsg: "store.database_url is required"},
		{name: "no provider", mutate: func(c *Config) { c.Provider.BaseURL = "" }, errMsg: "provider.base_url is required"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Schedule.Concurrency = 0 }, errMsg: "schedule.concurrency"},
		{name: "inverted mock range", mutate: func(c *Config) { c.Mock.MinPrices, c.Mock.MaxPrices = 4, 2 }, errMsg: "mock price range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
