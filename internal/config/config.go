package config

import (
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Provider   ProviderConfig   `yaml:"provider" mapstructure:"provider"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Mock       MockConfig       `yaml:"mock" mapstructure:"mock"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ProviderConfig configures the price provider client.
type ProviderConfig struct {
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs         int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries          int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec          float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst               int     `yaml:"burst" mapstructure:"burst"`
	BreakerThreshold    int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int     `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// Timeout returns the request timeout as a duration.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// ScheduleConfig configures scheduled ingestion.
type ScheduleConfig struct {
	Queries      []string `yaml:"queries" mapstructure:"queries"`
	Concurrency  int      `yaml:"concurrency" mapstructure:"concurrency"`
	IntervalMins int      `yaml:"interval_mins" mapstructure:"interval_mins"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MockConfig configures the mock provider server.
type MockConfig struct {
	Port      int    `yaml:"port" mapstructure:"port"`
	MinPrices int    `yaml:"min_prices" mapstructure:"min_prices"`
	MaxPrices int    `yaml:"max_prices" mapstructure:"max_prices"`
	Seed      uint64 `yaml:"seed" mapstructure:"seed"`
}

// MonitoringConfig configures the summary drift checker.
type MonitoringConfig struct {
	CheckIntervalSecs int  `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	Repair            bool `yaml:"repair" mapstructure:"repair"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultQueries is the scheduled query list used when none is configured.
var DefaultQueries = []string{
	"Charizard PSA 10",
	"Pikachu PSA 9",
	"Blastoise holo",
	"Venusaur 1st edition",
	"Mewtwo PSA 8",
	"Gyarados holo",
	"Alakazam PSA 9",
	"Machamp 1st edition",
	"Gengar holo",
	"Dragonite PSA 10",
}

var drivers = []string{"postgres", "sqlite"}

// Load reads configuration from config.yaml (optional) and PRICEWATCH_*
// environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pricewatch.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("provider.base_url", "http://localhost:8000")
	v.SetDefault("provider.timeout_secs", 30)
	v.SetDefault("provider.max_retries", 2)
	v.SetDefault("provider.rate_per_sec", 5.0)
	v.SetDefault("provider.burst", 3)
	v.SetDefault("provider.breaker_threshold", 5)
	v.SetDefault("provider.breaker_cooldown_secs", 30)
	v.SetDefault("schedule.queries", DefaultQueries)
	v.SetDefault("schedule.concurrency", 3)
	v.SetDefault("schedule.interval_mins", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("mock.port", 8000)
	v.SetDefault("mock.min_prices", 1)
	v.SetDefault("mock.max_prices", 5)
	v.SetDefault("mock.seed", 0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.repair", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	if !slices.Contains(drivers, c.Store.Driver) {
		return eris.Errorf("config: store.driver must be one of %v, got %q", drivers, c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	if c.Provider.BaseURL == "" {
		return eris.New("config: provider.base_url is required")
	}
	if c.Schedule.Concurrency <= 0 {
		return eris.Errorf("config: schedule.concurrency must be positive, got %d", c.Schedule.Concurrency)
	}
	if c.Mock.MinPrices < 0 || c.Mock.MaxPrices < c.Mock.MinPrices {
		return eris.Errorf("config: mock price range [%d, %d] is invalid", c.Mock.MinPrices, c.Mock.MaxPrices)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
