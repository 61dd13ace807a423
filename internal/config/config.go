package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"kleinsniper/internal/logging"
	"kleinsniper/internal/offer"
)

// Config materialises application configuration.
type Config struct {
	TelegramBotToken     string        `mapstructure:"telegram_bot_token"`
	TelegramChatID       int64         `mapstructure:"telegram_chat_id"`
	CheckIntervalSeconds int           `mapstructure:"check_interval_seconds"`
	Models               []offer.Model `mapstructure:"models"`

	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Detection DetectionConfig `mapstructure:"detection"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// TelegramConfig covers bot delivery and the command listener.
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	APIBase        string        `mapstructure:"api_base"`
	PollCommands   bool          `mapstructure:"poll_commands"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	StartupMessage string        `mapstructure:"startup_message"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig selects and tunes the offer store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig enables the Redis cycle lock.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// SchedulerConfig governs polling cadence and cross-process exclusion.
type SchedulerConfig struct {
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	DistributedLock string        `mapstructure:"distributed_lock"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
}

// FetchConfig describes marketplace access.
type FetchConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxPages       int           `mapstructure:"max_pages"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// RetryConfig bounds page-level retries.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// DetectionConfig tunes deal detection and pruning.
type DetectionConfig struct {
	MinSamples       int64 `mapstructure:"min_samples"`
	PruneAfterMisses int   `mapstructure:"prune_after_misses"`
}

// APIConfig exposes the HTTP command surface.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("KLEINSNIPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file not found: %w", err)
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram_bot_token", "")
	v.SetDefault("telegram_chat_id", 0)

	v.SetDefault("app.name", "kleinsniper")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", "")
	v.SetDefault("logging.caller", false)
	v.SetDefault("logging.pretty", false)

	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.poll_commands", true)
	v.SetDefault("telegram.poll_timeout", "25s")
	v.SetDefault("telegram.startup_message", "kleinsniper started")
	v.SetDefault("telegram.request_timeout", "10s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/kleinsniper.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.url", "")

	v.SetDefault("scheduler.align_to_interval", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.distributed_lock", "none")
	v.SetDefault("scheduler.lock_ttl", "10m")

	v.SetDefault("fetch.base_url", "https://www.kleinanzeigen.de")
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) KleinSniperBot/0.1")
	v.SetDefault("fetch.request_timeout", "15s")
	v.SetDefault("fetch.max_pages", 5)
	v.SetDefault("fetch.retry.max_attempts", 3)
	v.SetDefault("fetch.retry.initial_backoff", "1s")
	v.SetDefault("fetch.retry.max_backoff", "15s")

	v.SetDefault("detection.min_samples", 2)
	v.SetDefault("detection.prune_after_misses", 1)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", "127.0.0.1:8080")

	v.SetDefault("export.max_data_points", 5000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.ErrorUnused = true
		// every key without a default, model fields included, must be present
		dc.ErrorUnset = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.CheckIntervalSeconds < 1 {
		return fmt.Errorf("check_interval_seconds must be at least 1")
	}
	if c.Telegram.Enabled {
		if c.TelegramBotToken == "" {
			return fmt.Errorf("telegram_bot_token is required")
		}
		if c.TelegramChatID == 0 {
			return fmt.Errorf("telegram_chat_id is required")
		}
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("models must contain at least one entry")
	}
	seen := make(map[string]int, len(c.Models))
	for i, m := range c.Models {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("models[%d]: %w", i, err)
		}
		if j, dup := seen[m.Identity()]; dup {
			return fmt.Errorf("models[%d] duplicates models[%d]", i, j)
		}
		seen[m.Identity()] = i
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	switch c.Scheduler.DistributedLock {
	case "", "none":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when scheduler.distributed_lock is redis")
		}
	case "postgres":
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("scheduler.distributed_lock postgres requires database.driver postgres")
		}
	default:
		return fmt.Errorf("scheduler.distributed_lock must be none, redis or postgres")
	}
	if c.Scheduler.DistributedLock != "" && c.Scheduler.DistributedLock != "none" && c.Scheduler.LockTTL <= 0 {
		return fmt.Errorf("scheduler.lock_ttl must be greater than zero")
	}

	if c.Fetch.BaseURL == "" {
		return fmt.Errorf("fetch.base_url is required")
	}
	if c.Fetch.MaxPages < 1 {
		return fmt.Errorf("fetch.max_pages must be at least 1")
	}
	if c.Fetch.Retry.MaxAttempts < 1 {
		return fmt.Errorf("fetch.retry.max_attempts must be at least 1")
	}
	if c.Detection.MinSamples < 2 {
		return fmt.Errorf("detection.min_samples must be at least 2")
	}
	if c.Detection.PruneAfterMisses < 1 {
		return fmt.Errorf("detection.prune_after_misses must be at least 1")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the api is enabled")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// CheckInterval returns the polling interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// FindModel looks a configured model up by identity or query.
func (c *Config) FindModel(ref string) (offer.Model, bool) {
	for _, m := range c.Models {
		if m.Identity() == ref || strings.EqualFold(m.Query, ref) {
			return m, true
		}
	}
	return offer.Model{}, false
}
