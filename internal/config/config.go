package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	DataSource struct {
		// Kind is "http" for the KRX bridge or "mock" for generated data.
		Kind      string        `yaml:"kind"`
		BaseURL   string        `yaml:"base_url"`
		APIKey    string        `yaml:"api_key"`
		RateLimit int           `yaml:"rate_limit"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"data_source"`
	Collection struct {
		Markets          []string      `yaml:"markets"`
		LookbackBars     int           `yaml:"lookback_bars"`
		FundamentalYears int           `yaml:"fundamental_years"`
		Attempts         int           `yaml:"attempts"`
		RetryBackoff     time.Duration `yaml:"retry_backoff"`
	} `yaml:"collection"`
	Snapshot struct {
		Workers       int  `yaml:"workers"`
		AutoRecompute bool `yaml:"auto_recompute"`
		LookbackBars  int  `yaml:"lookback_bars"`
	} `yaml:"snapshot"`
	ReserveRatio struct {
		Enabled      bool          `yaml:"enabled"`
		BaseURL      string        `yaml:"base_url"`
		Workers      int           `yaml:"workers"`
		RateLimit    int           `yaml:"rate_limit"`
		Retries      int           `yaml:"retries"`
		RetryBackoff time.Duration `yaml:"retry_backoff"`
		Timeout      time.Duration `yaml:"timeout"`
		SamplePath   string        `yaml:"parse_miss_sample"`
	} `yaml:"reserve_ratio"`
	Schedule struct {
		CollectCron string `yaml:"collect_cron"`
		ReserveCron string `yaml:"reserve_cron"`
	} `yaml:"schedule"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Proxy string `yaml:"proxy"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Snapshot.AutoRecompute = true
	cfg.ReserveRatio.Enabled = true

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SCREENER_SQLITE_PATH"); v != "" {
		c.Database.SQLitePath = v
	}
	if v := os.Getenv("SCREENER_SOURCE"); v != "" {
		c.DataSource.Kind = v
	}
	if v := os.Getenv("KRX_BRIDGE_URL"); v != "" {
		c.DataSource.BaseURL = v
	}
	if v := os.Getenv("KRX_BRIDGE_API_KEY"); v != "" {
		c.DataSource.APIKey = v
	}
	if v := os.Getenv("SCREENER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SCREENER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SCREENER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Snapshot.Workers = n
		}
	}
	if v := os.Getenv("CRON_COLLECT"); v != "" {
		c.Schedule.CollectCron = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		c.Proxy = v
	}
}

func (c *Config) applyDefaults() {
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/screener.db"
	}
	if c.DataSource.Kind == "" {
		c.DataSource.Kind = "http"
	}
	if c.DataSource.RateLimit == 0 {
		c.DataSource.RateLimit = 5
	}
	if c.DataSource.Timeout == 0 {
		c.DataSource.Timeout = 30 * time.Second
	}
	if len(c.Collection.Markets) == 0 {
		c.Collection.Markets = []string{"KOSPI", "KOSDAQ"}
	}
	if c.Collection.LookbackBars == 0 {
		c.Collection.LookbackBars = 400
	}
	if c.Collection.FundamentalYears == 0 {
		c.Collection.FundamentalYears = 6
	}
	if c.Collection.Attempts == 0 {
		c.Collection.Attempts = 3
	}
	if c.Collection.RetryBackoff == 0 {
		c.Collection.RetryBackoff = 500 * time.Millisecond
	}
	if c.Snapshot.Workers == 0 {
		c.Snapshot.Workers = 8
	}
	if c.Snapshot.LookbackBars == 0 {
		c.Snapshot.LookbackBars = c.Collection.LookbackBars
	}
	if c.ReserveRatio.Workers == 0 {
		c.ReserveRatio.Workers = 8
	}
	if c.ReserveRatio.RateLimit == 0 {
		c.ReserveRatio.RateLimit = 4
	}
	if c.ReserveRatio.Retries == 0 {
		c.ReserveRatio.Retries = 3
	}
	if c.ReserveRatio.RetryBackoff == 0 {
		c.ReserveRatio.RetryBackoff = 500 * time.Millisecond
	}
	if c.ReserveRatio.Timeout == 0 {
		c.ReserveRatio.Timeout = 8 * time.Second
	}
	if c.Schedule.CollectCron == "" {
		// 18:30 KST on weekdays, after the exchange publishes the day's data.
		c.Schedule.CollectCron = "0 30 18 * * 1-5"
	}
	if c.Schedule.ReserveCron == "" {
		c.Schedule.ReserveCron = "0 0 7 * * 6"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// TelegramEnabled reports whether notifications can be sent.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.DataSource.Kind {
	case "http":
		if c.DataSource.BaseURL == "" {
			return fmt.Errorf("data_source.base_url is required for the http source")
		}
	case "mock":
	default:
		return fmt.Errorf("data_source.kind must be http or mock, got %q", c.DataSource.Kind)
	}
	if c.Collection.LookbackBars < 252 {
		return fmt.Errorf("collection.lookback_bars must be at least 252, got %d", c.Collection.LookbackBars)
	}
	if c.Collection.Attempts < 1 {
		return fmt.Errorf("collection.attempts must be positive")
	}
	if c.Snapshot.Workers < 1 || c.ReserveRatio.Workers < 1 {
		return fmt.Errorf("worker counts must be positive")
	}
	for _, m := range c.Collection.Markets {
		if m != "KOSPI" && m != "KOSDAQ" {
			return fmt.Errorf("collection.markets: unknown market %q", m)
		}
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(c.Schedule.CollectCron); err != nil {
		return fmt.Errorf("schedule.collect_cron: %w", err)
	}
	if _, err := parser.Parse(c.Schedule.ReserveCron); err != nil {
		return fmt.Errorf("schedule.reserve_cron: %w", err)
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id must be set together")
	}
	return nil
}
