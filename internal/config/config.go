package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"StockForecast/internal/arima"
)

// StageConfig is one downstream command.
type StageConfig struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
}

// WarehouseConfig selects and tunes the storage backend.
type WarehouseConfig struct {
	Driver         string `yaml:"driver" env:"WAREHOUSE_DRIVER"`
	DSN            string `yaml:"dsn" env:"DATABASE_URL"`
	SQLitePath     string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	Schema         string `yaml:"schema" env:"WAREHOUSE_SCHEMA"`
	PricesTable    string `yaml:"prices_table"`
	ForecastsTable string `yaml:"forecasts_table"`
	BatchSize      int    `yaml:"batch_size" env:"WAREHOUSE_BATCH_SIZE"`
	Migrate        bool   `yaml:"migrate" env:"WAREHOUSE_MIGRATE"`
}

// Config holds all application configuration.
type Config struct {
	Symbols     []string    `yaml:"symbols" env:"SYMBOLS" envSeparator:","`
	WindowDays  int         `yaml:"window_days" env:"WINDOW_DAYS"`
	Horizon     int         `yaml:"horizon" env:"FORECAST_HORIZON"`
	ARIMA       arima.Order `yaml:"arima"`
	Concurrency int         `yaml:"concurrency" env:"CONCURRENCY"`
	Schedule    struct {
		Cron       string        `yaml:"cron" env:"CRON_DAILY"`
		RunTimeout time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
	} `yaml:"schedule"`
	DataSource struct {
		Provider string `yaml:"provider" env:"DATA_PROVIDER"`
		BaseURL  string `yaml:"base_url" env:"DATA_BASE_URL"`
		APIKey   string `yaml:"api_key" env:"DATA_API_KEY"`
	} `yaml:"data_source"`
	Proxy     string          `yaml:"proxy" env:"HTTPS_PROXY"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Transform struct {
		Workdir string        `yaml:"workdir" env:"DBT_PROJECT_DIR"`
		Timeout time.Duration `yaml:"timeout" env:"TRANSFORM_TIMEOUT"`
		Stages  []StageConfig `yaml:"stages"`
	} `yaml:"transform"`
	Telegram struct {
		BotToken string `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
		ChatID   string `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
	} `yaml:"telegram"`
	Metrics struct {
		Addr string `yaml:"addr" env:"METRICS_ADDR"`
	} `yaml:"metrics"`
	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"log"`
}

// DefaultStages is the transform → test → snapshot sequence.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{Name: "transform", Command: []string{"dbt", "run"}},
		{Name: "test", Command: []string{"dbt", "test"}},
		{Name: "snapshot", Command: []string{"dbt", "snapshot"}},
	}
}

// Load reads config from a YAML file, then applies environment variable
// overrides and fills defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	// ARIMA(5,1,0) unless the file says otherwise; zero is a valid p, d or q.
	cfg.ARIMA = arima.Order{P: 5, D: 1, Q: 0}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i, s := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"CVX", "XOM"}
	}
	if c.WindowDays == 0 {
		c.WindowDays = 90
	}
	if c.Horizon == 0 {
		c.Horizon = 7
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = "0 31 0 * * *"
	}
	if c.Schedule.RunTimeout == 0 {
		c.Schedule.RunTimeout = 30 * time.Minute
	}
	if c.DataSource.Provider == "" {
		c.DataSource.Provider = "yahoo"
	}
	if c.Warehouse.Driver == "" {
		if c.Warehouse.DSN != "" {
			c.Warehouse.Driver = "postgres"
		} else {
			c.Warehouse.Driver = "sqlite"
		}
	}
	if c.Warehouse.SQLitePath == "" {
		c.Warehouse.SQLitePath = "data/stock_forecast.db"
	}
	if c.Warehouse.Schema == "" {
		c.Warehouse.Schema = "raw_data"
	}
	if c.Warehouse.PricesTable == "" {
		c.Warehouse.PricesTable = "stock_prices"
	}
	if c.Warehouse.ForecastsTable == "" {
		c.Warehouse.ForecastsTable = "stock_forecasts"
	}
	if c.Warehouse.BatchSize == 0 {
		c.Warehouse.BatchSize = 500
	}
	if c.Transform.Workdir == "" {
		c.Transform.Workdir = "/opt/airflow/stock_prices"
	}
	if len(c.Transform.Stages) == 0 {
		c.Transform.Stages = DefaultStages()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks that all required fields are set and consistent.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must not be empty")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s == "" {
			return fmt.Errorf("symbols contains an empty entry")
		}
		if seen[s] {
			return fmt.Errorf("symbol %s listed twice", s)
		}
		seen[s] = true
	}
	if c.WindowDays <= 0 {
		return fmt.Errorf("window_days must be positive")
	}
	if c.Horizon <= 0 {
		return fmt.Errorf("horizon must be positive")
	}
	if err := c.ARIMA.Validate(); err != nil {
		return fmt.Errorf("arima: %w", err)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Schedule.Cron); err != nil {
		return fmt.Errorf("schedule.cron %q: %w", c.Schedule.Cron, err)
	}

	switch c.DataSource.Provider {
	case "yahoo", "mock":
	case "rest":
		if c.DataSource.BaseURL == "" {
			return fmt.Errorf("data_source.base_url is required for the rest provider")
		}
	default:
		return fmt.Errorf("unknown data_source.provider %q", c.DataSource.Provider)
	}

	switch c.Warehouse.Driver {
	case "postgres":
		if c.Warehouse.DSN == "" {
			return fmt.Errorf("warehouse.dsn is required for the postgres driver")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unknown warehouse.driver %q", c.Warehouse.Driver)
	}
	if c.Warehouse.BatchSize <= 0 {
		return fmt.Errorf("warehouse.batch_size must be positive")
	}

	for _, st := range c.Transform.Stages {
		if st.Name == "" || len(st.Command) == 0 {
			return fmt.Errorf("transform stage needs a name and a command")
		}
	}

	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id must be set together")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}

// TelegramEnabled reports whether run reports should be sent.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}
