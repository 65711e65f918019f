package infra

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"grid_go/internal/domain"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRestURL = "https://api.backpack.exchange"
	DefaultWSURL   = "wss://ws.backpack.exchange"

	ModePaper = "PAPER"
	ModeReal  = "REAL"
)

// Config holds every setting of the application.
// LoadConfig reads the YAML file, then overlays secrets from the environment.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Exchange ExchangeConfig `yaml:"exchange"`
	Grid     GridConfig     `yaml:"grid"`
	Trading  TradingConfig  `yaml:"trading"`
	Engine   EngineConfig   `yaml:"engine"`
	Executor ExecutorConfig `yaml:"executor"`

	Storage struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"` // empty: user config dir
	} `yaml:"storage"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		URL      string        `yaml:"url"`
		Password string        `yaml:"password"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	API struct {
		Enabled   bool   `yaml:"enabled"`
		Addr      string `yaml:"addr"`
		PprofAddr string `yaml:"pprof_addr"` // empty: disabled
	} `yaml:"api"`

	Telegram struct {
		Enabled bool   `yaml:"enabled"`
		Token   string `yaml:"token"`
		ChatID  int64  `yaml:"chat_id"`
	} `yaml:"telegram"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// ExchangeConfig is passed to the exchange gateway constructors.
type ExchangeConfig struct {
	RestURL           string  `yaml:"rest_url"`
	WSURL             string  `yaml:"ws_url"`
	APIKey            string  `yaml:"api_key"`
	SecretKey         string  `yaml:"secret_key"`
	ProxyWebsocket    string  `yaml:"proxy_websocket"`
	WindowMS          int     `yaml:"window_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// GridConfig describes the grid to run. CLI flags may override it.
type GridConfig struct {
	Symbol      string          `yaml:"symbol"`
	Upper       decimal.Decimal `yaml:"upper"`
	Lower       decimal.Decimal `yaml:"lower"`
	Levels      int             `yaml:"levels"`
	Quantity    decimal.Decimal `yaml:"quantity"`
	AutoPrice   bool            `yaml:"auto_price"`
	PriceRange  decimal.Decimal `yaml:"price_range"`  // fraction used by auto_price
	RiskProfile string          `yaml:"risk_profile"` // low | medium | high, overrides levels and price_range
	TickSize    decimal.Decimal `yaml:"tick_size"`
	FeeRate     decimal.Decimal `yaml:"fee_rate"`
	Duration    time.Duration   `yaml:"duration"`
}

// TradingConfig selects the execution mode.
type TradingConfig struct {
	Mode                  string                     `yaml:"mode"`
	ClientIDPrefix        string                     `yaml:"client_id_prefix"`
	CancelExistingOnStart bool                       `yaml:"cancel_existing_on_start"`
	PostOnly              bool                       `yaml:"post_only"`
	PaperBalances         map[string]decimal.Decimal `yaml:"paper_balances"`
}

// EngineConfig tunes the grid state machine.
type EngineConfig struct {
	InboxSize          int           `yaml:"inbox_size"`
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	ReplaceBackoff     time.Duration `yaml:"replace_backoff"`
	ReplaceAttempts    int           `yaml:"replace_attempts"`
	FatalLevelFailures int           `yaml:"fatal_level_failures"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	ReportInterval     time.Duration `yaml:"report_interval"`
}

// ExecutorConfig tunes order gateway retries.
type ExecutorConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Breaker     struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		SuccessThreshold int           `yaml:"success_threshold"`
		Timeout          time.Duration `yaml:"timeout"`
	} `yaml:"breaker"`
}

// RetryBudget is the longest an order call can spend in the executor:
// every attempt running to its timeout plus the backoff between them.
func (c ExecutorConfig) RetryBudget() time.Duration {
	b := Backoff{Base: c.BaseDelay, Max: c.MaxDelay}
	total := time.Duration(c.MaxAttempts) * c.CallTimeout
	for i := 0; i < c.MaxAttempts-1; i++ {
		total += b.Delay(i)
	}
	return total
}

// secrets are read from the process environment (optionally seeded from .env).
type secrets struct {
	APIKey         string `env:"API_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	ProxyWebsocket string `env:"PROXY_WEBSOCKET"`
	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	Mode           string `env:"GRID_MODE"`
}

// LoadConfig reads and parses the configuration file. Overrides run after the
// environment overlay and before validation.
func LoadConfig(path string, overrides ...func(*Config) error) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}

	// Secrets never live in the YAML checked into the repo
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", slog.Any("error", err))
	}
	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if err := o(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ParseConfig decodes YAML and fills defaults, without env overlay or validation.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "grid_go"
	}
	if c.Exchange.RestURL == "" {
		c.Exchange.RestURL = DefaultRestURL
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = DefaultWSURL
	}
	if c.Exchange.WindowMS == 0 {
		c.Exchange.WindowMS = 5000
	}
	if c.Exchange.RequestsPerSecond == 0 {
		c.Exchange.RequestsPerSecond = 10
	}
	if c.Exchange.Burst == 0 {
		c.Exchange.Burst = 5
	}
	if c.Grid.FeeRate.IsZero() {
		c.Grid.FeeRate = decimal.RequireFromString("0.0008")
	}
	if c.Trading.Mode == "" {
		c.Trading.Mode = ModePaper
	}
	if c.Trading.ClientIDPrefix == "" {
		c.Trading.ClientIDPrefix = "grid"
	}
	if c.Engine.InboxSize == 0 {
		c.Engine.InboxSize = 1024
	}
	if c.Engine.AckTimeout == 0 {
		c.Engine.AckTimeout = 90 * time.Second
	}
	if c.Engine.ShutdownTimeout == 0 {
		c.Engine.ShutdownTimeout = 30 * time.Second
	}
	if c.Engine.ReplaceBackoff == 0 {
		c.Engine.ReplaceBackoff = 2 * time.Second
	}
	if c.Engine.ReplaceAttempts == 0 {
		c.Engine.ReplaceAttempts = 3
	}
	if c.Engine.FatalLevelFailures == 0 {
		c.Engine.FatalLevelFailures = 3
	}
	if c.Engine.ReconcileInterval == 0 {
		c.Engine.ReconcileInterval = time.Minute
	}
	if c.Engine.ReportInterval == 0 {
		c.Engine.ReportInterval = 5 * time.Minute
	}
	if c.Executor.MaxAttempts == 0 {
		c.Executor.MaxAttempts = 5
	}
	if c.Executor.BaseDelay == 0 {
		c.Executor.BaseDelay = 500 * time.Millisecond
	}
	if c.Executor.MaxDelay == 0 {
		c.Executor.MaxDelay = 10 * time.Second
	}
	if c.Executor.CallTimeout == 0 {
		c.Executor.CallTimeout = 10 * time.Second
	}
	if c.Executor.Breaker.FailureThreshold == 0 {
		c.Executor.Breaker.FailureThreshold = 5
	}
	if c.Executor.Breaker.SuccessThreshold == 0 {
		c.Executor.Breaker.SuccessThreshold = 2
	}
	if c.Executor.Breaker.Timeout == 0 {
		c.Executor.Breaker.Timeout = 30 * time.Second
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 10 * time.Minute
	}
	if c.API.Addr == "" {
		c.API.Addr = "localhost:8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !hasPrefix(c.Exchange.RestURL, "http://") && !hasPrefix(c.Exchange.RestURL, "https://") {
		return &domain.ConfigError{Field: "exchange.rest_url", Err: fmt.Errorf("invalid URL %q", c.Exchange.RestURL)}
	}
	if !hasPrefix(c.Exchange.WSURL, "ws://") && !hasPrefix(c.Exchange.WSURL, "wss://") {
		return &domain.ConfigError{Field: "exchange.ws_url", Err: fmt.Errorf("invalid URL %q", c.Exchange.WSURL)}
	}

	if c.Grid.Symbol == "" {
		return &domain.ConfigError{Field: "grid.symbol", Err: domain.ErrInvalidSymbol}
	}
	if !c.Grid.Quantity.IsPositive() {
		return &domain.ConfigError{Field: "grid.quantity", Err: errors.New("must be positive")}
	}
	if c.Grid.RiskProfile == "" && c.Grid.Levels < 2 {
		return &domain.ConfigError{Field: "grid.levels", Err: errors.New("at least 2 levels required")}
	}
	switch strings.ToLower(c.Grid.RiskProfile) {
	case "", "low", "medium", "high":
	default:
		return &domain.ConfigError{Field: "grid.risk_profile", Err: fmt.Errorf("unknown risk profile %q", c.Grid.RiskProfile)}
	}
	if c.Grid.Duration <= 0 {
		return &domain.ConfigError{Field: "grid.duration", Err: errors.New("must be positive")}
	}

	switch strings.ToUpper(c.Trading.Mode) {
	case ModePaper:
	case ModeReal:
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			return &domain.ConfigError{Field: "exchange.api_key", Err: errors.New("REAL mode requires API_KEY and SECRET_KEY")}
		}
	default:
		return &domain.ConfigError{Field: "trading.mode", Err: fmt.Errorf("unknown mode %q", c.Trading.Mode)}
	}

	if c.Engine.InboxSize <= 0 {
		return &domain.ConfigError{Field: "engine.inbox_size", Err: errors.New("must be positive")}
	}
	if c.Executor.MaxAttempts < 1 {
		return &domain.ConfigError{Field: "executor.max_attempts", Err: errors.New("must be at least 1")}
	}
	// The ack timer must outlast a place that is still retrying.
	if budget := c.Executor.RetryBudget(); c.Engine.AckTimeout <= budget {
		return &domain.ConfigError{Field: "engine.ack_timeout", Err: fmt.Errorf("must exceed the executor retry budget of %s", budget)}
	}

	if c.Telegram.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
		return &domain.ConfigError{Field: "telegram", Err: errors.New("token and chat_id required when enabled")}
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return &domain.ConfigError{Field: "redis.url", Err: errors.New("required when enabled")}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return &domain.ConfigError{Field: "logging.level", Err: fmt.Errorf("invalid log level %q", c.Logging.Level)}
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv overlays secrets from environment variables when present.
func overrideWithEnv(cfg *Config) error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if s.APIKey != "" {
		cfg.Exchange.APIKey = s.APIKey
	}
	if s.SecretKey != "" {
		cfg.Exchange.SecretKey = s.SecretKey
	}
	if s.ProxyWebsocket != "" {
		cfg.Exchange.ProxyWebsocket = s.ProxyWebsocket
	}
	if s.TelegramToken != "" {
		cfg.Telegram.Token = s.TelegramToken
	}
	if s.TelegramChatID != 0 {
		cfg.Telegram.ChatID = s.TelegramChatID
	}
	if s.RedisPassword != "" {
		cfg.Redis.Password = s.RedisPassword
	}
	if s.Mode != "" {
		cfg.Trading.Mode = strings.ToUpper(s.Mode)
	}
	return nil
}
