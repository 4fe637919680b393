package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration. It is constructed once at
// process start and passed by value; nothing mutates it afterwards.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Candles  CandlesConfig  `mapstructure:"candles"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Optimize OptimizeConfig `mapstructure:"optimize"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	API      APIConfig      `mapstructure:"api"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// StoreConfig contains SQLite settings
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig contains Redis settings for the dedup store
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS settings for the event publisher
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// CandlesConfig contains candle data plane settings
type CandlesConfig struct {
	Source            string `mapstructure:"source"` // "binance" or "hyperliquid"
	CandlesPerRequest int    `mapstructure:"candles_per_request"`
	RequestDelayMS    int    `mapstructure:"request_delay_ms"`
	WarmupBars        int    `mapstructure:"warmup_bars"`
}

// TradingConfig contains live trading settings
type TradingConfig struct {
	Coins           []string `mapstructure:"coins"`
	Interval        string   `mapstructure:"interval"`
	Strategy        string   `mapstructure:"strategy"`
	Leverage        int      `mapstructure:"leverage"`
	CrossMargin     bool     `mapstructure:"cross_margin"`
	EntrySlippageBP float64  `mapstructure:"entry_slippage_bps"`
}

// RiskConfig contains guardrail gate settings
type RiskConfig struct {
	SizingMode       string  `mapstructure:"sizing_mode"` // "risk" or "cash"
	RiskPerTradeUSD  float64 `mapstructure:"risk_per_trade_usd"`
	CashPerTrade     float64 `mapstructure:"cash_per_trade"`
	MaxTradesPerDay  int     `mapstructure:"max_trades_per_day"`
	MaxDailyLossUSD  float64 `mapstructure:"max_daily_loss_usd"`
	MaxOpenPositions int     `mapstructure:"max_open_positions"`
	MaxNotionalUSD   float64 `mapstructure:"max_notional_usd"`
	MaxLeverage      int     `mapstructure:"max_leverage"`
	CooldownBars     int     `mapstructure:"cooldown_bars"`
}

// OptimizeConfig contains optimization orchestrator settings
type OptimizeConfig struct {
	MaxIterations     int     `mapstructure:"max_iterations"`
	MaxCycles         int     `mapstructure:"max_cycles"`
	MaxFixAttempts    int     `mapstructure:"max_fix_attempts"`
	MinTrades         int     `mapstructure:"min_trades"`
	TargetScore       float64 `mapstructure:"target_score"`
	CheckpointDir     string  `mapstructure:"checkpoint_dir"`
	HistoryPath       string  `mapstructure:"history_path"`
	WorkDir           string  `mapstructure:"work_dir"`
	ModifierCommand   string  `mapstructure:"modifier_command"`
	RefineTimeoutS    int     `mapstructure:"refine_timeout_s"`
	RestructTimeoutS  int     `mapstructure:"restructure_timeout_s"`
	MinPhaseIters     int     `mapstructure:"min_phase_iters"`
	RiskPerTradeUSD   float64 `mapstructure:"risk_per_trade_usd"`
	MaxTradesPerDay   int     `mapstructure:"max_trades_per_day"`
	CooldownBars      int     `mapstructure:"cooldown_bars"`
	BacktestStartDays int     `mapstructure:"backtest_start_days"`
}

// ExchangeConfig contains exchange adapter settings
type ExchangeConfig struct {
	Venue      string `mapstructure:"venue"` // "hyperliquid" or "mock"
	BaseURL    string `mapstructure:"base_url"`
	WSEndpoint string `mapstructure:"ws_endpoint"`
	Wallet     string `mapstructure:"wallet"`
	PrivateKey string `mapstructure:"private_key"`
	Testnet    bool   `mapstructure:"testnet"`
}

// APIConfig contains control API settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// WebhookConfig contains webhook intake settings
type WebhookConfig struct {
	Secret     string `mapstructure:"secret"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// TelegramConfig contains Telegram alerting settings
type TelegramConfig struct {
	BotToken string  `mapstructure:"bot_token"`
	ChatIDs  []int64 `mapstructure:"chat_ids"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("QUANTLOOP")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "quantloop")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("store.path", "quantloop.db")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)

	v.SetDefault("candles.source", "hyperliquid")
	v.SetDefault("candles.request_delay_ms", 200)
	v.SetDefault("candles.warmup_bars", 400)

	v.SetDefault("trading.coins", []string{"BTC", "ETH"})
	v.SetDefault("trading.interval", "15m")
	v.SetDefault("trading.strategy", "donchian_adx")
	v.SetDefault("trading.leverage", 3)
	v.SetDefault("trading.cross_margin", false)
	v.SetDefault("trading.entry_slippage_bps", 5)

	v.SetDefault("risk.sizing_mode", "risk")
	v.SetDefault("risk.risk_per_trade_usd", 50.0)
	v.SetDefault("risk.cash_per_trade", 500.0)
	v.SetDefault("risk.max_trades_per_day", 6)
	v.SetDefault("risk.max_daily_loss_usd", 150.0)
	v.SetDefault("risk.max_open_positions", 3)
	v.SetDefault("risk.max_notional_usd", 10000.0)
	v.SetDefault("risk.max_leverage", 10)
	v.SetDefault("risk.cooldown_bars", 2)

	v.SetDefault("optimize.max_iterations", 60)
	v.SetDefault("optimize.max_cycles", 2)
	v.SetDefault("optimize.max_fix_attempts", 3)
	v.SetDefault("optimize.min_trades", 30)
	v.SetDefault("optimize.target_score", 75.0)
	v.SetDefault("optimize.checkpoint_dir", ".quantloop/checkpoint")
	v.SetDefault("optimize.history_path", ".quantloop/history.json")
	v.SetDefault("optimize.refine_timeout_s", 900)
	v.SetDefault("optimize.restructure_timeout_s", 1800)
	v.SetDefault("optimize.min_phase_iters", 3)
	v.SetDefault("optimize.risk_per_trade_usd", 50.0)
	v.SetDefault("optimize.max_trades_per_day", 6)
	v.SetDefault("optimize.cooldown_bars", 2)
	v.SetDefault("optimize.backtest_start_days", 180)

	v.SetDefault("exchange.venue", "mock")
	v.SetDefault("exchange.base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("exchange.ws_endpoint", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("exchange.testnet", false)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8090)

	v.SetDefault("webhook.ttl_seconds", 120)
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Candles.Source != "binance" && c.Candles.Source != "hyperliquid" {
		return fmt.Errorf("candles.source must be binance or hyperliquid, got %q", c.Candles.Source)
	}
	if c.Risk.SizingMode != "risk" && c.Risk.SizingMode != "cash" {
		return fmt.Errorf("risk.sizing_mode must be risk or cash, got %q", c.Risk.SizingMode)
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be positive")
	}
	if c.Trading.Leverage > c.Risk.MaxLeverage {
		return fmt.Errorf("trading.leverage %d exceeds risk.max_leverage %d", c.Trading.Leverage, c.Risk.MaxLeverage)
	}
	if c.Optimize.MaxIterations <= 0 {
		return fmt.Errorf("optimize.max_iterations must be positive")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	return nil
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RefineTimeout returns the modifier timeout for the refine phase
func (c *OptimizeConfig) RefineTimeout() time.Duration {
	return time.Duration(c.RefineTimeoutS) * time.Second
}

// RestructureTimeout returns the modifier timeout for the restructure phase
func (c *OptimizeConfig) RestructureTimeout() time.Duration {
	return time.Duration(c.RestructTimeoutS) * time.Second
}
