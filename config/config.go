package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	BybitConfig        BybitConfig        `json:"bybit"`
	TradingConfig      TradingConfig      `json:"trading"`
	ExecutionConfig    ExecutionConfig    `json:"execution"`
	ReconcilerConfig   ReconcilerConfig   `json:"reconciler"`
	HealthConfig       HealthConfig       `json:"health"`
	CircuitConfig      CircuitConfig      `json:"circuit_breaker"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	ServerConfig       ServerConfig       `json:"server"`
	AuthConfig         AuthConfig         `json:"auth"`
	VaultConfig        VaultConfig        `json:"vault"`
	RedisConfig        RedisConfig        `json:"redis"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
}

// BybitConfig holds Bybit API connection settings
type BybitConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	WSURL     string `json:"ws_url"`
	TestNet   bool   `json:"testnet"`
	MockMode  bool   `json:"mock_mode"` // Use the in-process mock client instead of live API
}

// TradingConfig holds position and protection settings
type TradingConfig struct {
	Symbol              string    `json:"symbol"`
	Leverage            int       `json:"leverage"`
	SizingMethod        string    `json:"sizing_method"`         // "fixed" or "compound"
	FixedNotionalUSD    float64   `json:"fixed_notional_usd"`    // Order size for "fixed" sizing
	CompoundBaseUSD     float64   `json:"compound_base_usd"`     // Starting size for "compound" sizing
	CompoundReinvestPct float64   `json:"compound_reinvest_pct"` // % of accumulated profit added to each entry
	LotSize             float64   `json:"lot_size"`              // Exchange quantity step for the symbol
	StopLossPercent     float64   `json:"stop_loss_percent"`     // Stop distance from live entry price
	TakeProfitPercents  []float64 `json:"take_profit_percents"`  // Target % per TP level, ordered
	TakeProfitSizes     []float64 `json:"take_profit_sizes"`     // Size % of position per TP level
	UseTrailingStop     bool      `json:"use_trailing_stop"`
	DryRun              bool      `json:"dry_run"`
}

// ExecutionConfig holds order execution pipeline settings
type ExecutionConfig struct {
	MaxRetries        int     `json:"max_retries"`
	RetryDelayMs      int     `json:"retry_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	StatusPollMs      int     `json:"status_poll_ms"`
	MaxStatusPolls    int     `json:"max_status_polls"`
	MaxSlippagePct    float64 `json:"max_slippage_pct"`
}

// ReconcilerConfig holds position reconciliation cadences
type ReconcilerConfig struct {
	FastIntervalSecs   int `json:"fast_interval_secs"`    // Existence/field check cadence
	DeepIntervalSecs   int `json:"deep_interval_secs"`    // Protection verification cadence
	MinPositionAgeSecs int `json:"min_position_age_secs"` // Deep-check floor
	HistoryPageSize    int `json:"history_page_size"`     // Orders fetched when classifying an external close
}

// HealthConfig holds position health monitor settings
type HealthConfig struct {
	CacheTTLSecs         int     `json:"cache_ttl_secs"`
	DrawdownAlertPercent float64 `json:"drawdown_alert_percent"`
	MaxHoldMinutes       float64 `json:"max_hold_minutes"` // Time-at-risk saturation point
}

// CircuitConfig holds per-strategy circuit breaker settings
type CircuitConfig struct {
	FailureThreshold int     `json:"failure_threshold"`
	TimeoutSecs      int     `json:"timeout_secs"`
	BackoffBase      float64 `json:"backoff_base"`
	MaxBackoffSecs   int     `json:"max_backoff_secs"`
	HalfOpenAttempts int     `json:"half_open_attempts"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // Console writer instead of JSON
}

// ServerConfig holds the operator HTTP API settings
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds operator API authentication settings
type AuthConfig struct {
	Enabled              bool          `json:"enabled"`
	JWTSecret            string        `json:"jwt_secret"`
	AccessTokenDuration  time.Duration `json:"access_token_duration"`
	OperatorUsername     string        `json:"operator_username"`
	OperatorPasswordHash string        `json:"operator_password_hash"` // bcrypt hash
}

// VaultConfig holds HashiCorp Vault configuration for API key storage
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// RedisConfig holds Redis configuration for position snapshots
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig holds PostgreSQL configuration for the trade journal
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

func Load() (*Config, error) {
	// Base config from file, environment overrides on top
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.TradingConfig.Symbol == "" {
		return fmt.Errorf("trading symbol is required")
	}
	if c.TradingConfig.StopLossPercent <= 0 {
		return fmt.Errorf("stop_loss_percent must be positive")
	}
	if len(c.TradingConfig.TakeProfitPercents) != len(c.TradingConfig.TakeProfitSizes) {
		return fmt.Errorf("take_profit_percents and take_profit_sizes must have equal length")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Bybit config
	cfg.BybitConfig.APIKey = getEnvOrDefault("BYBIT_API_KEY", cfg.BybitConfig.APIKey)
	cfg.BybitConfig.SecretKey = getEnvOrDefault("BYBIT_SECRET_KEY", cfg.BybitConfig.SecretKey)
	// Empty base URL means derive from the testnet flag
	cfg.BybitConfig.BaseURL = getEnvOrDefault("BYBIT_BASE_URL", cfg.BybitConfig.BaseURL)
	cfg.BybitConfig.WSURL = getEnvOrDefault("BYBIT_WS_URL", cfg.BybitConfig.WSURL)
	if cfg.BybitConfig.WSURL == "" {
		cfg.BybitConfig.WSURL = "wss://stream.bybit.com/v5/public/linear"
	}
	if v := os.Getenv("BYBIT_TESTNET"); v != "" {
		cfg.BybitConfig.TestNet = v == "true"
	}
	if v := os.Getenv("MOCK_MODE"); v != "" {
		cfg.BybitConfig.MockMode = v == "true"
	}

	// Trading config
	cfg.TradingConfig.Symbol = getEnvOrDefault("TRADING_SYMBOL", defaultString(cfg.TradingConfig.Symbol, "BTCUSDT"))
	cfg.TradingConfig.Leverage = getEnvIntOrDefault("TRADING_LEVERAGE", defaultInt(cfg.TradingConfig.Leverage, 5))
	cfg.TradingConfig.SizingMethod = getEnvOrDefault("TRADING_SIZING_METHOD", defaultString(cfg.TradingConfig.SizingMethod, "fixed"))
	cfg.TradingConfig.FixedNotionalUSD = getEnvFloatOrDefault("TRADING_FIXED_NOTIONAL_USD", defaultFloat(cfg.TradingConfig.FixedNotionalUSD, 100))
	cfg.TradingConfig.CompoundBaseUSD = getEnvFloatOrDefault("TRADING_COMPOUND_BASE_USD", defaultFloat(cfg.TradingConfig.CompoundBaseUSD, 100))
	cfg.TradingConfig.CompoundReinvestPct = getEnvFloatOrDefault("TRADING_COMPOUND_REINVEST_PCT", defaultFloat(cfg.TradingConfig.CompoundReinvestPct, 50))
	cfg.TradingConfig.LotSize = getEnvFloatOrDefault("TRADING_LOT_SIZE", defaultFloat(cfg.TradingConfig.LotSize, 0.001))
	cfg.TradingConfig.StopLossPercent = getEnvFloatOrDefault("TRADING_STOP_LOSS_PERCENT", defaultFloat(cfg.TradingConfig.StopLossPercent, 1.0))
	if len(cfg.TradingConfig.TakeProfitPercents) == 0 {
		cfg.TradingConfig.TakeProfitPercents = []float64{1.0, 2.0, 3.5}
		cfg.TradingConfig.TakeProfitSizes = []float64{40, 30, 30}
	}
	if v := os.Getenv("TRADING_DRY_RUN"); v != "" {
		cfg.TradingConfig.DryRun = v == "true"
	}

	// Execution config
	cfg.ExecutionConfig.MaxRetries = getEnvIntOrDefault("EXEC_MAX_RETRIES", defaultInt(cfg.ExecutionConfig.MaxRetries, 3))
	cfg.ExecutionConfig.RetryDelayMs = getEnvIntOrDefault("EXEC_RETRY_DELAY_MS", defaultInt(cfg.ExecutionConfig.RetryDelayMs, 500))
	cfg.ExecutionConfig.BackoffMultiplier = getEnvFloatOrDefault("EXEC_BACKOFF_MULTIPLIER", defaultFloat(cfg.ExecutionConfig.BackoffMultiplier, 2.0))
	cfg.ExecutionConfig.StatusPollMs = getEnvIntOrDefault("EXEC_STATUS_POLL_MS", defaultInt(cfg.ExecutionConfig.StatusPollMs, 500))
	cfg.ExecutionConfig.MaxStatusPolls = getEnvIntOrDefault("EXEC_MAX_STATUS_POLLS", defaultInt(cfg.ExecutionConfig.MaxStatusPolls, 10))
	cfg.ExecutionConfig.MaxSlippagePct = getEnvFloatOrDefault("EXEC_MAX_SLIPPAGE_PCT", defaultFloat(cfg.ExecutionConfig.MaxSlippagePct, 0.5))

	// Reconciler config
	cfg.ReconcilerConfig.FastIntervalSecs = getEnvIntOrDefault("RECONCILE_FAST_INTERVAL_SECS", defaultInt(cfg.ReconcilerConfig.FastIntervalSecs, 10))
	cfg.ReconcilerConfig.DeepIntervalSecs = getEnvIntOrDefault("RECONCILE_DEEP_INTERVAL_SECS", defaultInt(cfg.ReconcilerConfig.DeepIntervalSecs, 30))
	cfg.ReconcilerConfig.MinPositionAgeSecs = getEnvIntOrDefault("RECONCILE_MIN_POSITION_AGE_SECS", defaultInt(cfg.ReconcilerConfig.MinPositionAgeSecs, 120))
	cfg.ReconcilerConfig.HistoryPageSize = getEnvIntOrDefault("RECONCILE_HISTORY_PAGE_SIZE", defaultInt(cfg.ReconcilerConfig.HistoryPageSize, 20))

	// Health config
	cfg.HealthConfig.CacheTTLSecs = getEnvIntOrDefault("HEALTH_CACHE_TTL_SECS", defaultInt(cfg.HealthConfig.CacheTTLSecs, 60))
	cfg.HealthConfig.DrawdownAlertPercent = getEnvFloatOrDefault("HEALTH_DRAWDOWN_ALERT_PERCENT", defaultFloat(cfg.HealthConfig.DrawdownAlertPercent, 5.0))
	cfg.HealthConfig.MaxHoldMinutes = getEnvFloatOrDefault("HEALTH_MAX_HOLD_MINUTES", defaultFloat(cfg.HealthConfig.MaxHoldMinutes, 240))

	// Circuit breaker config
	cfg.CircuitConfig.FailureThreshold = getEnvIntOrDefault("CIRCUIT_FAILURE_THRESHOLD", defaultInt(cfg.CircuitConfig.FailureThreshold, 5))
	cfg.CircuitConfig.TimeoutSecs = getEnvIntOrDefault("CIRCUIT_TIMEOUT_SECS", defaultInt(cfg.CircuitConfig.TimeoutSecs, 60))
	cfg.CircuitConfig.BackoffBase = getEnvFloatOrDefault("CIRCUIT_BACKOFF_BASE", defaultFloat(cfg.CircuitConfig.BackoffBase, 2.0))
	cfg.CircuitConfig.MaxBackoffSecs = getEnvIntOrDefault("CIRCUIT_MAX_BACKOFF_SECS", defaultInt(cfg.CircuitConfig.MaxBackoffSecs, 1800))
	cfg.CircuitConfig.HalfOpenAttempts = getEnvIntOrDefault("CIRCUIT_HALF_OPEN_ATTEMPTS", defaultInt(cfg.CircuitConfig.HalfOpenAttempts, 2))

	// Notification config
	if v := os.Getenv("NOTIFICATIONS_ENABLED"); v != "" {
		cfg.NotificationConfig.Enabled = v == "true"
	}
	if v := os.Getenv("TELEGRAM_ENABLED"); v != "" {
		cfg.NotificationConfig.Telegram.Enabled = v == "true"
	}
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	if v := os.Getenv("DISCORD_ENABLED"); v != "" {
		cfg.NotificationConfig.Discord.Enabled = v == "true"
	}
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "info"))
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		cfg.LoggingConfig.Pretty = v == "true"
	}

	// Server config
	if v := os.Getenv("SERVER_ENABLED"); v != "" {
		cfg.ServerConfig.Enabled = v == "true"
	}
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", defaultString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Auth config
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		cfg.AuthConfig.Enabled = v == "true"
	}
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 15*time.Minute)
	cfg.AuthConfig.OperatorUsername = getEnvOrDefault("AUTH_OPERATOR_USERNAME", defaultString(cfg.AuthConfig.OperatorUsername, "operator"))
	cfg.AuthConfig.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPasswordHash)

	// Vault config
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultString(cfg.VaultConfig.SecretPath, "position-bot/api-keys"))
	if v := os.Getenv("VAULT_TLS_ENABLED"); v != "" {
		cfg.VaultConfig.TLSEnabled = v == "true"
	}

	// Redis config
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Database config
	if v := os.Getenv("DB_ENABLED"); v != "" {
		cfg.DatabaseConfig.Enabled = v == "true"
	}
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultString(cfg.DatabaseConfig.User, "position_bot"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultString(cfg.DatabaseConfig.Database, "position_bot"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultString(cfg.DatabaseConfig.SSLMode, "disable"))
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func defaultFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}
