package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/logger"
)

// Config holds the process-wide configuration. Per-user settings live in the users file.
type Config struct {
	// Exchange
	IsTestnet            bool
	DryRun               bool    // Paper accounts instead of real orders
	RequestsPerSecond    float64 // REST budget per credential
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Files
	UsersFile  string
	DBPath     string
	NotifyFile string // "-" is stdout

	// Market data
	PollTick         time.Duration
	MaxPollInterval  time.Duration
	StaleAfter       time.Duration
	HistorySize      int
	FetchConcurrency int
	MarketSpacing    time.Duration

	// Strategy Parameters
	StrategyFastMAPeriod int
	StrategySlowMAPeriod int
	StrategyMAType       string // SMA or EMA
	MACDFast             int
	MACDSlow             int
	MACDSignal           int
	ATRPeriod            int
	AnomalyATRMultiple   float64

	// Execution
	OrderTagPrefix  string
	FillTimeout     time.Duration
	CloseAttempts   int
	RepriceStep     float64 // Fraction of price per close attempt, e.g. 0.001
	ReconcileSpec   string  // Cron spec of the periodic reconciliation
	SummarySpec     string  // Cron spec of the daily summary
	OrderRetention  time.Duration
	ShutdownTimeout time.Duration
	MetricsAddr     string // Empty disables the endpoint

	// Logging
	LogLevel      logger.LogLevel
	LogJSON       bool
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Exchange
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	cfg.DryRun = getEnvAsBool("DRY_RUN", false)
	cfg.RequestsPerSecond, err = getEnvAsFloatRequired("REQUESTS_PER_SECOND", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid REQUESTS_PER_SECOND: %v", err))
	} else if cfg.RequestsPerSecond <= 0 {
		errs = append(errs, "REQUESTS_PER_SECOND must be positive")
	}
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 1)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second
	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Files
	cfg.UsersFile = getEnv("USERS_FILE", "./users.yaml")
	cfg.DBPath = getEnv("DB_PATH", "./data/trading_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}
	cfg.NotifyFile = getEnv("NOTIFY_FILE", "-")

	// Market data
	if cfg.PollTick, err = getEnvAsSeconds("POLL_TICK_SECONDS", 5); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.MaxPollInterval, err = getEnvAsSeconds("MAX_POLL_INTERVAL_SECONDS", 60); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.StaleAfter, err = getEnvAsSeconds("STALE_AFTER_SECONDS", 180); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.StaleAfter > 0 && cfg.PollTick > 0 && cfg.StaleAfter <= cfg.PollTick {
		errs = append(errs, "STALE_AFTER_SECONDS must exceed POLL_TICK_SECONDS")
	}
	cfg.HistorySize, err = getEnvAsIntRequired("HISTORY_SIZE", 150)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid HISTORY_SIZE: %v", err))
	} else if cfg.HistorySize < 2 || cfg.HistorySize > 1500 {
		errs = append(errs, "HISTORY_SIZE must be between 2 and 1500")
	}
	cfg.FetchConcurrency = getEnvAsInt("FETCH_CONCURRENCY", 4)
	if cfg.FetchConcurrency <= 0 {
		errs = append(errs, "FETCH_CONCURRENCY must be positive")
	}
	cfg.MarketSpacing = time.Duration(getEnvAsInt("MARKET_SPACING_MS", 200)) * time.Millisecond

	// Strategy Parameters (using defaults if not set)
	cfg.StrategyFastMAPeriod = getEnvAsInt("STRATEGY_FAST_MA_PERIOD", 9)
	cfg.StrategySlowMAPeriod = getEnvAsInt("STRATEGY_SLOW_MA_PERIOD", 26)
	cfg.StrategyMAType = strings.ToUpper(getEnv("STRATEGY_MA_TYPE", "SMA"))
	cfg.MACDFast = getEnvAsInt("STRATEGY_MACD_FAST", 12)
	cfg.MACDSlow = getEnvAsInt("STRATEGY_MACD_SLOW", 26)
	cfg.MACDSignal = getEnvAsInt("STRATEGY_MACD_SIGNAL", 9)
	cfg.ATRPeriod = getEnvAsInt("STRATEGY_ATR_PERIOD", 14)
	cfg.AnomalyATRMultiple = getEnvAsFloat("STRATEGY_ANOMALY_ATR_MULTIPLE", 3)

	if cfg.StrategyFastMAPeriod <= 0 || cfg.StrategySlowMAPeriod <= 0 || cfg.ATRPeriod <= 0 ||
		cfg.MACDFast <= 0 || cfg.MACDSlow <= 0 || cfg.MACDSignal <= 0 {
		errs = append(errs, "strategy periods (MA, MACD, ATR) must be positive")
	}
	if cfg.StrategyFastMAPeriod >= cfg.StrategySlowMAPeriod {
		errs = append(errs, "STRATEGY_FAST_MA_PERIOD must be less than STRATEGY_SLOW_MA_PERIOD")
	}
	if cfg.MACDFast >= cfg.MACDSlow {
		errs = append(errs, "STRATEGY_MACD_FAST must be less than STRATEGY_MACD_SLOW")
	}
	if cfg.StrategyMAType != "SMA" && cfg.StrategyMAType != "EMA" {
		errs = append(errs, "STRATEGY_MA_TYPE must be SMA or EMA")
	}
	if cfg.AnomalyATRMultiple <= 0 {
		errs = append(errs, "STRATEGY_ANOMALY_ATR_MULTIPLE must be positive")
	}

	// Execution
	cfg.OrderTagPrefix = getEnv("ORDER_TAG_PREFIX", "tb")
	if cfg.FillTimeout, err = getEnvAsSeconds("FILL_TIMEOUT_SECONDS", 10); err != nil {
		errs = append(errs, err.Error())
	}
	cfg.CloseAttempts = getEnvAsInt("CLOSE_ATTEMPTS", 3)
	if cfg.CloseAttempts <= 0 {
		errs = append(errs, "CLOSE_ATTEMPTS must be positive")
	}
	cfg.RepriceStep, err = getEnvAsFloatRequired("REPRICE_STEP", 0.001)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid REPRICE_STEP: %v", err))
	} else if cfg.RepriceStep < 0 || cfg.RepriceStep >= 0.1 {
		errs = append(errs, "REPRICE_STEP must be between 0 and 0.1")
	}
	cfg.ReconcileSpec = getEnv("RECONCILE_CRON", "@every 1m")
	cfg.SummarySpec = getEnv("SUMMARY_CRON", "0 0 * * *")
	retentionDays := getEnvAsInt("ORDER_RETENTION_DAYS", 7)
	if retentionDays <= 0 {
		errs = append(errs, "ORDER_RETENTION_DAYS must be positive")
	}
	cfg.OrderRetention = time.Duration(retentionDays) * 24 * time.Hour
	if cfg.ShutdownTimeout, err = getEnvAsSeconds("SHUTDOWN_TIMEOUT_SECONDS", 30); err != nil {
		errs = append(errs, err.Error())
	}
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package
	cfg.LogJSON = getEnvAsBool("LOG_JSON", false)
	cfg.LogFile = getEnv("LOG_FILE", "")
	cfg.LogMaxSizeMB = getEnvAsInt("LOG_MAX_SIZE_MB", 100)
	cfg.LogMaxBackups = getEnvAsInt("LOG_MAX_BACKUPS", 5)
	cfg.LogMaxAgeDays = getEnvAsInt("LOG_MAX_AGE_DAYS", 30)

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

// getEnvAsSeconds reads a positive number of seconds.
func getEnvAsSeconds(key string, defaultSeconds int) (time.Duration, error) {
	n, err := getEnvAsIntRequired(key, defaultSeconds)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return time.Duration(n) * time.Second, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
