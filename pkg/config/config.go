package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the trading coordinator.
type Config struct {
	Port     string
	GRPCPort string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Logging
	LogLevel  string
	LogPretty bool

	// AccountUserID owns the trading account whose balance bounds broker limits.
	AccountUserID string

	Brokers     []Broker
	BrokersFile string

	PDT     PDTConfig
	Deposit DepositConfig
	Risk    RiskConfig
	Market  TradingHours

	// Alpaca
	AlpacaAPIKey    string
	AlpacaAPISecret string
	AlpacaBaseURL   string

	// Paper adapters
	PaperSlippageBps float64

	// Orchestration
	ProposalQueueSize int
	OrderRatePerSec   float64
	OrderBurst        int
	RefreshSchedule   string
	RiskResetSchedule string
	BalanceSchedule   string

	// API
	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string
	RequestTimeout     time.Duration
}

type PDTConfig struct {
	Threshold         decimal.Decimal
	DayTradeLimit     int
	ProtectionEnabled bool
}

type DepositConfig struct {
	Min       decimal.Decimal
	MaxSingle decimal.Decimal
	MaxTotal  decimal.Decimal
}

type RiskConfig struct {
	MaxDailyLoss decimal.Decimal
}

// TradingHours describes the regular session of the exchange calendar.
type TradingHours struct {
	Timezone string
	Open     string // "09:30"
	Close    string // "16:00"
}

// Location resolves the configured timezone.
func (h TradingHours) Location() (*time.Location, error) {
	return time.LoadLocation(h.Timezone)
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		GRPCPort:      getEnv("GRPC_PORT", "9090"),
		DBPath:        getEnv("DB_PATH", "./data/autotrade.db"),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPretty:     getEnvBool("LOG_PRETTY", false),
		AccountUserID: getEnv("ACCOUNT_USER_ID", "owner"),
		BrokersFile:   getEnv("BROKERS_FILE", ""),
		PDT: PDTConfig{
			Threshold:         getEnvDecimal("PDT_THRESHOLD", decimal.NewFromInt(25000)),
			DayTradeLimit:     getEnvInt("PDT_DAY_TRADE_LIMIT", 3),
			ProtectionEnabled: getEnvBool("PDT_PROTECTION", true),
		},
		Deposit: DepositConfig{
			Min:       getEnvDecimal("DEPOSIT_MIN", decimal.NewFromInt(10)),
			MaxSingle: getEnvDecimal("DEPOSIT_MAX_SINGLE", decimal.NewFromInt(5000)),
			MaxTotal:  getEnvDecimal("DEPOSIT_MAX_TOTAL", decimal.NewFromInt(10000)),
		},
		Risk: RiskConfig{
			MaxDailyLoss: getEnvDecimal("RISK_MAX_DAILY_LOSS", decimal.NewFromInt(500)),
		},
		Market: TradingHours{
			Timezone: getEnv("MARKET_TIMEZONE", "America/New_York"),
			Open:     getEnv("MARKET_OPEN", "09:30"),
			Close:    getEnv("MARKET_CLOSE", "16:00"),
		},
		AlpacaAPIKey:       os.Getenv("ALPACA_API_KEY"),
		AlpacaAPISecret:    os.Getenv("ALPACA_API_SECRET"),
		AlpacaBaseURL:      getEnv("ALPACA_BASE_URL", "https://paper-api.alpaca.markets"),
		PaperSlippageBps:   getEnvFloat("PAPER_SLIPPAGE_BPS", 0),
		ProposalQueueSize:  getEnvInt("PROPOSAL_QUEUE_SIZE", 64),
		OrderRatePerSec:    getEnvFloat("ORDER_RATE_PER_SEC", 5),
		OrderBurst:         getEnvInt("ORDER_BURST", 10),
		RefreshSchedule:    getEnv("REFRESH_SCHEDULE", "*/30 * * * * *"),
		RiskResetSchedule:  getEnv("RISK_RESET_SCHEDULE", "0 0 9 * * MON-FRI"),
		BalanceSchedule:    getEnv("BALANCE_SCHEDULE", "0 * * * * *"),
		RateLimitRPS:       getEnvFloat("API_RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("API_RATE_LIMIT_BURST", 40),
		CORSAllowedOrigins: splitAndTrim(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		RequestTimeout:     time.Duration(getEnvInt("REQUEST_TIMEOUT_MS", 10000)) * time.Millisecond,
	}

	brokers := DefaultBrokers()
	if cfg.BrokersFile != "" {
		loaded, err := LoadBrokers(cfg.BrokersFile)
		if err != nil {
			return nil, err
		}
		brokers = loaded
	}
	cfg.Brokers = brokers

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the coordinator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.AccountUserID == "" {
		errs = append(errs, errors.New("ACCOUNT_USER_ID is required"))
	}
	if !c.PDT.Threshold.IsPositive() || c.PDT.DayTradeLimit < 0 {
		errs = append(errs, errors.New("PDT threshold must be positive and day trade limit non-negative"))
	}
	if !c.Deposit.Min.IsPositive() || c.Deposit.MaxSingle.LessThan(c.Deposit.Min) || c.Deposit.MaxTotal.LessThan(c.Deposit.Min) {
		errs = append(errs, fmt.Errorf("deposit caps must satisfy 0 < min (%s) <= single (%s), total (%s)",
			c.Deposit.Min, c.Deposit.MaxSingle, c.Deposit.MaxTotal))
	}
	if !c.Risk.MaxDailyLoss.IsPositive() {
		errs = append(errs, errors.New("RISK_MAX_DAILY_LOSS must be positive"))
	}
	if _, err := c.Market.Location(); err != nil {
		errs = append(errs, fmt.Errorf("MARKET_TIMEZONE: %w", err))
	}
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("at least one broker must be configured"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}
