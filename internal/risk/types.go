package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config defines the daily circuit breaker limits.
type Config struct {
	// MaxDailyLoss trips the breaker once the day's realized losses reach it.
	MaxDailyLoss decimal.Decimal `json:"maxDailyLoss"`
	// MaxDailyTrades of zero disables the trade-count limit.
	MaxDailyTrades int `json:"maxDailyTrades"`
	// WarningThreshold is the fraction of MaxDailyLoss that raises an alert.
	WarningThreshold float64 `json:"warningThreshold"`
}

// DefaultConfig returns default risk configuration.
func DefaultConfig() Config {
	return Config{
		MaxDailyLoss:     decimal.NewFromInt(500),
		WarningThreshold: 0.8,
	}
}

// Metrics tracks the current risk status.
type Metrics struct {
	Date string `json:"date"`

	// Daily Statistics
	DailyPnL    decimal.Decimal `json:"dailyPnl"`
	DailyTrades int             `json:"dailyTrades"`
	DailyLosses decimal.Decimal `json:"dailyLosses"`

	// Cumulative
	TotalRealizedPnL decimal.Decimal `json:"totalRealizedPnl"`
	MaxProfit        decimal.Decimal `json:"maxProfit"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
}

// Circuit is the breaker state.
type Circuit struct {
	Open      bool       `json:"open"`
	Reason    string     `json:"reason,omitempty"`
	TrippedAt *time.Time `json:"trippedAt,omitempty"`
	Warned    bool       `json:"warned"`
}

// Alert is published on EventRiskAlert and EventEmergencyStop.
type Alert struct {
	Level  string    `json:"level"` // WARNING or EMERGENCY
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
