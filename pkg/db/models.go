package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deposit statuses.
const (
	DepositPending   = "pending"
	DepositCompleted = "completed"
)

// User carries the cumulative settled deposit total.
type User struct {
	ID             string
	TotalDeposited decimal.Decimal
	CreatedAt      time.Time
}

// TradingAccount is the cash account credited by deposit settlement.
type TradingAccount struct {
	ID              string
	UserID          string
	Balance         decimal.Decimal
	BuyingPower     decimal.Decimal
	MaxDepositLimit decimal.Decimal
	IsActive        bool
	UpdatedAt       time.Time
}

// Deposit is one request to fund a trading account.
type Deposit struct {
	ID            string
	UserID        string
	Amount        decimal.Decimal
	Status        string
	TransactionID string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// BrokerTrade is a journaled engine fill.
type BrokerTrade struct {
	ID         string
	ProposalID string
	BrokerID   string
	Symbol     string
	Side       string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Profit     decimal.NullDecimal
	Reasoning  string
	Status     string
	DayTrade   bool
	ExecutedAt time.Time
}

// PDTSettings is the single persisted tracker settings row.
type PDTSettings struct {
	ProtectionEnabled bool
	WindowStart       string // "2006-01-02", empty when never reset
}

// Decision records the outcome of one trade proposal.
type Decision struct {
	ID         int64
	ProposalID string
	BrokerID   string
	Symbol     string
	Side       string
	Accepted   bool
	Code       string
	Reason     string
	Reasoning  string
	DecidedAt  time.Time
}
