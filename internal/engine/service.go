// Package engine owns per-broker runtime state and executes trades after
// the trading-limit and PDT checks pass.
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"autotrade-core/internal/limits"
	"autotrade-core/internal/pdt"
	"autotrade-core/pkg/db"
)

// Service defines the engine operations used by the orchestration and API layers.
type Service interface {
	// Lifecycle
	Start(ctx context.Context, brokerID string) (BrokerState, error)
	Stop(ctx context.Context, brokerID string) (BrokerState, error)
	StopAll(ctx context.Context)
	Reset(ctx context.Context, brokerID string) (BrokerState, error)

	// Execution
	ExecuteTrade(ctx context.Context, brokerID string, p Proposal) (Trade, error)

	// Queries
	GetState() []BrokerState
	BrokerState(brokerID string) (BrokerState, error)
	Trades(brokerID string, limit int) ([]Trade, error)
	Refresh(ctx context.Context) []BrokerState
}

// Funds supplies the account figures that bound trading.
type Funds interface {
	ActualBalance() decimal.Decimal
	Equity() decimal.Decimal
}

// LimitSource computes the effective trading limit of a broker.
type LimitSource interface {
	EffectiveLimit(brokerID string, actualBalance decimal.Decimal) (decimal.Decimal, error)
}

// DayTradeGate holds a day-trade slot until the trade commits.
type DayTradeGate interface {
	Reserve(equity *decimal.Decimal) (*pdt.Reservation, error)
}

// Journal persists executed trades.
type Journal interface {
	InsertBrokerTrade(ctx context.Context, t db.BrokerTrade) error
}

var (
	_ LimitSource  = (*limits.Validator)(nil)
	_ DayTradeGate = (*pdt.Tracker)(nil)
	_ Journal      = (*db.Queries)(nil)
)

func toJournal(t Trade) db.BrokerTrade {
	row := db.BrokerTrade{
		ID:         t.ID,
		ProposalID: t.ProposalID,
		BrokerID:   t.BrokerID,
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		Quantity:   t.Quantity,
		Price:      t.Price,
		Reasoning:  t.Reasoning,
		Status:     t.Status,
		DayTrade:   t.DayTrade,
		ExecutedAt: t.Timestamp,
	}
	if t.Profit != nil {
		row.Profit = decimal.NewNullDecimal(*t.Profit)
	}
	return row
}

const journalTimeout = 5 * time.Second
