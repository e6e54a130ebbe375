package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"autotrade-core/pkg/brokers"
)

// Trade statuses.
const (
	TradePending   = "pending"
	TradeCompleted = "completed"
)

// Proposal is a trade suggested by an external decision source. ID makes
// execution idempotent: an id executes at most once across all brokers.
type Proposal struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       brokers.Side    `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
}

// Notional is quantity times reference price.
func (p Proposal) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.Price)
}

// Trade is an accepted, executed proposal.
type Trade struct {
	ID         string           `json:"id"`
	ProposalID string           `json:"proposalId"`
	OrderID    string           `json:"orderId,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	BrokerID   string           `json:"brokerId"`
	Symbol     string           `json:"symbol"`
	Side       brokers.Side     `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      decimal.Decimal  `json:"price"`
	Profit     *decimal.Decimal `json:"profit,omitempty"`
	Reasoning  string           `json:"reasoning,omitempty"`
	Status     string           `json:"status"`
	DayTrade   bool             `json:"dayTrade"`
	// Replayed marks a trade returned for an already processed proposal.
	Replayed   bool             `json:"replayed,omitempty"`
}

// Portfolio aggregates one broker's book.
type Portfolio struct {
	Value      decimal.Decimal `json:"value"`
	TradeCount int             `json:"tradeCount"`
	Profit     decimal.Decimal `json:"profit"`
}

// BrokerMark is the broker's own view of its account, as last reported.
// It is informational; the engine's Portfolio stays authoritative.
type BrokerMark struct {
	Equity      decimal.Decimal `json:"equity"`
	Cash        decimal.Decimal `json:"cash"`
	MarketValue decimal.Decimal `json:"marketValue"`
	DayPnL      decimal.Decimal `json:"dayPnl"`
	AsOf        time.Time       `json:"asOf"`
}

// BrokerState is the runtime state of one broker. Values returned by the
// engine are copies.
type BrokerState struct {
	BrokerID    string      `json:"brokerId"`
	DisplayName string      `json:"displayName"`
	Mode        string      `json:"mode"`
	Active      bool        `json:"active"`
	Connected   bool        `json:"connected"`
	Portfolio   Portfolio   `json:"portfolio"`
	BrokerMark  *BrokerMark `json:"brokerMark,omitempty"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
	Revision    uint64      `json:"revision"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (s BrokerState) clone() BrokerState {
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.BrokerMark != nil {
		m := *s.BrokerMark
		s.BrokerMark = &m
	}
	return s
}

// Rejection is published for every refused proposal.
type Rejection struct {
	BrokerID   string    `json:"brokerId"`
	ProposalID string    `json:"proposalId"`
	Kind       string    `json:"kind"`
	Code       string    `json:"code"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}
