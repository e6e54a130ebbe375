// Package brokers defines the connector contract every broker adapter
// implements, so the engine dispatches by registry lookup instead of
// branching on broker names.
package brokers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable means the broker could not be reached.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrNotConnected means Connect has not succeeded yet.
	ErrNotConnected = errors.New("broker not connected")
	// ErrRejected means the broker refused the order itself.
	ErrRejected = errors.New("order rejected by broker")
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderRequest is a market order; Price is the reference price used for
// simulation and when the broker reports no fill price.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal
}

// Fill is the broker's execution report.
type Fill struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	FilledAt      time.Time
}

// Portfolio is a broker-reported account summary.
type Portfolio struct {
	Equity      decimal.Decimal
	Cash        decimal.Decimal
	MarketValue decimal.Decimal
	DayPnL      decimal.Decimal
	AsOf        time.Time
}

// Adapter is implemented by every broker connector.
type Adapter interface {
	ID() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error)
	GetPortfolio(ctx context.Context) (Portfolio, error)
}

// Resetter is implemented by adapters that keep their own simulated book
// and can return it to its opening balance.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Set indexes adapters by broker id.
type Set struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		s.adapters[a.ID()] = a
	}
	return s
}

// Register adds or replaces an adapter.
func (s *Set) Register(a Adapter) {
	s.mu.Lock()
	s.adapters[a.ID()] = a
	s.mu.Unlock()
}

// Get looks up an adapter.
func (s *Set) Get(id string) (Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[id]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for broker %q", id)
	}
	return a, nil
}

// IDs lists registered broker ids, sorted.
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.adapters))
	for id := range s.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
