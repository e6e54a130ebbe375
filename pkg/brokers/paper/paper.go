// Package paper implements an in-memory broker used for paper accounts
// and tests.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"autotrade-core/pkg/brokers"
	"autotrade-core/pkg/id"
)

// Config tunes the simulation.
type Config struct {
	InitialCash decimal.Decimal
	SlippageBps float64
	// Seed fixes the slippage noise; zero seeds from the clock.
	Seed int64
}

type position struct {
	qty       decimal.Decimal
	avgPrice  decimal.Decimal
	lastPrice decimal.Decimal
}

// Broker simulates fills against a cash balance.
type Broker struct {
	id  string
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	online    bool
	connected bool
	cash      decimal.Decimal
	positions map[string]*position
	fills     map[string]brokers.Fill // by client order id
}

var (
	_ brokers.Adapter  = (*Broker)(nil)
	_ brokers.Resetter = (*Broker)(nil)
)

func New(brokerID string, cfg Config, log zerolog.Logger) *Broker {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Broker{
		id:        brokerID,
		cfg:       cfg,
		log:       log.With().Str("broker", brokerID).Logger(),
		rng:       rand.New(rand.NewSource(seed)),
		online:    true,
		cash:      cfg.InitialCash,
		positions: make(map[string]*position),
		fills:     make(map[string]brokers.Fill),
	}
}

func (b *Broker) ID() string { return b.id }

// SetOnline simulates a network partition when false.
func (b *Broker) SetOnline(online bool) {
	b.mu.Lock()
	b.online = online
	if !online {
		b.connected = false
	}
	b.mu.Unlock()
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.online {
		return fmt.Errorf("%w: %s offline", brokers.ErrUnavailable, b.id)
	}
	b.connected = true
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

// PlaceOrder fills immediately at the reference price plus slippage.
// Replaying a client order id returns the original fill.
func (b *Broker) PlaceOrder(ctx context.Context, req brokers.OrderRequest) (brokers.Fill, error) {
	if err := ctx.Err(); err != nil {
		return brokers.Fill{}, fmt.Errorf("%w: %v", brokers.ErrUnavailable, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.online {
		return brokers.Fill{}, fmt.Errorf("%w: %s offline", brokers.ErrUnavailable, b.id)
	}
	if !b.connected {
		return brokers.Fill{}, brokers.ErrNotConnected
	}
	if req.ClientOrderID != "" {
		if prev, ok := b.fills[req.ClientOrderID]; ok {
			return prev, nil
		}
	}
	if !req.Quantity.IsPositive() || !req.Price.IsPositive() {
		return brokers.Fill{}, fmt.Errorf("%w: quantity and price must be positive", brokers.ErrRejected)
	}

	price := b.slipped(req.Side, req.Price)
	value := price.Mul(req.Quantity)
	pos := b.positions[req.Symbol]

	switch req.Side {
	case brokers.SideBuy:
		if value.GreaterThan(b.cash) {
			return brokers.Fill{}, fmt.Errorf("%w: insufficient cash: need %s, have %s",
				brokers.ErrRejected, value.StringFixed(2), b.cash.StringFixed(2))
		}
		if pos == nil {
			pos = &position{qty: decimal.Zero, avgPrice: decimal.Zero}
			b.positions[req.Symbol] = pos
		}
		cost := pos.avgPrice.Mul(pos.qty).Add(value)
		pos.qty = pos.qty.Add(req.Quantity)
		pos.avgPrice = cost.Div(pos.qty)
		b.cash = b.cash.Sub(value)
	case brokers.SideSell:
		if pos == nil || pos.qty.LessThan(req.Quantity) {
			return brokers.Fill{}, fmt.Errorf("%w: insufficient position in %s", brokers.ErrRejected, req.Symbol)
		}
		pos.qty = pos.qty.Sub(req.Quantity)
		b.cash = b.cash.Add(value)
		if pos.qty.IsZero() {
			delete(b.positions, req.Symbol)
			pos = nil
		}
	default:
		return brokers.Fill{}, fmt.Errorf("%w: unknown side %q", brokers.ErrRejected, req.Side)
	}
	if pos != nil {
		pos.lastPrice = price
	}

	fill := brokers.Fill{
		OrderID:       id.Prefixed("paper"),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         price,
		FilledAt:      time.Now().UTC(),
	}
	if req.ClientOrderID != "" {
		b.fills[req.ClientOrderID] = fill
	}
	b.log.Debug().
		Str("side", string(req.Side)).
		Str("symbol", req.Symbol).
		Str("qty", req.Quantity.String()).
		Str("price", price.StringFixed(4)).
		Str("cash", b.cash.StringFixed(2)).
		Msg("paper fill")
	return fill, nil
}

// GetPortfolio marks open positions at their last fill price.
func (b *Broker) GetPortfolio(ctx context.Context) (brokers.Portfolio, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.online {
		return brokers.Portfolio{}, fmt.Errorf("%w: %s offline", brokers.ErrUnavailable, b.id)
	}
	mv := decimal.Zero
	for _, p := range b.positions {
		mv = mv.Add(p.qty.Mul(p.lastPrice))
	}
	equity := b.cash.Add(mv)
	return brokers.Portfolio{
		Equity:      equity,
		Cash:        b.cash,
		MarketValue: mv,
		DayPnL:      equity.Sub(b.cfg.InitialCash),
		AsOf:        time.Now().UTC(),
	}, nil
}

// Reset restores the opening cash and closes every position. Recorded
// fills are kept so client order ids still replay.
func (b *Broker) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cash = b.cfg.InitialCash
	b.positions = make(map[string]*position)
	b.log.Info().Str("cash", b.cash.StringFixed(2)).Msg("paper book reset")
	return nil
}

func (b *Broker) slipped(side brokers.Side, price decimal.Decimal) decimal.Decimal {
	frac := b.cfg.SlippageBps / 10000.0
	if frac <= 0 {
		return price
	}
	noise := decimal.NewFromFloat(b.rng.Float64() * frac)
	if side == brokers.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(noise))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(noise))
}
