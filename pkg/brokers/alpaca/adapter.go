// Package alpaca connects the engine to an Alpaca brokerage account.
package alpaca

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"

	"autotrade-core/pkg/brokers"
)

// Options selects credentials and endpoint. An empty BaseURL targets the
// paper trading API.
type Options struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

func (o Options) client() *alpaca.Client {
	base := o.BaseURL
	if base == "" {
		base = "https://paper-api.alpaca.markets"
	}
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    o.APIKey,
		APISecret: o.APISecret,
		BaseURL:   base,
	})
}

// Adapter places market orders through the Alpaca trading API.
type Adapter struct {
	id        string
	client    *alpaca.Client
	connected atomic.Bool
	log       zerolog.Logger
}

var _ brokers.Adapter = (*Adapter)(nil)

func New(brokerID string, opts Options, log zerolog.Logger) *Adapter {
	return &Adapter{
		id:     brokerID,
		client: opts.client(),
		log:    log.With().Str("broker", brokerID).Logger(),
	}
}

func (a *Adapter) ID() string { return a.id }

// Connect verifies credentials by loading the account.
func (a *Adapter) Connect(ctx context.Context) error {
	acct, err := a.client.GetAccount()
	if err != nil {
		a.connected.Store(false)
		return fmt.Errorf("%w: get account: %v", brokers.ErrUnavailable, err)
	}
	if acct.TradingBlocked || acct.AccountBlocked {
		a.connected.Store(false)
		return fmt.Errorf("%w: account %s is blocked", brokers.ErrUnavailable, acct.AccountNumber)
	}
	a.connected.Store(true)
	a.log.Info().Str("account", acct.AccountNumber).Msg("alpaca connected")
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	return nil
}

// PlaceOrder submits a day market order keyed by the client order id.
// Alpaca rejects a reused client order id, in which case the earlier order
// is returned.
func (a *Adapter) PlaceOrder(ctx context.Context, req brokers.OrderRequest) (brokers.Fill, error) {
	if !a.connected.Load() {
		return brokers.Fill{}, brokers.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return brokers.Fill{}, fmt.Errorf("%w: %v", brokers.ErrUnavailable, err)
	}
	qty := req.Quantity
	order, err := a.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          toSide(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		if req.ClientOrderID != "" {
			if prev, lookupErr := a.client.GetOrderByClientOrderID(req.ClientOrderID); lookupErr == nil {
				return toFill(prev, req), nil
			}
		}
		return brokers.Fill{}, fmt.Errorf("%w: place order: %v", brokers.ErrUnavailable, err)
	}
	return toFill(order, req), nil
}

// GetPortfolio reports account equity; DayPnL is measured against the
// previous close.
func (a *Adapter) GetPortfolio(ctx context.Context) (brokers.Portfolio, error) {
	acct, err := a.client.GetAccount()
	if err != nil {
		return brokers.Portfolio{}, fmt.Errorf("%w: get account: %v", brokers.ErrUnavailable, err)
	}
	return brokers.Portfolio{
		Equity:      acct.Equity,
		Cash:        acct.Cash,
		MarketValue: acct.Equity.Sub(acct.Cash),
		DayPnL:      acct.Equity.Sub(acct.LastEquity),
		AsOf:        time.Now().UTC(),
	}, nil
}

func toSide(s brokers.Side) alpaca.Side {
	if s == brokers.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

// toFill falls back to the requested quantity and reference price while the
// order is still working.
func toFill(o *alpaca.Order, req brokers.OrderRequest) brokers.Fill {
	fill := brokers.Fill{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		FilledAt:      time.Now().UTC(),
	}
	if o.FilledQty.IsPositive() {
		fill.Quantity = o.FilledQty
	}
	if o.FilledAvgPrice != nil && o.FilledAvgPrice.IsPositive() {
		fill.Price = *o.FilledAvgPrice
	}
	if o.FilledAt != nil {
		fill.FilledAt = o.FilledAt.UTC()
	}
	return fill
}
