package paper

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/pkg/brokers"
)

func newBroker(t *testing.T, cash int64) *Broker {
	t.Helper()
	b := New("paper-1", Config{InitialCash: decimal.NewFromInt(cash), Seed: 1}, zerolog.Nop())
	require.NoError(t, b.Connect(context.Background()))
	return b
}

func order(id string, side brokers.Side, qty, price int64) brokers.OrderRequest {
	return brokers.OrderRequest{
		ClientOrderID: id,
		Symbol:        "AAPL",
		Side:          side,
		Quantity:      decimal.NewFromInt(qty),
		Price:         decimal.NewFromInt(price),
	}
}

func TestBuyThenSellUpdatesCash(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, 1000)

	fill, err := b.PlaceOrder(ctx, order("o1", brokers.SideBuy, 2, 100))
	require.NoError(t, err)
	assert.Equal(t, "100", fill.Price.String())

	p, err := b.GetPortfolio(ctx)
	require.NoError(t, err)
	assert.Equal(t, "800", p.Cash.String())
	assert.Equal(t, "1000", p.Equity.String())

	_, err = b.PlaceOrder(ctx, order("o2", brokers.SideSell, 2, 110))
	require.NoError(t, err)
	p, err = b.GetPortfolio(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1020", p.Cash.String())
	assert.True(t, p.MarketValue.IsZero())
}

func TestReplayReturnsOriginalFill(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, 1000)

	first, err := b.PlaceOrder(ctx, order("same", brokers.SideBuy, 1, 100))
	require.NoError(t, err)
	second, err := b.PlaceOrder(ctx, order("same", brokers.SideBuy, 1, 100))
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)

	p, _ := b.GetPortfolio(ctx)
	assert.Equal(t, "900", p.Cash.String())
}

func TestRejections(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, 100)

	_, err := b.PlaceOrder(ctx, order("big", brokers.SideBuy, 5, 100))
	assert.ErrorIs(t, err, brokers.ErrRejected)

	_, err = b.PlaceOrder(ctx, order("short", brokers.SideSell, 1, 100))
	assert.ErrorIs(t, err, brokers.ErrRejected)
}

func TestOfflineBrokerIsUnavailable(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, 1000)
	b.SetOnline(false)

	_, err := b.PlaceOrder(ctx, order("o1", brokers.SideBuy, 1, 100))
	assert.ErrorIs(t, err, brokers.ErrUnavailable)
	assert.ErrorIs(t, b.Connect(ctx), brokers.ErrUnavailable)

	b.SetOnline(true)
	_, err = b.PlaceOrder(ctx, order("o1", brokers.SideBuy, 1, 100))
	assert.ErrorIs(t, err, brokers.ErrNotConnected)
	require.NoError(t, b.Connect(ctx))
	_, err = b.PlaceOrder(ctx, order("o1", brokers.SideBuy, 1, 100))
	assert.NoError(t, err)
}

func TestSlippageMovesAgainstTrader(t *testing.T) {
	ctx := context.Background()
	b := New("paper-1", Config{InitialCash: decimal.NewFromInt(10000), SlippageBps: 50, Seed: 7}, zerolog.Nop())
	require.NoError(t, b.Connect(ctx))

	buy, err := b.PlaceOrder(ctx, order("b", brokers.SideBuy, 1, 100))
	require.NoError(t, err)
	assert.True(t, buy.Price.GreaterThanOrEqual(decimal.NewFromInt(100)))
	assert.True(t, buy.Price.LessThanOrEqual(decimal.RequireFromString("100.5")))

	sell, err := b.PlaceOrder(ctx, order("s", brokers.SideSell, 1, 100))
	require.NoError(t, err)
	assert.True(t, sell.Price.LessThanOrEqual(decimal.NewFromInt(100)))
}

func TestResetRestoresOpeningBook(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t, 1000)
	_, err := b.PlaceOrder(ctx, order("o1", brokers.SideBuy, 5, 100))
	require.NoError(t, err)

	require.NoError(t, b.Reset(ctx))
	p, err := b.GetPortfolio(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000", p.Cash.String())
	assert.True(t, p.MarketValue.IsZero())
	assert.True(t, p.DayPnL.IsZero())

	_, err = b.PlaceOrder(ctx, order("o2", brokers.SideSell, 1, 100))
	assert.ErrorIs(t, err, brokers.ErrRejected, "positions are gone")

	again, err := b.PlaceOrder(ctx, order("o1", brokers.SideBuy, 5, 100))
	require.NoError(t, err)
	p, _ = b.GetPortfolio(ctx)
	assert.Equal(t, "1000", p.Cash.String(), "replayed client order id is not refilled, got %s", again.OrderID)
}
