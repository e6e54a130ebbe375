package risk

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/internal/apperr"
	"autotrade-core/internal/events"
)

func pnl(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// Ensures losses accumulate gross while profits only move PnL and drawdown.
func TestRecordTradeTracksLossesAndDrawdown(t *testing.T) {
	tests := []struct {
		name            string
		trades          []*decimal.Decimal
		wantDailyPnL    string
		wantDailyLosses string
		wantMaxDrawdown string
		wantTrades      int
	}{
		{name: "opening trade only", trades: []*decimal.Decimal{nil}, wantDailyPnL: "0", wantDailyLosses: "0", wantMaxDrawdown: "0", wantTrades: 1},
		{name: "profit", trades: []*decimal.Decimal{pnl("120.5")}, wantDailyPnL: "120.5", wantDailyLosses: "0", wantMaxDrawdown: "0", wantTrades: 1},
		{name: "loss after profit", trades: []*decimal.Decimal{pnl("100"), pnl("-42.75")}, wantDailyPnL: "57.25", wantDailyLosses: "42.75", wantMaxDrawdown: "42.75", wantTrades: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(DefaultConfig(), nil, zerolog.Nop())
			for _, tr := range tt.trades {
				m.RecordTrade(tr)
			}
			got := m.Metrics()
			assert.Equal(t, tt.wantDailyPnL, got.DailyPnL.String())
			assert.Equal(t, tt.wantDailyLosses, got.DailyLosses.String())
			assert.Equal(t, tt.wantMaxDrawdown, got.MaxDrawdown.String())
			assert.Equal(t, tt.wantTrades, got.DailyTrades)
		})
	}
}

func TestBreakerTripsAndStops(t *testing.T) {
	bus := events.NewBus()
	alerts, unsubAlert := bus.Subscribe(events.EventRiskAlert, 4)
	defer unsubAlert()
	stops, unsubStop := bus.Subscribe(events.EventEmergencyStop, 4)
	defer unsubStop()

	m := NewManager(Config{MaxDailyLoss: decimal.NewFromInt(100), WarningThreshold: 0.8}, bus, zerolog.Nop())
	var stopped []string
	m.OnTrip(func(reason string) { stopped = append(stopped, reason) })

	m.RecordTrade(pnl("-85"))
	require.NoError(t, m.Check(), "warning does not halt trading")
	require.Len(t, alerts, 1)
	assert.Equal(t, "WARNING", (<-alerts).(Alert).Level)

	m.RecordTrade(pnl("-20"))
	err := m.Check()
	require.Error(t, err)
	assert.Equal(t, apperr.KindCompliance, apperr.KindOf(err))
	assert.ErrorIs(t, err, &apperr.Error{Code: apperr.CodeCircuitOpen})
	require.Len(t, stopped, 1)
	require.Len(t, stops, 1)
	assert.True(t, m.Circuit().Open)

	m.RecordTrade(pnl("-5"))
	assert.Len(t, stopped, 1, "trips once")

	m.ResetDaily()
	assert.NoError(t, m.Check())
	assert.True(t, m.Metrics().DailyLosses.IsZero())
	assert.Equal(t, "-110", m.Metrics().TotalRealizedPnL.String())
}

func TestManualResetKeepsMetrics(t *testing.T) {
	m := NewManager(Config{MaxDailyTrades: 2}, nil, zerolog.Nop())
	m.RecordTrade(nil)
	m.RecordTrade(nil)
	require.Error(t, m.Check())

	m.Reset()
	assert.NoError(t, m.Check())
	assert.Equal(t, 2, m.Metrics().DailyTrades)
}
