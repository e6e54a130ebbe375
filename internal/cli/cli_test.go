package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/pkg/brokers"
	"autotrade-core/pkg/brokers/paper"
	"autotrade-core/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DBPath:        filepath.Join(t.TempDir(), "autotrade.db"),
		JWTSecret:     "secret",
		AccountUserID: "owner",
		Brokers:       config.DefaultBrokers(),
		PDT:           config.PDTConfig{Threshold: decimal.NewFromInt(25000), DayTradeLimit: 3, ProtectionEnabled: true},
		Deposit: config.DepositConfig{
			Min:       decimal.NewFromInt(10),
			MaxSingle: decimal.NewFromInt(5000),
			MaxTotal:  decimal.NewFromInt(10000),
		},
		Risk:              config.RiskConfig{MaxDailyLoss: decimal.NewFromInt(500)},
		Market:            config.TradingHours{Timezone: "America/New_York", Open: "09:30", Close: "16:00"},
		OrderRatePerSec:   100,
		OrderBurst:        10,
		ProposalQueueSize: 8,
	}
}

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestBuildAdaptersFallsBackToPaper(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	set := buildAdapters(cfg, a.registry, zerolog.Nop())
	assert.ElementsMatch(t, []string{"alpaca", "moomoo"}, set.IDs())
	got, err := set.Get("alpaca")
	require.NoError(t, err)
	throttled, ok := got.(*brokers.Throttled)
	require.True(t, ok)
	_, isPaper := throttled.Adapter.(*paper.Broker)
	assert.True(t, isPaper, "alpaca without credentials must use the paper adapter")
}

func TestBuildAppStartsBrokers(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	a, err := buildApp(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	states := a.auto.StartAll(ctx)
	require.Len(t, states, 2)
	for _, st := range states {
		assert.True(t, st.Active, st.BrokerID)
		assert.True(t, st.Connected, st.BrokerID)
	}

	p, err := a.reconciler.SyncPortfolioWithAI(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Totals.Active)
	assert.True(t, a.balance.ActualBalance().IsZero())

	acct, err := a.ledger.Account(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, "owner", acct.UserID)
}

func TestCommands(t *testing.T) {
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("ALPACA_API_KEY", "")
	t.Setenv("ALPACA_API_SECRET", "")
	t.Setenv("BROKERS_FILE", "")

	t.Run("version", func(t *testing.T) {
		assert.Contains(t, runCommand(t, "version"), "autotrade dev")
	})

	t.Run("migrate", func(t *testing.T) {
		assert.Contains(t, runCommand(t, "migrate"), "schema up to date")
	})

	t.Run("brokers", func(t *testing.T) {
		out := runCommand(t, "brokers")
		assert.Contains(t, out, "Account balance: 0.00")
		assert.Contains(t, out, "alpaca")
		assert.Contains(t, out, "100000.00")
		assert.Contains(t, out, "moomoo")
	})

	t.Run("pdt-status", func(t *testing.T) {
		var status map[string]any
		require.NoError(t, json.Unmarshal([]byte(runCommand(t, "pdt-status")), &status))
		assert.Equal(t, true, status["protected"])
		assert.Equal(t, float64(3), status["dayTradeLimit"])
		assert.Equal(t, float64(0), status["dayTradeCount"])
	})
}
