package autonomous

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/internal/apperr"
	"autotrade-core/internal/balance"
	"autotrade-core/internal/engine"
	"autotrade-core/internal/events"
	"autotrade-core/internal/limits"
	"autotrade-core/internal/monitor"
	"autotrade-core/internal/pdt"
	"autotrade-core/internal/registry"
	"autotrade-core/internal/risk"
	"autotrade-core/pkg/brokers"
	"autotrade-core/pkg/brokers/paper"
	"autotrade-core/pkg/calendar"
	"autotrade-core/pkg/db"
)

type staticFunds struct{}

func (staticFunds) ActualBalance() decimal.Decimal { return decimal.NewFromInt(30000) }
func (staticFunds) Equity() decimal.Decimal        { return decimal.NewFromInt(30000) }

type harness struct {
	svc     *Service
	engine  *engine.Impl
	risk    *risk.Manager
	metrics *monitor.Metrics
	bus     *events.Bus
}

func newHarness(t *testing.T, riskCfg risk.Config, journal DecisionJournal) *harness {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := func() time.Time { return time.Date(2026, 10, 14, 11, 0, 0, 0, loc) }
	cal := calendar.NewNYSE(loc)

	reg, err := registry.New([]registry.BrokerConfig{
		{ID: "alpaca", Mode: registry.ModePaper, MaxPortfolioValue: decimal.NewFromInt(100000)},
		{ID: "moomoo", Mode: registry.ModePaper, MaxPortfolioValue: decimal.NewFromInt(100000)},
	})
	require.NoError(t, err)

	cash := paper.Config{InitialCash: decimal.NewFromInt(1_000_000), Seed: 1}
	bus := events.NewBus()
	eng, err := engine.NewImpl(engine.Config{
		Registry: reg,
		Adapters: brokers.NewSet(paper.New("alpaca", cash, zerolog.Nop()), paper.New("moomoo", cash, zerolog.Nop())),
		Limits:   limits.NewValidator(reg, nil, zerolog.Nop()),
		PDT:      pdt.NewTracker(pdt.DefaultConfig(), cal, zerolog.Nop(), pdt.WithClock(now)),
		Funds:    staticFunds{},
		Calendar: cal,
		Bus:      bus,
		Log:      zerolog.Nop(),
		Now:      now,
	})
	require.NoError(t, err)

	h := &harness{
		engine:  eng,
		risk:    risk.NewManager(riskCfg, bus, zerolog.Nop()),
		metrics: monitor.NewMetrics(),
		bus:     bus,
	}
	h.svc = New(Config{
		Engine:         eng,
		Registry:       reg,
		Risk:           h.risk,
		Metrics:        h.metrics,
		Journal:        journal,
		Bus:            bus,
		Log:            zerolog.Nop(),
		QueueSize:      4,
		DecisionBuffer: 3,
	})
	return h
}

func proposal(id string, side brokers.Side, qty, price int64) engine.Proposal {
	return engine.Proposal{
		ID:        id,
		Symbol:    "AAPL",
		Side:      side,
		Quantity:  decimal.NewFromInt(qty),
		Price:     decimal.NewFromInt(price),
		Reasoning: "momentum",
	}
}

func TestSubmitRecordsMetricsAndDecisions(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil)
	ctx := context.Background()
	h.svc.StartAll(ctx)

	_, err := h.svc.Submit(ctx, "alpaca", proposal("p1", brokers.SideBuy, 10, 100))
	require.NoError(t, err)
	sold, err := h.svc.Submit(ctx, "alpaca", proposal("p2", brokers.SideSell, 10, 90))
	require.NoError(t, err)
	require.NotNil(t, sold.Profit)

	_, err = h.svc.Submit(ctx, "alpaca", proposal("p3", brokers.SideSell, 10, 90))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	snap := h.metrics.Snapshot()
	assert.EqualValues(t, 3, snap.ProposalsReceived)
	assert.EqualValues(t, 2, snap.TradesExecuted)
	assert.EqualValues(t, 1, snap.TradesRejected)

	m := h.risk.Metrics()
	assert.Equal(t, 2, m.DailyTrades)
	assert.True(t, m.DailyLosses.IsPositive())

	decisions := h.svc.Decisions(10)
	require.Len(t, decisions, 3)
	assert.Equal(t, "p3", decisions[0].ProposalID)
	assert.False(t, decisions[0].Accepted)
	assert.Equal(t, apperr.CodeInsufficientShares, decisions[0].Code)
	assert.Equal(t, "p1", decisions[2].ProposalID)
}

func TestReplayedProposalIsNotCountedTwice(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil)
	ctx := context.Background()
	h.svc.StartAll(ctx)

	p := proposal("p1", brokers.SideBuy, 1, 100)
	first, err := h.svc.Submit(ctx, "alpaca", p)
	require.NoError(t, err)
	again, err := h.svc.Submit(ctx, "alpaca", p)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.Replayed)

	assert.EqualValues(t, 1, h.metrics.Snapshot().TradesExecuted)
	assert.Equal(t, 1, h.risk.Metrics().DailyTrades)
	assert.Len(t, h.svc.Decisions(0), 1)
}

func TestUnknownBrokerIsNotFound(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil)
	_, err := h.svc.Submit(context.Background(), "ibkr", proposal("p1", brokers.SideBuy, 1, 1))
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestCircuitBreakerStopsAllBrokers(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.MaxDailyTrades = 1
	h := newHarness(t, cfg, nil)
	ctx := context.Background()
	h.svc.StartAll(ctx)

	stops, unsubscribe := h.bus.Subscribe(events.EventEmergencyStop, 1)
	defer unsubscribe()

	_, err := h.svc.Submit(ctx, "alpaca", proposal("p1", brokers.SideBuy, 1, 100))
	require.NoError(t, err)

	select {
	case <-stops:
	case <-time.After(time.Second):
		t.Fatal("expected emergency stop event")
	}
	for _, st := range h.engine.GetState() {
		assert.False(t, st.Active, "broker %s should be stopped", st.BrokerID)
	}

	_, err = h.svc.Submit(ctx, "moomoo", proposal("p2", brokers.SideBuy, 1, 100))
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeCircuitOpen, ae.Code)
	assert.True(t, h.svc.Status().Circuit.Open)
}

func TestEnqueueRunsInOrderPerBroker(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.StartAll(ctx)

	err := h.svc.Enqueue(ctx, "alpaca", proposal("p0", brokers.SideBuy, 1, 100))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "not running yet")

	h.svc.Start(ctx)
	defer h.svc.Stop()

	require.NoError(t, h.svc.Enqueue(ctx, "alpaca", proposal("p1", brokers.SideBuy, 2, 100)))
	require.NoError(t, h.svc.Enqueue(ctx, "alpaca", proposal("p2", brokers.SideSell, 2, 105)))

	var got []Result
	for len(got) < 2 {
		select {
		case r := <-h.svc.Results():
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d results", len(got))
		}
	}
	assert.Equal(t, "p1", got[0].ProposalID)
	assert.Equal(t, "p2", got[1].ProposalID)
	for _, r := range got {
		assert.NoError(t, r.Err)
		require.NotNil(t, r.Trade)
		assert.Equal(t, r.Latency.Milliseconds(), r.LatencyMs)
		assert.Less(t, r.LatencyMs, int64(2000))
	}
	assert.Equal(t, "10", got[1].Trade.Profit.String())

	err = h.svc.Enqueue(ctx, "ibkr", proposal("p3", brokers.SideBuy, 1, 1))
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestDecisionRingKeepsNewest(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		_, _ = h.svc.Submit(ctx, "alpaca", proposal(id, brokers.SideBuy, 1, 1))
	}
	got := h.svc.Decisions(0)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"d", "c", "b"}, []string{got[0].ProposalID, got[1].ProposalID, got[2].ProposalID})
	assert.Len(t, h.svc.Decisions(1), 1)
}

func TestDecisionsAreJournaledAndReloaded(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	journal := database.Queries()

	h := newHarness(t, risk.DefaultConfig(), journal)
	ctx := context.Background()
	h.svc.StartAll(ctx)
	_, err = h.svc.Submit(ctx, "alpaca", proposal("p1", brokers.SideBuy, 1, 100))
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, "moomoo", proposal("p2", brokers.SideSell, 1, 100))
	require.Error(t, err)

	fresh := newHarness(t, risk.DefaultConfig(), journal)
	require.NoError(t, fresh.svc.Load(ctx))
	got := fresh.svc.Decisions(0)
	require.Len(t, got, 2)
	assert.Equal(t, "p2", got[0].ProposalID)
	assert.False(t, got[0].Accepted)
	assert.Equal(t, "p1", got[1].ProposalID)
	assert.True(t, got[1].Accepted)
}

func TestRealizedProfitReachesBalance(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil)
	bal := balance.NewManager(nil, "u1", zerolog.Nop())
	h.svc.cfg.Realized = bal
	ctx := context.Background()
	h.svc.StartAll(ctx)

	_, err := h.svc.Submit(ctx, "alpaca", proposal("p1", brokers.SideBuy, 5, 100))
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, "alpaca", proposal("p2", brokers.SideSell, 5, 104))
	require.NoError(t, err)

	assert.Equal(t, "20", bal.Snapshot().RealizedPnL.String())
}

func TestDefaultMetricsAreSharedAcrossWorkers(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(), nil)
	svc := New(Config{Engine: h.engine, Registry: h.svc.cfg.Registry, Log: zerolog.Nop()})
	require.NotNil(t, svc.cfg.Metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartAll(ctx)
	svc.Start(ctx)
	defer svc.Stop()

	require.NoError(t, svc.Enqueue(ctx, "alpaca", proposal("m1", brokers.SideBuy, 1, 100)))
	require.NoError(t, svc.Enqueue(ctx, "moomoo", proposal("m2", brokers.SideBuy, 1, 100)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = svc.Status()
		}
	}()
	for i := 0; i < 2; i++ {
		select {
		case r := <-svc.Results():
			assert.NoError(t, r.Err)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d results", i)
		}
	}
	wg.Wait()

	snap := svc.Status().Metrics
	assert.EqualValues(t, 2, snap.ProposalsReceived)
	assert.EqualValues(t, 2, snap.TradesExecuted)
}

func TestResultLatencyIsReportedInMilliseconds(t *testing.T) {
	raw, err := json.Marshal(Result{
		BrokerID:   "alpaca",
		ProposalID: "p1",
		Latency:    1500 * time.Millisecond,
		LatencyMs:  (1500 * time.Millisecond).Milliseconds(),
	})
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, float64(1500), out["latencyMs"])
	assert.NotContains(t, out, "latency")
}
