package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"autotrade-core/internal/apperr"
	"autotrade-core/internal/events"
	"autotrade-core/internal/pdt"
	"autotrade-core/internal/registry"
	"autotrade-core/pkg/brokers"
	"autotrade-core/pkg/calendar"
	"autotrade-core/pkg/id"
)

const defaultHistoryLimit = 500

// Config holds the collaborators of the engine. Journal and Now are optional.
type Config struct {
	Registry *registry.Registry
	Adapters *brokers.Set
	Limits   LimitSource
	PDT      DayTradeGate
	Funds    Funds
	Calendar calendar.Calendar
	Bus      *events.Bus
	Journal  Journal
	Log      zerolog.Logger
	Now      func() time.Time

	// HistoryLimit caps the in-memory trade history per broker.
	HistoryLimit int
	// ReplayCapacity caps how many executed proposal ids are remembered.
	ReplayCapacity int
}

type position struct {
	qty            decimal.Decimal
	avgPrice       decimal.Decimal
	lastBuySession string
}

// brokerRuntime is the state of one broker. mu serializes writers for the
// whole duration of an operation; view guards the fields so snapshot reads
// never wait on a broker round-trip.
type brokerRuntime struct {
	mu      sync.Mutex
	adapter brokers.Adapter

	view      sync.RWMutex
	state     BrokerState
	trades    []Trade
	positions map[string]*position
}

// Impl implements Service.
type Impl struct {
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
	order   []string
	brokers map[string]*brokerRuntime
	replays *replayLog
}

var _ Service = (*Impl)(nil)

// NewImpl creates zeroed runtime state for every registered broker. Every
// broker needs an adapter.
func NewImpl(cfg Config) (*Impl, error) {
	if cfg.Registry == nil || cfg.Adapters == nil || cfg.Limits == nil || cfg.PDT == nil || cfg.Funds == nil || cfg.Calendar == nil {
		return nil, errors.New("engine: registry, adapters, limits, pdt, funds and calendar are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	replays, err := newReplayLog(cfg.ReplayCapacity)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e := &Impl{
		cfg:     cfg,
		log:     cfg.Log.With().Str("component", "engine").Logger(),
		now:     cfg.Now,
		brokers: make(map[string]*brokerRuntime),
		replays: replays,
	}
	created := e.now().UTC()
	for _, b := range cfg.Registry.List() {
		a, err := cfg.Adapters.Get(b.ID)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.order = append(e.order, b.ID)
		e.brokers[b.ID] = &brokerRuntime{
			adapter: a,
			state: BrokerState{
				BrokerID:    b.ID,
				DisplayName: b.DisplayName,
				Mode:        string(b.Mode),
				Portfolio:   Portfolio{Value: decimal.Zero, Profit: decimal.Zero},
				UpdatedAt:   created,
			},
			positions: make(map[string]*position),
		}
	}
	return e, nil
}

func (e *Impl) runtime(brokerID string) (*brokerRuntime, error) {
	rt, ok := e.brokers[brokerID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, apperr.CodeBrokerNotFound, "broker %q is not registered", brokerID)
	}
	return rt, nil
}

// --- Lifecycle ---

// Start activates a broker and connects its adapter. Starting an active
// broker is a no-op. A failed connect leaves the broker active but
// disconnected.
func (e *Impl) Start(ctx context.Context, brokerID string) (BrokerState, error) {
	rt, err := e.runtime(brokerID)
	if err != nil {
		return BrokerState{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.view.RLock()
	if rt.state.Active {
		snap := rt.state.clone()
		rt.view.RUnlock()
		return snap, nil
	}
	rt.view.RUnlock()

	connErr := rt.adapter.Connect(ctx)
	now := e.now().UTC()

	rt.view.Lock()
	rt.state.Active = true
	rt.state.StartedAt = &now
	rt.state.Connected = connErr == nil
	rt.state.LastError = errText(connErr)
	snap := e.touchLocked(rt)
	rt.view.Unlock()

	if connErr != nil {
		e.log.Warn().Err(connErr).Str("broker", brokerID).Msg("broker started without connectivity")
	} else {
		e.log.Info().Str("broker", brokerID).Msg("broker started")
	}
	e.publish(events.EventBrokerStateChanged, snap)
	return snap, nil
}

// Stop deactivates a broker. History and positions are kept.
func (e *Impl) Stop(ctx context.Context, brokerID string) (BrokerState, error) {
	rt, err := e.runtime(brokerID)
	if err != nil {
		return BrokerState{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.view.RLock()
	if !rt.state.Active {
		snap := rt.state.clone()
		rt.view.RUnlock()
		return snap, nil
	}
	rt.view.RUnlock()

	if err := rt.adapter.Disconnect(ctx); err != nil {
		e.log.Warn().Err(err).Str("broker", brokerID).Msg("adapter disconnect failed")
	}

	rt.view.Lock()
	rt.state.Active = false
	rt.state.Connected = false
	rt.state.StartedAt = nil
	snap := e.touchLocked(rt)
	rt.view.Unlock()

	e.log.Info().Str("broker", brokerID).Msg("broker stopped")
	e.publish(events.EventBrokerStateChanged, snap)
	return snap, nil
}

// StopAll stops every broker.
func (e *Impl) StopAll(ctx context.Context) {
	for _, brokerID := range e.order {
		if _, err := e.Stop(ctx, brokerID); err != nil {
			e.log.Error().Err(err).Str("broker", brokerID).Msg("stop failed")
		}
	}
}

// Reset zeroes a broker's portfolio, history and positions and clears the
// broker's last reported mark. Adapters that keep their own book are
// re-baselined too. The active flag and the executed proposal ids are kept,
// so a proposal replayed after a reset is not executed again.
func (e *Impl) Reset(ctx context.Context, brokerID string) (BrokerState, error) {
	rt, err := e.runtime(brokerID)
	if err != nil {
		return BrokerState{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if r, ok := rt.adapter.(brokers.Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			e.log.Warn().Err(err).Str("broker", brokerID).Msg("adapter book reset failed")
		}
	}

	rt.view.Lock()
	rt.state.Portfolio = Portfolio{Value: decimal.Zero, Profit: decimal.Zero}
	rt.state.BrokerMark = nil
	rt.state.LastError = ""
	rt.trades = nil
	rt.positions = make(map[string]*position)
	snap := e.touchLocked(rt)
	rt.view.Unlock()

	e.log.Warn().Str("broker", brokerID).Msg("broker state reset")
	e.publish(events.EventBrokerStateChanged, snap)
	return snap, nil
}

// --- Execution ---

// ExecuteTrade runs the limit and PDT checks and, only when both pass,
// places the order and records the trade together with the portfolio
// update. Replaying an executed proposal id, on any broker, returns the
// recorded trade; an id still executing elsewhere is refused.
func (e *Impl) ExecuteTrade(ctx context.Context, brokerID string, p Proposal) (Trade, error) {
	rt, err := e.runtime(brokerID)
	if err != nil {
		return Trade{}, err
	}
	if err := validateProposal(p); err != nil {
		return Trade{}, e.reject(brokerID, p, err)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	prev, done, busy := e.replays.claim(p.ID, brokerID)
	if done {
		prev.Replayed = true
		return prev, nil
	}
	if busy != "" {
		return Trade{}, e.reject(brokerID, p, apperr.Newf(apperr.KindTransaction, apperr.CodeProposalInFlight,
			"proposal %s is already executing on %s; retry to get its result", p.ID, busy))
	}
	// No-op once the trade is recorded.
	defer e.replays.release(p.ID, brokerID)

	rt.view.RLock()
	state := rt.state
	var held decimal.Decimal
	var lastBuy string
	if pos := rt.positions[p.Symbol]; pos != nil {
		held, lastBuy = pos.qty, pos.lastBuySession
	}
	rt.view.RUnlock()

	if !state.Active {
		return Trade{}, e.reject(brokerID, p, apperr.Newf(apperr.KindValidation, apperr.CodeBrokerInactive,
			"broker %s is not active; start it before trading", brokerID))
	}
	if !state.Connected {
		return Trade{}, e.reject(brokerID, p, apperr.Newf(apperr.KindConnectivity, apperr.CodeBrokerDisconnected,
			"broker %s is not connected; retry after it reconnects", brokerID))
	}

	session := calendar.SessionKey(e.cfg.Calendar, e.now())
	dayTrade := false
	switch p.Side {
	case brokers.SideBuy:
		limit, err := e.cfg.Limits.EffectiveLimit(brokerID, e.cfg.Funds.ActualBalance())
		if err != nil {
			return Trade{}, e.reject(brokerID, p, err)
		}
		after := state.Portfolio.Value.Add(p.Notional())
		if after.GreaterThan(limit) {
			return Trade{}, e.reject(brokerID, p, apperr.Newf(apperr.KindLimitExceeded, apperr.CodeTradingLimit,
				"buying %s %s at %s would raise the %s portfolio to %s, above its effective limit of %s",
				p.Quantity, p.Symbol, p.Price.StringFixed(2), brokerID, after.StringFixed(2), limit.StringFixed(2)))
		}
	case brokers.SideSell:
		if p.Quantity.GreaterThan(held) {
			return Trade{}, e.reject(brokerID, p, apperr.Newf(apperr.KindValidation, apperr.CodeInsufficientShares,
				"cannot sell %s %s on %s; %s held", p.Quantity, p.Symbol, brokerID, held))
		}
		dayTrade = lastBuy == session
	}

	var hold *pdt.Reservation
	if dayTrade {
		equity := e.cfg.Funds.Equity()
		if hold, err = e.cfg.PDT.Reserve(&equity); err != nil {
			return Trade{}, e.reject(brokerID, p, err)
		}
	}

	fill, err := rt.adapter.PlaceOrder(ctx, brokers.OrderRequest{
		ClientOrderID: p.ID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Quantity:      p.Quantity,
		Price:         p.Price,
	})
	if err != nil {
		if hold != nil {
			hold.Release()
		}
		if errors.Is(err, brokers.ErrRejected) {
			return Trade{}, e.reject(brokerID, p, apperr.Wrap(apperr.KindValidation, apperr.CodeBrokerRejected, err,
				fmt.Sprintf("%s refused the order", brokerID)))
		}
		if ctx.Err() == nil {
			e.markDisconnected(rt, err)
		}
		return Trade{}, e.reject(brokerID, p, apperr.Wrap(apperr.KindConnectivity, apperr.CodeBrokerDisconnected, err,
			fmt.Sprintf("order could not reach %s; it was not executed and can be retried", brokerID)))
	}

	trade, snap := e.commit(rt, p, fill, session, dayTrade)
	e.replays.record(trade)
	if hold != nil {
		hold.Commit(ctx)
	}

	e.log.Info().
		Str("broker", brokerID).
		Str("proposal", p.ID).
		Str("side", string(p.Side)).
		Str("symbol", p.Symbol).
		Str("qty", trade.Quantity.String()).
		Str("price", trade.Price.String()).
		Bool("day_trade", dayTrade).
		Msg("trade executed")

	e.persist(ctx, trade)
	e.publish(events.EventTradeExecuted, trade.clone())
	e.publish(events.EventBrokerStateChanged, snap)
	return trade, nil
}

// commit applies a fill in one step under the view lock so readers never see
// a trade count without its matching value and profit. Nothing in here
// performs I/O.
func (e *Impl) commit(rt *brokerRuntime, p Proposal, fill brokers.Fill, session string, dayTrade bool) (Trade, BrokerState) {
	at := fill.FilledAt
	if at.IsZero() {
		at = e.now().UTC()
	}
	trade := Trade{
		ID:         id.At(at),
		ProposalID: p.ID,
		OrderID:    fill.OrderID,
		Timestamp:  at,
		BrokerID:   rt.state.BrokerID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Quantity:   fill.Quantity,
		Price:      fill.Price,
		Reasoning:  p.Reasoning,
		Status:     TradeCompleted,
		DayTrade:   dayTrade,
	}

	rt.view.Lock()
	defer rt.view.Unlock()

	pf := &rt.state.Portfolio
	pos := rt.positions[p.Symbol]
	switch p.Side {
	case brokers.SideBuy:
		if pos == nil {
			pos = &position{qty: decimal.Zero, avgPrice: decimal.Zero}
			rt.positions[p.Symbol] = pos
		}
		cost := fill.Price.Mul(fill.Quantity)
		basis := pos.avgPrice.Mul(pos.qty).Add(cost)
		pos.qty = pos.qty.Add(fill.Quantity)
		pos.avgPrice = basis.Div(pos.qty)
		pos.lastBuySession = session
		pf.Value = pf.Value.Add(cost)
	case brokers.SideSell:
		qty := decimal.Min(fill.Quantity, pos.qty)
		trade.Quantity = qty
		profit := fill.Price.Sub(pos.avgPrice).Mul(qty)
		trade.Profit = &profit
		pf.Value = pf.Value.Sub(pos.avgPrice.Mul(qty))
		pf.Profit = pf.Profit.Add(profit)
		pos.qty = pos.qty.Sub(qty)
		if pos.qty.IsZero() {
			delete(rt.positions, p.Symbol)
		}
	}
	pf.TradeCount++

	rt.trades = append(rt.trades, trade)
	if n := len(rt.trades) - e.cfg.HistoryLimit; n > 0 {
		rt.trades = append([]Trade(nil), rt.trades[n:]...)
	}
	return trade.clone(), e.touchLocked(rt)
}

func (e *Impl) markDisconnected(rt *brokerRuntime, cause error) {
	rt.view.Lock()
	rt.state.Connected = false
	rt.state.LastError = errText(cause)
	snap := e.touchLocked(rt)
	rt.view.Unlock()

	e.log.Warn().Err(cause).Str("broker", snap.BrokerID).Msg("broker connectivity lost")
	e.publish(events.EventBrokerStateChanged, snap)
}

func (e *Impl) reject(brokerID string, p Proposal, err error) error {
	rej := Rejection{
		BrokerID:   brokerID,
		ProposalID: p.ID,
		Kind:       string(apperr.KindOf(err)),
		Reason:     err.Error(),
		At:         e.now().UTC(),
	}
	if ae, ok := apperr.As(err); ok {
		rej.Code, rej.Reason = ae.Code, ae.Reason
	}
	e.log.Debug().
		Str("broker", brokerID).
		Str("proposal", p.ID).
		Str("code", rej.Code).
		Str("reason", rej.Reason).
		Msg("trade rejected")
	e.publish(events.EventTradeRejected, rej)
	return err
}

func (e *Impl) persist(ctx context.Context, t Trade) {
	if e.cfg.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := e.cfg.Journal.InsertBrokerTrade(ctx, toJournal(t)); err != nil {
		e.log.Error().Err(err).Str("trade", t.ID).Msg("failed to journal trade")
	}
}

// touchLocked bumps the revision and returns a copy. Callers hold view.
func (e *Impl) touchLocked(rt *brokerRuntime) BrokerState {
	rt.state.Revision++
	rt.state.UpdatedAt = e.now().UTC()
	return rt.state.clone()
}

func (e *Impl) publish(ev events.Event, payload any) {
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(ev, payload)
	}
}

// --- Queries ---

// GetState returns copies of every broker's state in registry order.
func (e *Impl) GetState() []BrokerState {
	out := make([]BrokerState, 0, len(e.order))
	for _, brokerID := range e.order {
		rt := e.brokers[brokerID]
		rt.view.RLock()
		out = append(out, rt.state.clone())
		rt.view.RUnlock()
	}
	return out
}

// BrokerState returns a copy of one broker's state.
func (e *Impl) BrokerState(brokerID string) (BrokerState, error) {
	rt, err := e.runtime(brokerID)
	if err != nil {
		return BrokerState{}, err
	}
	rt.view.RLock()
	defer rt.view.RUnlock()
	return rt.state.clone(), nil
}

// Trades returns up to limit trades, newest first.
func (e *Impl) Trades(brokerID string, limit int) ([]Trade, error) {
	rt, err := e.runtime(brokerID)
	if err != nil {
		return nil, err
	}
	rt.view.RLock()
	defer rt.view.RUnlock()
	if limit <= 0 || limit > len(rt.trades) {
		limit = len(rt.trades)
	}
	out := make([]Trade, 0, limit)
	for i := len(rt.trades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rt.trades[i].clone())
	}
	return out, nil
}

// Refresh checks every active broker concurrently, reconnecting where
// needed, and stores the broker's own portfolio report as BrokerMark. The
// engine's portfolio is never overwritten by the report. A failing broker
// only degrades itself.
func (e *Impl) Refresh(ctx context.Context) []BrokerState {
	g, gctx := errgroup.WithContext(ctx)
	for _, brokerID := range e.order {
		rt := e.brokers[brokerID]
		g.Go(func() error {
			e.checkBroker(gctx, rt)
			return nil
		})
	}
	_ = g.Wait()
	return e.GetState()
}

func (e *Impl) checkBroker(ctx context.Context, rt *brokerRuntime) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.view.RLock()
	active, connected := rt.state.Active, rt.state.Connected
	rt.view.RUnlock()
	if !active {
		return
	}

	if !connected {
		if err := rt.adapter.Connect(ctx); err != nil {
			rt.view.Lock()
			rt.state.LastError = errText(err)
			rt.view.Unlock()
			e.log.Debug().Err(err).Str("broker", rt.adapter.ID()).Msg("reconnect failed")
			return
		}
	}
	report, err := rt.adapter.GetPortfolio(ctx)
	if err != nil {
		if connected {
			e.markDisconnected(rt, err)
		}
		return
	}

	rt.view.Lock()
	changed := !connected || rt.state.LastError != "" || !sameMark(rt.state.BrokerMark, report)
	rt.state.Connected = true
	rt.state.LastError = ""
	rt.state.BrokerMark = markFrom(report)
	var snap BrokerState
	if changed {
		snap = e.touchLocked(rt)
	}
	rt.view.Unlock()

	if changed {
		if !connected {
			e.log.Info().Str("broker", snap.BrokerID).Msg("broker reconnected")
		}
		e.publish(events.EventBrokerStateChanged, snap)
	}
}

func markFrom(r brokers.Portfolio) *BrokerMark {
	return &BrokerMark{
		Equity:      r.Equity,
		Cash:        r.Cash,
		MarketValue: r.MarketValue,
		DayPnL:      r.DayPnL,
		AsOf:        r.AsOf,
	}
}

func sameMark(m *BrokerMark, r brokers.Portfolio) bool {
	return m != nil &&
		m.Equity.Equal(r.Equity) &&
		m.Cash.Equal(r.Cash) &&
		m.MarketValue.Equal(r.MarketValue) &&
		m.DayPnL.Equal(r.DayPnL)
}

func validateProposal(p Proposal) error {
	var problems []string
	if strings.TrimSpace(p.ID) == "" {
		problems = append(problems, "proposal id is required")
	}
	if strings.TrimSpace(p.Symbol) == "" {
		problems = append(problems, "symbol is required")
	}
	if p.Side != brokers.SideBuy && p.Side != brokers.SideSell {
		problems = append(problems, fmt.Sprintf("side must be buy or sell, got %q", p.Side))
	}
	if !p.Quantity.IsPositive() {
		problems = append(problems, "quantity must be positive")
	}
	if !p.Price.IsPositive() {
		problems = append(problems, "price must be positive")
	}
	if len(problems) > 0 {
		return apperr.Validation(apperr.CodeInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func (t Trade) clone() Trade {
	if t.Profit != nil {
		p := *t.Profit
		t.Profit = &p
	}
	return t
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
