// Package risk implements the daily loss circuit breaker that halts
// autonomous trading across all brokers.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"autotrade-core/internal/apperr"
	"autotrade-core/internal/events"
)

// Manager tracks realized results and owns the breaker.
type Manager struct {
	cfg Config
	bus *events.Bus
	log zerolog.Logger
	now func() time.Time

	mu      sync.RWMutex
	metrics Metrics
	circuit Circuit
	onTrip  func(reason string)
}

func NewManager(cfg Config, bus *events.Bus, log zerolog.Logger) *Manager {
	m := &Manager{
		cfg: cfg,
		bus: bus,
		log: log.With().Str("component", "risk").Logger(),
		now: time.Now,
	}
	m.metrics = m.freshDay()
	return m
}

// OnTrip registers the emergency stop action. It runs outside the
// manager lock.
func (m *Manager) OnTrip(fn func(reason string)) {
	m.mu.Lock()
	m.onTrip = fn
	m.mu.Unlock()
}

// Check rejects new proposals while the breaker is open.
func (m *Manager) Check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.circuit.Open {
		return apperr.Newf(apperr.KindCompliance, apperr.CodeCircuitOpen,
			"trading halted by the risk circuit breaker: %s", m.circuit.Reason)
	}
	return nil
}

// RecordTrade adds one executed trade. realized is nil for opening trades.
func (m *Manager) RecordTrade(realized *decimal.Decimal) {
	m.mu.Lock()
	m.metrics.DailyTrades++
	if realized != nil {
		pnl := *realized
		m.metrics.DailyPnL = m.metrics.DailyPnL.Add(pnl)
		m.metrics.TotalRealizedPnL = m.metrics.TotalRealizedPnL.Add(pnl)
		if pnl.IsNegative() {
			m.metrics.DailyLosses = m.metrics.DailyLosses.Add(pnl.Neg())
		}
		if m.metrics.TotalRealizedPnL.GreaterThan(m.metrics.MaxProfit) {
			m.metrics.MaxProfit = m.metrics.TotalRealizedPnL
		}
		if dd := m.metrics.MaxProfit.Sub(m.metrics.TotalRealizedPnL); dd.GreaterThan(m.metrics.MaxDrawdown) {
			m.metrics.MaxDrawdown = dd
		}
	}

	var alert *Alert
	tripped := false
	if !m.circuit.Open {
		if reason, ok := m.limitBreachedLocked(); ok {
			at := m.now().UTC()
			m.circuit = Circuit{Open: true, Reason: reason, TrippedAt: &at, Warned: true}
			alert = &Alert{Level: "EMERGENCY", Reason: reason, At: at}
			tripped = true
		} else if !m.circuit.Warned && m.nearLossLimitLocked() {
			m.circuit.Warned = true
			alert = &Alert{
				Level:  "WARNING",
				Reason: fmt.Sprintf("daily losses %s approaching limit %s", m.metrics.DailyLosses.StringFixed(2), m.cfg.MaxDailyLoss.StringFixed(2)),
				At:     m.now().UTC(),
			}
		}
	}
	onTrip := m.onTrip
	m.mu.Unlock()

	if alert == nil {
		return
	}
	if !tripped {
		m.log.Warn().Str("reason", alert.Reason).Msg("risk warning")
		m.publish(events.EventRiskAlert, *alert)
		return
	}
	m.log.Error().Str("reason", alert.Reason).Msg("circuit breaker tripped, stopping all brokers")
	m.publish(events.EventEmergencyStop, *alert)
	if onTrip != nil {
		onTrip(alert.Reason)
	}
}

func (m *Manager) limitBreachedLocked() (string, bool) {
	if m.cfg.MaxDailyLoss.IsPositive() && m.metrics.DailyLosses.GreaterThanOrEqual(m.cfg.MaxDailyLoss) {
		return fmt.Sprintf("daily loss limit reached: %s/%s",
			m.metrics.DailyLosses.StringFixed(2), m.cfg.MaxDailyLoss.StringFixed(2)), true
	}
	if m.cfg.MaxDailyTrades > 0 && m.metrics.DailyTrades >= m.cfg.MaxDailyTrades {
		return fmt.Sprintf("daily trade limit reached: %d/%d", m.metrics.DailyTrades, m.cfg.MaxDailyTrades), true
	}
	return "", false
}

func (m *Manager) nearLossLimitLocked() bool {
	if !m.cfg.MaxDailyLoss.IsPositive() || m.cfg.WarningThreshold <= 0 {
		return false
	}
	warnAt := m.cfg.MaxDailyLoss.Mul(decimal.NewFromFloat(m.cfg.WarningThreshold))
	return m.metrics.DailyLosses.GreaterThanOrEqual(warnAt)
}

// ResetDaily starts a new trading day and closes the breaker.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	prev := m.metrics
	wasOpen := m.circuit.Open
	m.metrics = m.freshDay()
	m.metrics.TotalRealizedPnL = prev.TotalRealizedPnL
	m.metrics.MaxProfit = prev.MaxProfit
	m.metrics.MaxDrawdown = prev.MaxDrawdown
	m.circuit = Circuit{}
	m.mu.Unlock()

	m.log.Info().
		Str("prev_pnl", prev.DailyPnL.String()).
		Int("prev_trades", prev.DailyTrades).
		Str("prev_losses", prev.DailyLosses.String()).
		Bool("was_open", wasOpen).
		Msg("daily risk metrics reset")
}

// Reset closes the breaker without clearing the day's metrics.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.circuit = Circuit{Warned: m.circuit.Warned}
	m.mu.Unlock()
	m.log.Warn().Msg("circuit breaker manually reset")
}

// Metrics returns a copy of the metrics.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Circuit returns the breaker state.
func (m *Manager) Circuit() Circuit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.circuit
	if c.TrippedAt != nil {
		t := *c.TrippedAt
		c.TrippedAt = &t
	}
	return c
}

func (m *Manager) freshDay() Metrics {
	return Metrics{
		Date:             m.now().Format("2006-01-02"),
		DailyPnL:         decimal.Zero,
		DailyLosses:      decimal.Zero,
		TotalRealizedPnL: decimal.Zero,
		MaxProfit:        decimal.Zero,
		MaxDrawdown:      decimal.Zero,
	}
}

func (m *Manager) publish(e events.Event, a Alert) {
	if m.bus != nil {
		m.bus.Publish(e, a)
	}
}
