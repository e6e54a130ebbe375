// Package reconciliation converges engine state into the read-only
// projection served to dashboard consumers.
package reconciliation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"autotrade-core/internal/engine"
	"autotrade-core/internal/events"
)

// DefaultHeartbeat is how often observers get a resync without engine events.
const DefaultHeartbeat = time.Second

// StateSource supplies the authoritative broker state.
type StateSource interface {
	GetState() []engine.BrokerState
}

// Correction records one healed inconsistency.
type Correction struct {
	BrokerID string          `json:"brokerId"`
	Field    string          `json:"field"`
	From     decimal.Decimal `json:"from"`
	To       decimal.Decimal `json:"to"`
	Revision uint64          `json:"revision"`
}

// Totals aggregates the corrected broker portfolios.
type Totals struct {
	Value      decimal.Decimal `json:"value"`
	Profit     decimal.Decimal `json:"profit"`
	TradeCount int             `json:"tradeCount"`
	Active     int             `json:"active"`
	Connected  int             `json:"connected"`
}

// Projection is the externally observed broker snapshot. It is never a
// source of truth.
type Projection struct {
	Version     uint64               `json:"version"`
	GeneratedAt time.Time            `json:"generatedAt"`
	Brokers     []engine.BrokerState `json:"brokers"`
	Totals      Totals               `json:"totals"`
	Corrections []Correction         `json:"corrections,omitempty"`
}

func (p *Projection) clone() Projection {
	out := *p
	out.Brokers = make([]engine.BrokerState, len(p.Brokers))
	for i, b := range p.Brokers {
		out.Brokers[i] = copyState(b)
	}
	out.Corrections = append([]Correction(nil), p.Corrections...)
	return out
}

// Service is the only writer of the projection.
type Service struct {
	source    StateSource
	bus       *events.Bus
	log       zerolog.Logger
	now       func() time.Time
	heartbeat time.Duration

	mu      sync.Mutex
	warned  map[string]uint64 // broker -> revision already reported
	current atomic.Pointer[Projection]
}

func NewService(source StateSource, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		source:    source,
		bus:       bus,
		log:       log.With().Str("component", "reconciliation").Logger(),
		now:       time.Now,
		heartbeat: DefaultHeartbeat,
		warned:    make(map[string]uint64),
	}
}

// SetHeartbeat overrides DefaultHeartbeat. Call before Start.
func (s *Service) SetHeartbeat(d time.Duration) {
	if d > 0 {
		s.heartbeat = d
	}
}

// SyncPortfolioWithAI reads the engine state, forces profit to zero for
// brokers without trades and republishes the result. Unchanged input yields
// the previous projection unchanged.
func (s *Service) SyncPortfolioWithAI(ctx context.Context) (Projection, error) {
	if err := ctx.Err(); err != nil {
		return Projection{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	states := s.source.GetState()
	brokers := make([]engine.BrokerState, 0, len(states))
	var corrections []Correction
	totals := Totals{Value: decimal.Zero, Profit: decimal.Zero}

	for _, st := range states {
		st = copyState(st)
		pf := &st.Portfolio
		if pf.TradeCount == 0 && !pf.Profit.IsZero() {
			corrections = append(corrections, Correction{
				BrokerID: st.BrokerID,
				Field:    "profit",
				From:     pf.Profit,
				To:       decimal.Zero,
				Revision: st.Revision,
			})
			if s.warned[st.BrokerID] != st.Revision {
				s.warned[st.BrokerID] = st.Revision
				s.log.Warn().
					Str("broker", st.BrokerID).
					Str("reported_profit", pf.Profit.String()).
					Uint64("revision", st.Revision).
					Msg("profit reported for a broker with no trades; forcing to zero")
			}
			pf.Profit = decimal.Zero
		}
		totals.Value = totals.Value.Add(pf.Value)
		totals.Profit = totals.Profit.Add(pf.Profit)
		totals.TradeCount += pf.TradeCount
		if st.Active {
			totals.Active++
		}
		if st.Connected {
			totals.Connected++
		}
		brokers = append(brokers, st)
	}

	prev := s.current.Load()
	if prev != nil && sameBrokers(prev.Brokers, brokers) {
		return prev.clone(), nil
	}

	next := &Projection{
		GeneratedAt: s.now().UTC(),
		Brokers:     brokers,
		Totals:      totals,
		Corrections: corrections,
	}
	if prev != nil {
		next.Version = prev.Version + 1
	} else {
		next.Version = 1
	}
	s.current.Store(next)
	if s.bus != nil {
		s.bus.Publish(events.EventProjectionUpdated, next.clone())
	}
	return next.clone(), nil
}

// Current returns the last projection without resyncing. The zero
// Projection means no sync has run yet.
func (s *Service) Current() Projection {
	p := s.current.Load()
	if p == nil {
		return Projection{}
	}
	return p.clone()
}

// Start resyncs on every engine change and on the heartbeat until ctx ends.
func (s *Service) Start(ctx context.Context) {
	var changes <-chan any
	unsub := func() {}
	if s.bus != nil {
		changes, unsub = s.bus.Subscribe(events.EventBrokerStateChanged, 64)
	}
	if _, err := s.SyncPortfolioWithAI(ctx); err != nil {
		s.log.Error().Err(err).Msg("initial sync failed")
	}

	go func() {
		defer unsub()
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
			case <-ticker.C:
			}
			if _, err := s.SyncPortfolioWithAI(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("sync failed")
			}
		}
	}()
	s.log.Info().Dur("heartbeat", s.heartbeat).Msg("reconciliation started")
}

func sameBrokers(a, b []engine.BrokerState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.BrokerID != y.BrokerID || x.Active != y.Active || x.Connected != y.Connected ||
			x.Revision != y.Revision || x.LastError != y.LastError || x.Mode != y.Mode ||
			x.Portfolio.TradeCount != y.Portfolio.TradeCount ||
			!x.Portfolio.Value.Equal(y.Portfolio.Value) || !x.Portfolio.Profit.Equal(y.Portfolio.Profit) {
			return false
		}
		if (x.StartedAt == nil) != (y.StartedAt == nil) {
			return false
		}
		if x.StartedAt != nil && !x.StartedAt.Equal(*y.StartedAt) {
			return false
		}
	}
	return true
}

func copyState(s engine.BrokerState) engine.BrokerState {
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	return s
}
