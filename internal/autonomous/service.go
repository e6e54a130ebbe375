// Package autonomous binds externally proposed trades to engine execution
// across brokers.
package autonomous

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"autotrade-core/internal/apperr"
	"autotrade-core/internal/engine"
	"autotrade-core/internal/events"
	"autotrade-core/internal/monitor"
	"autotrade-core/internal/registry"
	"autotrade-core/internal/risk"
	"autotrade-core/pkg/db"
)

const (
	defaultQueueSize      = 64
	defaultDecisionBuffer = 200
	emergencyStopTimeout  = 10 * time.Second
)

// DecisionJournal persists proposal outcomes.
type DecisionJournal interface {
	InsertDecision(ctx context.Context, d db.Decision) error
	RecentDecisions(ctx context.Context, limit int) ([]db.Decision, error)
}

// RealizedSink receives realized trading results.
type RealizedSink interface {
	ApplyRealized(pnl decimal.Decimal)
}

// Config wires the service. Journal, Realized and Bus are optional.
type Config struct {
	Engine   engine.Service
	Registry *registry.Registry
	Risk     *risk.Manager
	Metrics  *monitor.Metrics
	Realized RealizedSink
	Journal  DecisionJournal
	Bus      *events.Bus
	Log      zerolog.Logger

	// QueueSize bounds each broker's proposal queue.
	QueueSize int
	// DecisionBuffer is how many recent decisions are kept in memory.
	DecisionBuffer int
}

// Decision is the outcome of one proposal.
type Decision struct {
	ProposalID string    `json:"proposalId"`
	BrokerID   string    `json:"brokerId"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Accepted   bool      `json:"accepted"`
	TradeID    string    `json:"tradeId,omitempty"`
	Code       string    `json:"code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Reasoning  string    `json:"reasoning,omitempty"`
	At         time.Time `json:"at"`
}

// Result is the outcome of an enqueued proposal.
type Result struct {
	BrokerID   string        `json:"brokerId"`
	ProposalID string        `json:"proposalId"`
	Trade      *engine.Trade `json:"trade,omitempty"`
	Err        error         `json:"-"`
	ErrorMsg   string        `json:"error,omitempty"`
	Latency    time.Duration `json:"-"`
	LatencyMs  int64         `json:"latencyMs"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Status summarizes the orchestrator.
type Status struct {
	Running    bool             `json:"running"`
	QueueDepth map[string]int   `json:"queueDepth"`
	Circuit    risk.Circuit     `json:"circuit"`
	Risk       risk.Metrics     `json:"risk"`
	Metrics    monitor.Snapshot `json:"metrics"`
}

type job struct {
	ctx      context.Context
	proposal engine.Proposal
}

// Service routes proposals to the engine. Submit is synchronous; Enqueue
// feeds one FIFO worker per broker so order holds within a broker while
// brokers proceed independently.
type Service struct {
	cfg      Config
	log      zerolog.Logger
	resultCh chan Result

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	queues  map[string]chan job
	wg      sync.WaitGroup

	decMu     sync.RWMutex
	decisions []Decision // ring buffer
	decNext   int
	decFull   bool
}

func New(cfg Config) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DecisionBuffer <= 0 {
		cfg.DecisionBuffer = defaultDecisionBuffer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitor.NewMetrics()
	}
	s := &Service{
		cfg:       cfg,
		log:       cfg.Log.With().Str("component", "autonomous").Logger(),
		resultCh:  make(chan Result, 100),
		decisions: make([]Decision, cfg.DecisionBuffer),
	}
	if cfg.Risk != nil {
		cfg.Risk.OnTrip(s.emergencyStop)
	}
	return s
}

// Load seeds the in-memory decision buffer from the journal.
func (s *Service) Load(ctx context.Context) error {
	if s.cfg.Journal == nil {
		return nil
	}
	rows, err := s.cfg.Journal.RecentDecisions(ctx, s.cfg.DecisionBuffer)
	if err != nil {
		return err
	}
	s.decMu.Lock()
	defer s.decMu.Unlock()
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		s.pushLocked(Decision{
			ProposalID: r.ProposalID,
			BrokerID:   r.BrokerID,
			Symbol:     r.Symbol,
			Side:       r.Side,
			Accepted:   r.Accepted,
			Code:       r.Code,
			Reason:     r.Reason,
			Reasoning:  r.Reasoning,
			At:         r.DecidedAt,
		})
	}
	return nil
}

// Submit executes a proposal and waits for the engine's answer.
func (s *Service) Submit(ctx context.Context, brokerID string, p engine.Proposal) (engine.Trade, error) {
	s.metrics().ProposalReceived()
	if !s.cfg.Registry.Has(brokerID) {
		err := apperr.Newf(apperr.KindNotFound, apperr.CodeBrokerNotFound, "broker %q is not registered", brokerID)
		s.decide(ctx, brokerID, p, nil, err)
		return engine.Trade{}, err
	}
	if s.cfg.Risk != nil {
		if err := s.cfg.Risk.Check(); err != nil {
			s.metrics().TradeRejected()
			s.decide(ctx, brokerID, p, nil, err)
			return engine.Trade{}, err
		}
	}

	timer := monitor.NewTimer(s.metrics().ExecLatency)
	trade, err := s.cfg.Engine.ExecuteTrade(ctx, brokerID, p)
	timer.Stop()
	if err != nil {
		if apperr.IsKind(err, apperr.KindConnectivity) {
			s.metrics().ConnectivityFailed()
		}
		s.metrics().TradeRejected()
		s.decide(ctx, brokerID, p, nil, err)
		return engine.Trade{}, err
	}
	if trade.Replayed {
		return trade, nil
	}

	s.metrics().TradeExecuted(trade.Profit)
	if trade.Profit != nil && s.cfg.Realized != nil {
		s.cfg.Realized.ApplyRealized(*trade.Profit)
	}
	s.decide(ctx, brokerID, p, &trade, nil)
	if s.cfg.Risk != nil {
		s.cfg.Risk.RecordTrade(trade.Profit)
	}
	return trade, nil
}

// Enqueue hands a proposal to the broker's worker. It never blocks: a
// full queue is rejected.
func (s *Service) Enqueue(ctx context.Context, brokerID string, p engine.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return apperr.New(apperr.KindValidation, apperr.CodeNotRunning, "autonomous trading is not running")
	}
	q, ok := s.queues[brokerID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, apperr.CodeBrokerNotFound, "broker %q is not registered", brokerID)
	}
	select {
	case q <- job{ctx: context.WithoutCancel(ctx), proposal: p}:
		return nil
	default:
		return apperr.Newf(apperr.KindValidation, apperr.CodeQueueFull,
			"proposal queue for %s is full (%d pending); retry later", brokerID, cap(q))
	}
}

// Results streams the outcomes of enqueued proposals. Results are dropped
// when nobody drains the channel.
func (s *Service) Results() <-chan Result {
	return s.resultCh
}

// Start launches one worker per registered broker.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.queues = make(map[string]chan job)
	for _, id := range s.cfg.Registry.IDs() {
		q := make(chan job, s.cfg.QueueSize)
		s.queues[id] = q
		s.wg.Add(1)
		go s.worker(ctx, id, q)
	}
	s.running = true
	s.log.Info().Int("brokers", len(s.queues)).Int("queue_size", s.cfg.QueueSize).Msg("autonomous trading started")
}

// Stop halts the workers. Proposals still queued are answered with an error.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	queues := s.queues
	s.queues = nil
	s.mu.Unlock()

	s.wg.Wait()
	for brokerID, q := range queues {
		for {
			select {
			case j := <-q:
				s.emit(Result{
					BrokerID:   brokerID,
					ProposalID: j.proposal.ID,
					Err:        errStopped,
					ErrorMsg:   errStopped.Error(),
					Timestamp:  time.Now().UTC(),
				})
				continue
			default:
			}
			break
		}
	}
	s.log.Info().Msg("autonomous trading stopped")
}

var errStopped = errors.New("autonomous trading stopped before the proposal ran")

func (s *Service) worker(ctx context.Context, brokerID string, q <-chan job) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q:
			start := time.Now()
			trade, err := s.Submit(j.ctx, brokerID, j.proposal)
			latency := time.Since(start)
			res := Result{
				BrokerID:   brokerID,
				ProposalID: j.proposal.ID,
				Err:        err,
				Latency:    latency,
				LatencyMs:  latency.Milliseconds(),
				Timestamp:  time.Now().UTC(),
			}
			if err != nil {
				res.ErrorMsg = err.Error()
			} else {
				res.Trade = &trade
			}
			s.emit(res)
		}
	}
}

func (s *Service) emit(r Result) {
	select {
	case s.resultCh <- r:
	default:
		s.log.Warn().Str("proposal", r.ProposalID).Msg("result channel full, dropping result")
	}
}

// Running reports whether the workers are up.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// --- Broker lifecycle pass-through ---

func (s *Service) StartBroker(ctx context.Context, brokerID string) (engine.BrokerState, error) {
	return s.cfg.Engine.Start(ctx, brokerID)
}

func (s *Service) StopBroker(ctx context.Context, brokerID string) (engine.BrokerState, error) {
	return s.cfg.Engine.Stop(ctx, brokerID)
}

// StartAll starts every broker; connectivity failures leave brokers
// active but disconnected.
func (s *Service) StartAll(ctx context.Context) []engine.BrokerState {
	for _, id := range s.cfg.Registry.IDs() {
		if _, err := s.cfg.Engine.Start(ctx, id); err != nil {
			s.log.Error().Err(err).Str("broker", id).Msg("start failed")
		}
	}
	return s.cfg.Engine.GetState()
}

func (s *Service) StopAll(ctx context.Context) []engine.BrokerState {
	s.cfg.Engine.StopAll(ctx)
	return s.cfg.Engine.GetState()
}

func (s *Service) emergencyStop(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), emergencyStopTimeout)
	defer cancel()
	s.log.Error().Str("reason", reason).Msg("emergency stop")
	s.cfg.Engine.StopAll(ctx)
}

// --- Decisions ---

func (s *Service) decide(ctx context.Context, brokerID string, p engine.Proposal, trade *engine.Trade, err error) {
	d := Decision{
		ProposalID: p.ID,
		BrokerID:   brokerID,
		Symbol:     p.Symbol,
		Side:       string(p.Side),
		Accepted:   err == nil,
		Reasoning:  p.Reasoning,
		At:         time.Now().UTC(),
	}
	if trade != nil {
		d.TradeID = trade.ID
	}
	if err != nil {
		d.Reason = err.Error()
		if ae, ok := apperr.As(err); ok {
			d.Code, d.Reason = ae.Code, ae.Reason
		}
	}

	s.decMu.Lock()
	s.pushLocked(d)
	s.decMu.Unlock()

	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(events.EventDecision, d)
	}
	if s.cfg.Journal != nil {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.cfg.Journal.InsertDecision(jctx, db.Decision{
			ProposalID: d.ProposalID,
			BrokerID:   d.BrokerID,
			Symbol:     d.Symbol,
			Side:       d.Side,
			Accepted:   d.Accepted,
			Code:       d.Code,
			Reason:     d.Reason,
			Reasoning:  d.Reasoning,
			DecidedAt:  d.At,
		}); err != nil {
			s.log.Error().Err(err).Str("proposal", d.ProposalID).Msg("failed to journal decision")
		}
	}
}

func (s *Service) pushLocked(d Decision) {
	s.decisions[s.decNext] = d
	s.decNext = (s.decNext + 1) % len(s.decisions)
	if s.decNext == 0 {
		s.decFull = true
	}
}

// Decisions returns up to limit recent decisions, newest first.
func (s *Service) Decisions(limit int) []Decision {
	s.decMu.RLock()
	defer s.decMu.RUnlock()
	n := s.decNext
	if s.decFull {
		n = len(s.decisions)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Decision, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.decNext - i + len(s.decisions)) % len(s.decisions)
		out = append(out, s.decisions[idx])
	}
	return out
}

// Status reports workers, breaker and metrics.
func (s *Service) Status() Status {
	st := Status{QueueDepth: make(map[string]int), Metrics: s.metrics().Snapshot()}
	s.mu.Lock()
	st.Running = s.running
	for id, q := range s.queues {
		st.QueueDepth[id] = len(q)
	}
	s.mu.Unlock()
	if s.cfg.Risk != nil {
		st.Circuit = s.cfg.Risk.Circuit()
		st.Risk = s.cfg.Risk.Metrics()
	}
	return st
}

func (s *Service) metrics() *monitor.Metrics {
	return s.cfg.Metrics
}
