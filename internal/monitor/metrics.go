package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Metrics tracks proposal flow and trading results.
type Metrics struct {
	// ExecLatency measures proposal submission to engine answer.
	ExecLatency *LatencyHistogram

	proposalsReceived    atomic.Uint64
	tradesExecuted       atomic.Uint64
	tradesRejected       atomic.Uint64
	connectivityFailures atomic.Uint64

	mu          sync.RWMutex
	wins        int
	losses      int
	grossProfit decimal.Decimal
	grossLoss   decimal.Decimal
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		ExecLatency: NewLatencyHistogram(1000),
		grossProfit: decimal.Zero,
		grossLoss:   decimal.Zero,
	}
}

func (m *Metrics) ProposalReceived()   { m.proposalsReceived.Add(1) }
func (m *Metrics) TradeRejected()      { m.tradesRejected.Add(1) }
func (m *Metrics) ConnectivityFailed() { m.connectivityFailures.Add(1) }

// TradeExecuted counts a fill; realized is nil for opening trades.
func (m *Metrics) TradeExecuted(realized *decimal.Decimal) {
	m.tradesExecuted.Add(1)
	if realized == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case realized.IsPositive():
		m.wins++
		m.grossProfit = m.grossProfit.Add(*realized)
	case realized.IsNegative():
		m.losses++
		m.grossLoss = m.grossLoss.Add(realized.Neg())
	}
}

// LatencyHistogram keeps a sliding window of samples in milliseconds.
// Stats are recomputed lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and percentiles of the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := append([]float64(nil), h.samples...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Snapshot is a point-in-time copy of the metrics.
type Snapshot struct {
	ExecLatency          LatencyStats    `json:"execLatencyMs"`
	ProposalsReceived    uint64          `json:"proposalsReceived"`
	TradesExecuted       uint64          `json:"tradesExecuted"`
	TradesRejected       uint64          `json:"tradesRejected"`
	ConnectivityFailures uint64          `json:"connectivityFailures"`
	Wins                 int             `json:"wins"`
	Losses               int             `json:"losses"`
	WinRate              float64         `json:"winRate"`
	ProfitFactor         *float64        `json:"profitFactor"` // nil while there are no losses
	GrossProfit          decimal.Decimal `json:"grossProfit"`
	GrossLoss            decimal.Decimal `json:"grossLoss"`
	GoroutineCount       int             `json:"goroutineCount"`
	HeapAlloc            uint64          `json:"heapAllocBytes"`
	Timestamp            time.Time       `json:"timestamp"`
}

func (m *Metrics) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.RLock()
	s := Snapshot{
		Wins:        m.wins,
		Losses:      m.losses,
		GrossProfit: m.grossProfit,
		GrossLoss:   m.grossLoss,
	}
	m.mu.RUnlock()

	if closed := s.Wins + s.Losses; closed > 0 {
		s.WinRate = float64(s.Wins) / float64(closed)
	}
	if s.GrossLoss.IsPositive() {
		pf, _ := s.GrossProfit.Div(s.GrossLoss).Float64()
		s.ProfitFactor = &pf
	}
	s.ExecLatency = m.ExecLatency.Stats()
	s.ProposalsReceived = m.proposalsReceived.Load()
	s.TradesExecuted = m.tradesExecuted.Load()
	s.TradesRejected = m.tradesRejected.Load()
	s.ConnectivityFailures = m.connectivityFailures.Load()
	s.GoroutineCount = runtime.NumGoroutine()
	s.HeapAlloc = mem.HeapAlloc
	s.Timestamp = time.Now().UTC()
	return s
}

// Timer records elapsed time into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to the histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
