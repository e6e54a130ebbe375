package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrade-core/internal/apperr"
	"autotrade-core/internal/engine"
	"autotrade-core/pkg/brokers"
)

type pdtActionRequest struct {
	Action string `json:"action"`
}

type setLimitRequest struct {
	BrokerID      string           `json:"brokerId"`
	Limit         *decimal.Decimal `json:"limit"`
	ActualBalance *decimal.Decimal `json:"actualBalance"`
}

type clearLimitRequest struct {
	BrokerID string `json:"brokerId"`
}

type proposalRequest struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Reasoning  string          `json:"reasoning"`
	Confidence float64         `json:"confidence"`
	// Async queues the proposal on the broker's worker instead of waiting.
	Async bool `json:"async"`
}

func queryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// ----------------------------------------
// PDT
// ----------------------------------------

func (s *Server) getPDTStatus(c *gin.Context) {
	var equity *decimal.Decimal
	if raw := strings.TrimSpace(c.Query("equity")); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			badRequest(c, "equity must be a non-negative number")
			return
		}
		equity = &v
	} else if s.deps.Balance != nil {
		v := s.deps.Balance.Equity()
		equity = &v
	}
	ok(c, gin.H{"pdt": s.deps.PDT.GetPDTStatus(equity)})
}

func (s *Server) updatePDTStatus(c *gin.Context) {
	var req pdtActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request payload")
		return
	}
	ctx := c.Request.Context()
	var err error
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "disable":
		_, err = s.deps.PDT.DisablePDTProtection(ctx)
	case "enable":
		_, err = s.deps.PDT.EnablePDTProtection(ctx)
	case "reset":
		_, err = s.deps.PDT.ResetDayTradeCount(ctx)
	default:
		badRequest(c, "action must be one of disable, enable, reset")
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"action": strings.ToLower(req.Action), "pdt": s.deps.PDT.GetPDTStatus(nil)})
}

// ----------------------------------------
// Broker state
// ----------------------------------------

func (s *Server) refreshBrokers(c *gin.Context) {
	ctx := c.Request.Context()
	s.deps.Engine.Refresh(ctx)
	proj, err := s.deps.Reconciler.SyncPortfolioWithAI(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"brokers": proj.Brokers, "totals": proj.Totals, "version": proj.Version})
}

func (s *Server) getBrokerState(c *gin.Context) {
	proj := s.deps.Reconciler.Current()
	if proj.Version == 0 {
		var err error
		if proj, err = s.deps.Reconciler.SyncPortfolioWithAI(c.Request.Context()); err != nil {
			fail(c, err)
			return
		}
	}
	ok(c, gin.H{"projection": proj})
}

func (s *Server) startBroker(c *gin.Context) {
	st, err := s.deps.Autonomous.StartBroker(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"broker": st})
}

func (s *Server) stopBroker(c *gin.Context) {
	st, err := s.deps.Autonomous.StopBroker(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"broker": st})
}

func (s *Server) resetBroker(c *gin.Context) {
	st, err := s.deps.Engine.Reset(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"broker": st})
}

// ----------------------------------------
// Limits
// ----------------------------------------

func (s *Server) actualBalance() decimal.Decimal {
	if s.deps.Balance == nil {
		return decimal.Zero
	}
	return s.deps.Balance.ActualBalance()
}

func (s *Server) getBrokerLimits(c *gin.Context) {
	balance := s.actualBalance()
	ok(c, gin.H{"actualBalance": balance, "limits": s.deps.Limits.Summaries(balance)})
}

func (s *Server) setBrokerLimit(c *gin.Context) {
	var req setLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request payload: limit and actualBalance must be numbers")
		return
	}
	req.BrokerID = strings.TrimSpace(req.BrokerID)
	if req.BrokerID == "" || req.Limit == nil {
		badRequest(c, "brokerId and limit are required")
		return
	}
	balance := s.actualBalance()
	if req.ActualBalance != nil {
		balance = *req.ActualBalance
	}
	if err := s.deps.Limits.SetUserTradingLimit(c.Request.Context(), req.BrokerID, *req.Limit, balance); err != nil {
		fail(c, err)
		return
	}
	effective, err := s.deps.Limits.EffectiveLimit(req.BrokerID, balance)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"brokerId": req.BrokerID, "limit": *req.Limit, "effectiveLimit": effective})
}

func (s *Server) clearBrokerLimit(c *gin.Context) {
	var req clearLimitRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request payload")
			return
		}
	}
	if req.BrokerID == "" {
		req.BrokerID = c.Query("brokerId")
	}
	req.BrokerID = strings.TrimSpace(req.BrokerID)
	if req.BrokerID == "" {
		badRequest(c, "brokerId is required")
		return
	}
	if err := s.deps.Limits.ClearUserTradingLimit(c.Request.Context(), req.BrokerID); err != nil {
		fail(c, err)
		return
	}
	effective, err := s.deps.Limits.EffectiveLimit(req.BrokerID, s.actualBalance())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"brokerId": req.BrokerID, "effectiveLimit": effective})
}

// ----------------------------------------
// Trades
// ----------------------------------------

func (s *Server) submitTrade(c *gin.Context) {
	var req proposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request payload: quantity and price must be numbers")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	p := engine.Proposal{
		ID:         req.ID,
		Symbol:     strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:       brokers.Side(strings.ToLower(strings.TrimSpace(req.Side))),
		Quantity:   req.Quantity,
		Price:      req.Price,
		Reasoning:  req.Reasoning,
		Confidence: req.Confidence,
	}
	brokerID := c.Param("id")

	if req.Async {
		if err := s.deps.Autonomous.Enqueue(c.Request.Context(), brokerID, p); err != nil {
			fail(c, err)
			return
		}
		okStatus(c, http.StatusAccepted, gin.H{"proposalId": p.ID, "brokerId": brokerID, "status": engine.TradePending})
		return
	}

	trade, err := s.deps.Autonomous.Submit(c.Request.Context(), brokerID, p)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusCreated
	if trade.Replayed {
		status = http.StatusOK
	}
	okStatus(c, status, gin.H{"trade": trade})
}

func (s *Server) listTrades(c *gin.Context) {
	trades, err := s.deps.Engine.Trades(c.Param("id"), queryLimit(c, 100, 1000))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"brokerId": c.Param("id"), "trades": trades})
}

// ----------------------------------------
// Autonomous / metrics
// ----------------------------------------

func (s *Server) getDecisions(c *gin.Context) {
	ok(c, gin.H{"decisions": s.deps.Autonomous.Decisions(queryLimit(c, 50, 200))})
}

func (s *Server) getAutonomousStatus(c *gin.Context) {
	ok(c, gin.H{"status": s.deps.Autonomous.Status()})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.deps.Metrics == nil {
		fail(c, apperr.NotFound("METRICS_UNAVAILABLE", "metrics are not enabled"))
		return
	}
	ok(c, gin.H{"metrics": s.deps.Metrics.Snapshot()})
}
