package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"autotrade-core/internal/apperr"
)

type createDepositRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

func requireUser(c *gin.Context) (string, bool) {
	userID := CurrentUserID(c)
	if userID == "" {
		unauthorized(c, "UNAUTHENTICATED", "user not authenticated")
		return "", false
	}
	return userID, true
}

func (s *Server) createDeposit(c *gin.Context) {
	userID, authed := requireUser(c)
	if !authed {
		return
	}
	var req createDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount == nil {
		fail(c, apperr.Validation(apperr.CodeInvalidAmount, "amount is required and must be a number"))
		return
	}
	ctx := c.Request.Context()
	if err := s.deps.Deposits.OpenAccount(ctx, userID); err != nil {
		fail(c, err)
		return
	}
	dep, err := s.deps.Deposits.ValidateAndCreateDeposit(ctx, userID, *req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	okStatus(c, http.StatusCreated, gin.H{"deposit": dep})
}

func (s *Server) completeDeposit(c *gin.Context) {
	userID, authed := requireUser(c)
	if !authed {
		return
	}
	ctx := c.Request.Context()
	// Ownership check; another user's deposit is reported as unknown.
	if _, err := s.deps.Deposits.GetDeposit(ctx, userID, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	dep, err := s.deps.Deposits.CompleteDeposit(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"deposit": dep})
}

func (s *Server) listDeposits(c *gin.Context) {
	userID, authed := requireUser(c)
	if !authed {
		return
	}
	list, err := s.deps.Deposits.ListDeposits(c.Request.Context(), userID, queryLimit(c, 100, 500))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"deposits": list})
}

func (s *Server) getAccount(c *gin.Context) {
	userID, authed := requireUser(c)
	if !authed {
		return
	}
	acct, err := s.deps.Deposits.Account(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"account": acct})
}
