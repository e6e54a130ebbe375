// Package limits validates and manages per-broker user trading limits.
package limits

import (
	"context"
	"fmt"

	"autotrade-core/internal/apperr"
	"autotrade-core/internal/registry"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Store persists overrides. A nil store keeps limits in memory only.
type Store interface {
	UpsertBrokerLimit(ctx context.Context, brokerID string, limit decimal.Decimal) error
	DeleteBrokerLimit(ctx context.Context, brokerID string) error
	BrokerLimits(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Result is the outcome of a limit validation.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
}

// Summary describes one broker's limit state.
type Summary struct {
	BrokerID          string           `json:"brokerId"`
	DisplayName       string           `json:"displayName"`
	Currency          string           `json:"currency"`
	Mode              registry.Mode    `json:"mode"`
	MaxPortfolioValue decimal.Decimal  `json:"maxPortfolioValue"`
	UserDefinedLimit  *decimal.Decimal `json:"userDefinedLimit"`
	EffectiveLimit    decimal.Decimal  `json:"effectiveLimit"`
}

// Validator is the only writer of the registry's override map.
type Validator struct {
	reg   *registry.Registry
	store Store
	log   zerolog.Logger
}

func NewValidator(reg *registry.Registry, store Store, log zerolog.Logger) *Validator {
	return &Validator{reg: reg, store: store, log: log.With().Str("component", "limits").Logger()}
}

// Load restores persisted overrides. Unknown brokers are skipped.
func (v *Validator) Load(ctx context.Context) error {
	if v.store == nil {
		return nil
	}
	stored, err := v.store.BrokerLimits(ctx)
	if err != nil {
		return fmt.Errorf("load broker limits: %w", err)
	}
	for id, limit := range stored {
		if err := v.reg.SetUserLimit(id, limit); err != nil {
			v.log.Warn().Str("broker", id).Msg("dropping stored limit for unregistered broker")
		}
	}
	return nil
}

// ValidateUserTradingLimit checks 0 < proposed <= max portfolio value and
// proposed <= actual balance. Only an unknown broker returns an error.
func (v *Validator) ValidateUserTradingLimit(brokerID string, proposed, actualBalance decimal.Decimal) (Result, error) {
	cfg, err := v.reg.Get(brokerID)
	if err != nil {
		return Result{}, err
	}
	switch {
	case !proposed.IsPositive():
		return Result{Code: apperr.CodeInvalidLimit, Reason: "trading limit must be greater than zero"}, nil
	case proposed.GreaterThan(cfg.MaxPortfolioValue):
		return Result{
			Code: apperr.CodeTradingLimit,
			Reason: fmt.Sprintf("limit %s exceeds %s maximum portfolio value of %s %s",
				money(proposed), cfg.DisplayName, money(cfg.MaxPortfolioValue), cfg.Currency),
		}, nil
	case proposed.GreaterThan(actualBalance):
		return Result{
			Code:   apperr.CodeTradingLimit,
			Reason: fmt.Sprintf("limit %s exceeds actual account balance of %s", money(proposed), money(actualBalance)),
		}, nil
	}
	return Result{Valid: true}, nil
}

// SetUserTradingLimit validates and stores an override.
func (v *Validator) SetUserTradingLimit(ctx context.Context, brokerID string, limit, actualBalance decimal.Decimal) error {
	res, err := v.ValidateUserTradingLimit(brokerID, limit, actualBalance)
	if err != nil {
		return err
	}
	if !res.Valid {
		kind := apperr.KindLimitExceeded
		if res.Code == apperr.CodeInvalidLimit {
			kind = apperr.KindValidation
		}
		return apperr.New(kind, res.Code, res.Reason)
	}
	if v.store != nil {
		if err := v.store.UpsertBrokerLimit(ctx, brokerID, limit); err != nil {
			return apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not save trading limit")
		}
	}
	if err := v.reg.SetUserLimit(brokerID, limit); err != nil {
		return err
	}
	v.log.Info().Str("broker", brokerID).Str("limit", limit.String()).Msg("user trading limit set")
	return nil
}

// GetUserTradingLimit returns the override, if any, without blocking on I/O.
func (v *Validator) GetUserTradingLimit(brokerID string) (decimal.Decimal, bool, error) {
	if _, err := v.reg.Get(brokerID); err != nil {
		return decimal.Zero, false, err
	}
	limit, ok := v.reg.UserLimit(brokerID)
	return limit, ok, nil
}

// ClearUserTradingLimit reverts the broker to the full account balance.
func (v *Validator) ClearUserTradingLimit(ctx context.Context, brokerID string) error {
	if _, err := v.reg.Get(brokerID); err != nil {
		return err
	}
	if v.store != nil {
		if err := v.store.DeleteBrokerLimit(ctx, brokerID); err != nil {
			return apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not clear trading limit")
		}
	}
	if err := v.reg.ClearUserLimit(brokerID); err != nil {
		return err
	}
	v.log.Info().Str("broker", brokerID).Msg("user trading limit cleared")
	return nil
}

// EffectiveLimit is min(userLimit ?? actualBalance, maxPortfolioValue, actualBalance).
func (v *Validator) EffectiveLimit(brokerID string, actualBalance decimal.Decimal) (decimal.Decimal, error) {
	cfg, err := v.reg.Get(brokerID)
	if err != nil {
		return decimal.Zero, err
	}
	limit := actualBalance
	if user, ok := v.reg.UserLimit(brokerID); ok {
		limit = user
	}
	limit = decimal.Min(limit, cfg.MaxPortfolioValue, actualBalance)
	if limit.IsNegative() {
		return decimal.Zero, nil
	}
	return limit, nil
}

// Summaries lists every broker's limit state in registry order.
func (v *Validator) Summaries(actualBalance decimal.Decimal) []Summary {
	out := make([]Summary, 0)
	for _, cfg := range v.reg.List() {
		s := Summary{
			BrokerID:          cfg.ID,
			DisplayName:       cfg.DisplayName,
			Currency:          cfg.Currency,
			Mode:              cfg.Mode,
			MaxPortfolioValue: cfg.MaxPortfolioValue,
		}
		if user, ok := v.reg.UserLimit(cfg.ID); ok {
			u := user
			s.UserDefinedLimit = &u
		}
		s.EffectiveLimit, _ = v.EffectiveLimit(cfg.ID, actualBalance)
		out = append(out, s)
	}
	return out
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}
