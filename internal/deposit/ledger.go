// Package deposit validates deposit requests against per-deposit and
// cumulative caps and settles them atomically into the trading account.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autotrade-core/internal/apperr"
	"autotrade-core/internal/events"
	"autotrade-core/pkg/db"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config holds the deposit caps. MaxTotal seeds the maxDepositLimit of new accounts.
type Config struct {
	Min       decimal.Decimal
	MaxSingle decimal.Decimal
	MaxTotal  decimal.Decimal
}

// Crediter receives settled amounts after commit.
type Crediter interface {
	Credit(userID string, amount decimal.Decimal)
}

// Deposit is the API view of a deposit.
type Deposit struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	TransactionID string          `json:"transactionId"`
	CreatedAt     time.Time       `json:"createdAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
}

// Account is the API view of a user's funding state.
type Account struct {
	UserID          string          `json:"userId"`
	Balance         decimal.Decimal `json:"balance"`
	BuyingPower     decimal.Decimal `json:"buyingPower"`
	TotalDeposited  decimal.Decimal `json:"totalDeposited"`
	MaxDepositLimit decimal.Decimal `json:"maxDepositLimit"`
	RemainingCap    decimal.Decimal `json:"remainingDepositAllowance"`
}

// Ledger is the only writer of deposit and account funding state.
type Ledger struct {
	db     *db.Database
	cfg    Config
	credit Crediter
	bus    *events.Bus
	log    zerolog.Logger
	now    func() time.Time
	locks  *keyedMutex
}

func NewLedger(database *db.Database, cfg Config, credit Crediter, bus *events.Bus, log zerolog.Logger) *Ledger {
	return &Ledger{
		db:     database,
		cfg:    cfg,
		credit: credit,
		bus:    bus,
		log:    log.With().Str("component", "deposit").Logger(),
		now:    time.Now,
		locks:  newKeyedMutex(),
	}
}

// OpenAccount makes sure userID has a user row and an active trading account.
func (l *Ledger) OpenAccount(ctx context.Context, userID string) error {
	if userID == "" {
		return apperr.Validation(apperr.CodeInvalidInput, "user id is required")
	}
	if err := l.db.Queries().EnsureUserAccount(ctx, userID, uuid.NewString(), l.cfg.MaxTotal); err != nil {
		return apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not open trading account")
	}
	return nil
}

// ValidateAndCreateDeposit checks the caps in order and records a pending
// deposit. The account is not touched until CompleteDeposit.
func (l *Ledger) ValidateAndCreateDeposit(ctx context.Context, userID string, amount decimal.Decimal) (*Deposit, error) {
	if userID == "" {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "user id is required")
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation(apperr.CodeInvalidAmount, "deposit amount must be greater than zero")
	}
	if amount.LessThan(l.cfg.Min) {
		return nil, apperr.Newf(apperr.KindValidation, apperr.CodeTooSmall,
			"minimum deposit is %s, got %s", money(l.cfg.Min), money(amount))
	}

	q := l.db.Queries()
	acct, err := q.GetActiveAccount(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, apperr.CodeAccountNotFound, "no active trading account for user %s", userID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not load trading account")
	}

	if single := decimal.Min(l.cfg.MaxSingle, acct.MaxDepositLimit); amount.GreaterThan(single) {
		return nil, apperr.Newf(apperr.KindLimitExceeded, apperr.CodeSingleLimitExceeded,
			"single deposit limit is %s, got %s", money(single), money(amount))
	}

	completed, err := q.CompletedDepositTotal(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not load deposit history")
	}
	if err := totalCapError(completed, amount, acct.MaxDepositLimit); err != nil {
		return nil, err
	}

	dep := db.Deposit{
		ID:            uuid.NewString(),
		UserID:        userID,
		Amount:        amount,
		Status:        db.DepositPending,
		TransactionID: "txn_" + uuid.NewString(),
		CreatedAt:     l.now(),
	}
	if err := q.CreateDeposit(ctx, dep); err != nil {
		return nil, apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not record deposit")
	}
	l.log.Info().Str("user", userID).Str("deposit", dep.ID).Str("amount", amount.String()).Msg("deposit created")
	return toView(&dep), nil
}

// CompleteDeposit settles a pending deposit in one transaction. Completing
// an already completed deposit returns it unchanged and credits nothing.
func (l *Ledger) CompleteDeposit(ctx context.Context, depositID string) (*Deposit, error) {
	peek, err := l.db.Queries().GetDeposit(ctx, depositID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, apperr.CodeDepositNotFound, "unknown deposit %q", depositID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not load deposit")
	}

	unlock := l.locks.Lock(peek.UserID)
	defer unlock()

	var (
		settled  *db.Deposit
		credited bool
	)
	err = l.db.WithTx(ctx, func(q *db.Queries) error {
		dep, err := q.GetDeposit(ctx, depositID)
		if err != nil {
			return err
		}
		if dep.Status == db.DepositCompleted {
			settled = dep
			return nil
		}
		if dep.Status != db.DepositPending {
			return apperr.Newf(apperr.KindValidation, apperr.CodeInvalidInput, "deposit %s is %s", dep.ID, dep.Status)
		}

		acct, err := q.GetActiveAccount(ctx, dep.UserID)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		completed, err := q.CompletedDepositTotal(ctx, dep.UserID)
		if err != nil {
			return err
		}
		if capErr := totalCapError(completed, dep.Amount, acct.MaxDepositLimit); capErr != nil {
			return capErr
		}

		at := l.now()
		if err := q.MarkDepositCompleted(ctx, dep.ID, at); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		user, err := q.GetUser(ctx, dep.UserID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if err := q.SetTotalDeposited(ctx, dep.UserID, user.TotalDeposited.Add(dep.Amount)); err != nil {
			return fmt.Errorf("increment total deposited: %w", err)
		}
		if err := q.SetAccountFunds(ctx, acct.ID, acct.Balance.Add(dep.Amount), acct.BuyingPower.Add(dep.Amount)); err != nil {
			return fmt.Errorf("credit account: %w", err)
		}

		dep.Status = db.DepositCompleted
		dep.ProcessedAt = &at
		settled = dep
		credited = true
		return nil
	})
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		l.log.Error().Err(err).Str("deposit", depositID).Msg("deposit settlement rolled back")
		return nil, apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "deposit settlement failed and was rolled back")
	}

	view := toView(settled)
	if credited {
		if l.credit != nil {
			l.credit.Credit(settled.UserID, settled.Amount)
		}
		if l.bus != nil {
			l.bus.Publish(events.EventDepositCompleted, *view)
		}
		l.log.Info().Str("user", settled.UserID).Str("deposit", settled.ID).Str("amount", settled.Amount.String()).Msg("deposit settled")
	}
	return view, nil
}

// GetDeposit returns one deposit owned by userID.
func (l *Ledger) GetDeposit(ctx context.Context, userID, depositID string) (*Deposit, error) {
	dep, err := l.db.Queries().GetDeposit(ctx, depositID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && dep.UserID != userID) {
		return nil, apperr.Newf(apperr.KindNotFound, apperr.CodeDepositNotFound, "unknown deposit %q", depositID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not load deposit")
	}
	return toView(dep), nil
}

// ListDeposits returns the newest deposits of a user.
func (l *Ledger) ListDeposits(ctx context.Context, userID string, limit int) ([]Deposit, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := l.db.Queries().ListDepositsByUser(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not list deposits")
	}
	out := make([]Deposit, 0, len(rows))
	for i := range rows {
		out = append(out, *toView(&rows[i]))
	}
	return out, nil
}

// Account returns the user's funding state.
func (l *Ledger) Account(ctx context.Context, userID string) (*Account, error) {
	q := l.db.Queries()
	acct, err := q.GetActiveAccount(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, apperr.CodeAccountNotFound, "no active trading account for user %s", userID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not load trading account")
	}
	user, err := q.GetUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not load user")
	}
	remaining := acct.MaxDepositLimit.Sub(user.TotalDeposited)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return &Account{
		UserID:          userID,
		Balance:         acct.Balance,
		BuyingPower:     acct.BuyingPower,
		TotalDeposited:  user.TotalDeposited,
		MaxDepositLimit: acct.MaxDepositLimit,
		RemainingCap:    remaining,
	}, nil
}

func totalCapError(completed, amount, max decimal.Decimal) error {
	if completed.Add(amount).LessThanOrEqual(max) {
		return nil
	}
	remaining := max.Sub(completed)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return apperr.Newf(apperr.KindLimitExceeded, apperr.CodeTotalLimitExceeded,
		"total deposit limit is %s; %s already deposited, %s remaining",
		money(max), money(completed), money(remaining))
}

func toView(d *db.Deposit) *Deposit {
	return &Deposit{
		ID:            d.ID,
		UserID:        d.UserID,
		Amount:        d.Amount,
		Status:        d.Status,
		TransactionID: d.TransactionID,
		CreatedAt:     d.CreatedAt,
		ProcessedAt:   d.ProcessedAt,
	}
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}
