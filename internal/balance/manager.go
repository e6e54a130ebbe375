// Package balance caches the owner's trading account so limit checks and
// PDT equity reads never block on storage.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autotrade-core/pkg/db"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AccountSource loads the authoritative account row.
type AccountSource interface {
	GetActiveAccount(ctx context.Context, userID string) (*db.TradingAccount, error)
}

// Snapshot is a copy of the cached account.
type Snapshot struct {
	UserID          string          `json:"userId"`
	Balance         decimal.Decimal `json:"balance"`
	BuyingPower     decimal.Decimal `json:"buyingPower"`
	MaxDepositLimit decimal.Decimal `json:"maxDepositLimit"`
	RealizedPnL     decimal.Decimal `json:"realizedPnl"`
	Equity          decimal.Decimal `json:"equity"`
	LastSync        time.Time       `json:"lastSync"`
}

// Manager manages the cached account balance of one user.
type Manager struct {
	source AccountSource
	userID string
	log    zerolog.Logger

	mu          sync.RWMutex
	balance     decimal.Decimal
	buyingPower decimal.Decimal
	maxDeposit  decimal.Decimal
	realized    decimal.Decimal
	lastSync    time.Time
}

// NewManager creates a balance manager for userID.
func NewManager(source AccountSource, userID string, log zerolog.Logger) *Manager {
	return &Manager{
		source: source,
		userID: userID,
		log:    log.With().Str("component", "balance").Logger(),
	}
}

// UserID is the account owner.
func (m *Manager) UserID() string { return m.userID }

// Sync reloads the account from storage. A missing account leaves a zero balance.
func (m *Manager) Sync(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	acct, err := m.source.GetActiveAccount(ctx, m.userID)
	if errors.Is(err, db.ErrNotFound) {
		m.log.Warn().Str("user", m.userID).Msg("no active trading account; balance is zero")
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync balance: %w", err)
	}

	m.mu.Lock()
	m.balance = acct.Balance
	m.buyingPower = acct.BuyingPower
	m.maxDeposit = acct.MaxDepositLimit
	m.lastSync = time.Now()
	m.mu.Unlock()

	m.log.Debug().Str("balance", acct.Balance.String()).Str("buying_power", acct.BuyingPower.String()).Msg("balance synced")
	return nil
}

// Credit applies a settled deposit to the cache. The ledger has already
// committed the same change to storage.
func (m *Manager) Credit(userID string, amount decimal.Decimal) {
	if userID != m.userID {
		return
	}
	m.mu.Lock()
	m.balance = m.balance.Add(amount)
	m.buyingPower = m.buyingPower.Add(amount)
	m.mu.Unlock()
	m.log.Info().Str("amount", amount.String()).Msg("balance credited")
}

// ApplyRealized adds realized trading profit (or loss) to equity.
func (m *Manager) ApplyRealized(pnl decimal.Decimal) {
	m.mu.Lock()
	m.realized = m.realized.Add(pnl)
	m.mu.Unlock()
}

// ActualBalance is the cash balance that bounds trading limits.
func (m *Manager) ActualBalance() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance
}

// Equity is cash balance plus realized trading results.
func (m *Manager) Equity() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance.Add(m.realized)
}

// Snapshot copies the cached state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		UserID:          m.userID,
		Balance:         m.balance,
		BuyingPower:     m.buyingPower,
		MaxDepositLimit: m.maxDeposit,
		RealizedPnL:     m.realized,
		Equity:          m.balance.Add(m.realized),
		LastSync:        m.lastSync,
	}
}
