// Package db provides user-isolated storage for accounts, deposits and the trading journal.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
	// ErrStaleWrite means a guarded update matched no row.
	ErrStaleWrite = errors.New("row changed concurrently")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs statements against either the pool or an open transaction.
type Queries struct {
	q querier
}

// ----------------------------------------
// User / Account Queries
// ----------------------------------------

// EnsureUserAccount creates the user and an active trading account when
// missing. Existing rows are left untouched.
func (q *Queries) EnsureUserAccount(ctx context.Context, userID, accountID string, maxDepositLimit decimal.Decimal) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	now := time.Now().UTC()
	if _, err := q.q.ExecContext(ctx, `
		INSERT INTO users (id, total_deposited, created_at, updated_at)
		VALUES (?, '0', ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, userID, now, now); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	var n int
	if err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM trading_accounts WHERE user_id = ? AND is_active = 1`, userID,
	).Scan(&n); err != nil {
		return fmt.Errorf("count accounts: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := q.q.ExecContext(ctx, `
		INSERT INTO trading_accounts (id, user_id, balance, buying_power, max_deposit_limit, is_active, created_at, updated_at)
		VALUES (?, ?, '0', '0', ?, 1, ?, ?)
	`, accountID, userID, maxDepositLimit.String(), now, now); err != nil {
		return fmt.Errorf("insert trading account: %w", err)
	}
	return nil
}

// GetUser returns the user row.
func (q *Queries) GetUser(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var (
		u     User
		total string
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT id, total_deposited, created_at FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &total, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	if u.TotalDeposited, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total_deposited: %w", err)
	}
	return &u, nil
}

// SetTotalDeposited overwrites the user's settled total.
func (q *Queries) SetTotalDeposited(ctx context.Context, userID string, total decimal.Decimal) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE users SET total_deposited = ?, updated_at = ? WHERE id = ?`,
		total.String(), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update total_deposited: %w", err)
	}
	return expectOneRow(res)
}

// GetActiveAccount returns the user's active trading account.
func (q *Queries) GetActiveAccount(ctx context.Context, userID string) (*TradingAccount, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var (
		a                          TradingAccount
		balance, power, maxDeposit string
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, user_id, balance, buying_power, max_deposit_limit, is_active, updated_at
		FROM trading_accounts
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at ASC
		LIMIT 1
	`, userID).Scan(&a.ID, &a.UserID, &balance, &power, &maxDeposit, &a.IsActive, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query trading account: %w", err)
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	if a.BuyingPower, err = decimal.NewFromString(power); err != nil {
		return nil, fmt.Errorf("parse buying_power: %w", err)
	}
	if a.MaxDepositLimit, err = decimal.NewFromString(maxDeposit); err != nil {
		return nil, fmt.Errorf("parse max_deposit_limit: %w", err)
	}
	return &a, nil
}

// SetAccountFunds overwrites balance and buying power of one account.
func (q *Queries) SetAccountFunds(ctx context.Context, accountID string, balance, buyingPower decimal.Decimal) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE trading_accounts
		SET balance = ?, buying_power = ?, updated_at = ?
		WHERE id = ? AND is_active = 1
	`, balance.String(), buyingPower.String(), time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("update account funds: %w", err)
	}
	return expectOneRow(res)
}

// ----------------------------------------
// Deposit Queries
// ----------------------------------------

// CreateDeposit inserts a pending deposit.
func (q *Queries) CreateDeposit(ctx context.Context, d Deposit) error {
	if d.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO deposits (id, user_id, amount, status, transaction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, d.UserID, d.Amount.String(), d.Status, d.TransactionID, d.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert deposit: %w", err)
	}
	return nil
}

// GetDeposit loads one deposit by id.
func (q *Queries) GetDeposit(ctx context.Context, id string) (*Deposit, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT id, user_id, amount, status, transaction_id, created_at, processed_at
		FROM deposits WHERE id = ?
	`, id)
	d, err := scanDeposit(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query deposit: %w", err)
	}
	return d, nil
}

// ListDepositsByUser returns the user's deposits, newest first.
func (q *Queries) ListDepositsByUser(ctx context.Context, userID string, limit int) ([]Deposit, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, user_id, amount, status, transaction_id, created_at, processed_at
		FROM deposits
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query deposits: %w", err)
	}
	defer rows.Close()

	var out []Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// CompletedDepositTotal sums settled deposits for a user.
func (q *Queries) CompletedDepositTotal(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, ErrUserIDRequired
	}
	rows, err := q.q.QueryContext(ctx,
		`SELECT amount FROM deposits WHERE user_id = ? AND status = ?`, userID, DepositCompleted)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query completed deposits: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("scan amount: %w", err)
		}
		amt, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse amount: %w", err)
		}
		total = total.Add(amt)
	}
	return total, rows.Err()
}

// MarkDepositCompleted flips a pending deposit to completed. It returns
// ErrStaleWrite when the deposit was no longer pending.
func (q *Queries) MarkDepositCompleted(ctx context.Context, id string, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE deposits SET status = ?, processed_at = ?
		WHERE id = ? AND status = ?
	`, DepositCompleted, at.UTC(), id, DepositPending)
	if err != nil {
		return fmt.Errorf("complete deposit: %w", err)
	}
	return expectOneRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeposit(r rowScanner) (*Deposit, error) {
	var (
		d         Deposit
		amount    string
		processed sql.NullTime
	)
	if err := r.Scan(&d.ID, &d.UserID, &amount, &d.Status, &d.TransactionID, &d.CreatedAt, &processed); err != nil {
		return nil, err
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	d.Amount = amt
	if processed.Valid {
		t := processed.Time
		d.ProcessedAt = &t
	}
	return &d, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return ErrStaleWrite
	}
	return nil
}
