package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ----------------------------------------
// Broker Trade Journal
// ----------------------------------------

// InsertBrokerTrade appends one engine fill. Replaying the same proposal for
// a broker is a no-op.
func (q *Queries) InsertBrokerTrade(ctx context.Context, t BrokerTrade) error {
	var profit any
	if t.Profit.Valid {
		profit = t.Profit.Decimal.String()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO broker_trades (id, proposal_id, broker_id, symbol, side, quantity, price, profit, reasoning, status, day_trade, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker_id, proposal_id) DO NOTHING
	`, t.ID, t.ProposalID, t.BrokerID, t.Symbol, t.Side, t.Quantity.String(), t.Price.String(),
		profit, t.Reasoning, t.Status, t.DayTrade, t.ExecutedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert broker trade: %w", err)
	}
	return nil
}

// ListBrokerTrades returns the newest fills for a broker.
func (q *Queries) ListBrokerTrades(ctx context.Context, brokerID string, limit int) ([]BrokerTrade, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, proposal_id, broker_id, symbol, side, quantity, price, profit, COALESCE(reasoning, ''), status, day_trade, executed_at
		FROM broker_trades
		WHERE broker_id = ?
		ORDER BY executed_at DESC
		LIMIT ?
	`, brokerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query broker trades: %w", err)
	}
	defer rows.Close()

	var out []BrokerTrade
	for rows.Next() {
		var (
			t          BrokerTrade
			qty, price string
			profit     sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.ProposalID, &t.BrokerID, &t.Symbol, &t.Side, &qty, &price,
			&profit, &t.Reasoning, &t.Status, &t.DayTrade, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan broker trade: %w", err)
		}
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if profit.Valid {
			p, err := decimal.NewFromString(profit.String)
			if err != nil {
				return nil, fmt.Errorf("parse profit: %w", err)
			}
			t.Profit = decimal.NewNullDecimal(p)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Decision Journal
// ----------------------------------------

// InsertDecision appends one proposal outcome.
func (q *Queries) InsertDecision(ctx context.Context, d Decision) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO decisions (proposal_id, broker_id, symbol, side, accepted, code, reason, reasoning, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ProposalID, d.BrokerID, d.Symbol, d.Side, d.Accepted, d.Code, d.Reason, d.Reasoning, d.DecidedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// RecentDecisions returns up to limit decisions, newest first.
func (q *Queries) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, proposal_id, broker_id, COALESCE(symbol, ''), COALESCE(side, ''), accepted,
		       COALESCE(code, ''), COALESCE(reason, ''), COALESCE(reasoning, ''), decided_at
		FROM decisions
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.ProposalID, &d.BrokerID, &d.Symbol, &d.Side, &d.Accepted,
			&d.Code, &d.Reason, &d.Reasoning, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Broker Limits
// ----------------------------------------

// UpsertBrokerLimit stores a user-defined limit.
func (q *Queries) UpsertBrokerLimit(ctx context.Context, brokerID string, limit decimal.Decimal) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO broker_limits (broker_id, limit_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(broker_id) DO UPDATE SET limit_value = excluded.limit_value, updated_at = excluded.updated_at
	`, brokerID, limit.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert broker limit: %w", err)
	}
	return nil
}

// DeleteBrokerLimit removes a user-defined limit.
func (q *Queries) DeleteBrokerLimit(ctx context.Context, brokerID string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM broker_limits WHERE broker_id = ?`, brokerID); err != nil {
		return fmt.Errorf("delete broker limit: %w", err)
	}
	return nil
}

// BrokerLimits returns every stored limit keyed by broker id.
func (q *Queries) BrokerLimits(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT broker_id, limit_value FROM broker_limits`)
	if err != nil {
		return nil, fmt.Errorf("query broker limits: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan broker limit: %w", err)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse broker limit %s: %w", id, err)
		}
		out[id] = v
	}
	return out, rows.Err()
}

// ----------------------------------------
// PDT State
// ----------------------------------------

// AppendDayTrade stores one day trade for a session date ("2006-01-02").
func (q *Queries) AppendDayTrade(ctx context.Context, session string) error {
	if _, err := q.q.ExecContext(ctx,
		`INSERT INTO pdt_day_trades (session_date, recorded_at) VALUES (?, ?)`, session, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert day trade: %w", err)
	}
	return nil
}

// DayTradesSince lists session dates on or after the given session.
func (q *Queries) DayTradesSince(ctx context.Context, session string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT session_date FROM pdt_day_trades WHERE session_date >= ? ORDER BY session_date ASC, id ASC`, session)
	if err != nil {
		return nil, fmt.Errorf("query day trades: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan day trade: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ClearDayTrades removes every stored day trade.
func (q *Queries) ClearDayTrades(ctx context.Context) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM pdt_day_trades`); err != nil {
		return fmt.Errorf("clear day trades: %w", err)
	}
	return nil
}

// SavePDTSettings upserts the tracker settings row.
func (q *Queries) SavePDTSettings(ctx context.Context, s PDTSettings) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO pdt_settings (id, protection_enabled, window_start, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			protection_enabled = excluded.protection_enabled,
			window_start = excluded.window_start,
			updated_at = excluded.updated_at
	`, s.ProtectionEnabled, s.WindowStart, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save pdt settings: %w", err)
	}
	return nil
}

// LoadPDTSettings returns ErrNotFound when settings were never saved.
func (q *Queries) LoadPDTSettings(ctx context.Context) (*PDTSettings, error) {
	var (
		s     PDTSettings
		start sql.NullString
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT protection_enabled, window_start FROM pdt_settings WHERE id = 1`).Scan(&s.ProtectionEnabled, &start)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pdt settings: %w", err)
	}
	s.WindowStart = start.String
	return &s, nil
}
