// Package pdt enforces the pattern day trader rule: accounts under the
// equity threshold may not exceed the day-trade limit within a rolling
// window of trading sessions.
package pdt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"autotrade-core/internal/apperr"
	"autotrade-core/pkg/calendar"
	"autotrade-core/pkg/db"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// WindowSessions is the length of the rolling window in trading sessions.
const WindowSessions = 5

const persistTimeout = 5 * time.Second

// Config sets the regulatory parameters.
type Config struct {
	Threshold         decimal.Decimal
	DayTradeLimit     int
	ProtectionEnabled bool
}

// DefaultConfig is the FINRA rule: $25,000 and three day trades.
func DefaultConfig() Config {
	return Config{Threshold: decimal.NewFromInt(25000), DayTradeLimit: 3, ProtectionEnabled: true}
}

// Store persists day trades and settings. Optional.
type Store interface {
	AppendDayTrade(ctx context.Context, session string) error
	DayTradesSince(ctx context.Context, session string) ([]string, error)
	ClearDayTrades(ctx context.Context) error
	SavePDTSettings(ctx context.Context, s db.PDTSettings) error
	LoadPDTSettings(ctx context.Context) (*db.PDTSettings, error)
}

// Status is the externally reported PDT state.
type Status struct {
	Protected         bool            `json:"protected"`
	ProtectionEnabled bool            `json:"protectionEnabled"`
	BelowThreshold    bool            `json:"belowThreshold"`
	DayTradeCount     int             `json:"dayTradeCount"`
	Remaining         *int            `json:"remaining"` // nil means unbounded
	DayTradeLimit     int             `json:"dayTradeLimit"`
	Threshold         decimal.Decimal `json:"threshold"`
	Equity            decimal.Decimal `json:"equity"`
	WindowStart       string          `json:"windowStart"`
	WindowResetAt     *time.Time      `json:"windowResetAt"`
}

// Tracker is safe for concurrent use. Store writes happen outside mu so
// status reads and reservations never wait on the database; persistMu keeps
// the writes in the same order as the in-memory changes.
type Tracker struct {
	cal   calendar.Calendar
	store Store
	log   zerolog.Logger
	now   func() time.Time

	persistMu sync.Mutex

	mu         sync.Mutex
	cfg        Config
	equity     decimal.Decimal
	sessions   []string // sorted session keys of recorded day trades
	resetFloor string   // window never starts before the last reset
	pending    int
}

type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithStore persists state through s.
func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

func NewTracker(cfg Config, cal calendar.Calendar, log zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		cal: cal,
		cfg: cfg,
		log: log.With().Str("component", "pdt").Logger(),
		now: time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Load restores settings and the in-window day trades from the store.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	settings, err := t.store.LoadPDTSettings(ctx)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load pdt settings: %w", err)
	default:
		t.cfg.ProtectionEnabled = settings.ProtectionEnabled
		t.resetFloor = settings.WindowStart
	}

	sessions, err := t.store.DayTradesSince(ctx, t.windowStartLocked())
	if err != nil {
		return fmt.Errorf("load day trades: %w", err)
	}
	t.sessions = sessions
	sort.Strings(t.sessions)
	return nil
}

// SetEquity records the latest known account equity.
func (t *Tracker) SetEquity(equity decimal.Decimal) {
	t.mu.Lock()
	t.equity = equity
	t.mu.Unlock()
}

// GetPDTStatus computes the status. A non-nil equity replaces the last known
// equity first.
func (t *Tracker) GetPDTStatus(equity *decimal.Decimal) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if equity != nil {
		t.equity = *equity
	}
	return t.statusLocked()
}

// EnablePDTProtection turns enforcement on.
func (t *Tracker) EnablePDTProtection(ctx context.Context) (Status, error) {
	return t.setProtection(ctx, true)
}

// DisablePDTProtection stops enforcement. Counting continues.
func (t *Tracker) DisablePDTProtection(ctx context.Context) (Status, error) {
	return t.setProtection(ctx, false)
}

func (t *Tracker) setProtection(ctx context.Context, enabled bool) (Status, error) {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.Lock()
	floor := t.resetFloor
	t.mu.Unlock()

	if t.store != nil {
		pctx, cancel := persistContext(ctx)
		err := t.store.SavePDTSettings(pctx, db.PDTSettings{ProtectionEnabled: enabled, WindowStart: floor})
		cancel()
		if err != nil {
			return t.GetPDTStatus(nil), apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not save PDT settings")
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.ProtectionEnabled != enabled {
		t.log.Warn().Bool("enabled", enabled).Msg("PDT protection toggled")
	}
	t.cfg.ProtectionEnabled = enabled
	return t.statusLocked(), nil
}

// ResetDayTradeCount clears the counter and restarts the window today. The
// in-memory state only changes once the store accepted the reset.
func (t *Tracker) ResetDayTradeCount(ctx context.Context) (Status, error) {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.Lock()
	floor := calendar.SessionKey(t.cal, t.now())
	enabled := t.cfg.ProtectionEnabled
	t.mu.Unlock()

	if t.store != nil {
		pctx, cancel := persistContext(ctx)
		defer cancel()
		if err := t.store.ClearDayTrades(pctx); err != nil {
			return t.GetPDTStatus(nil), apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not reset day trades")
		}
		if err := t.store.SavePDTSettings(pctx, db.PDTSettings{ProtectionEnabled: enabled, WindowStart: floor}); err != nil {
			return t.GetPDTStatus(nil), apperr.Wrap(apperr.KindTransaction, apperr.CodeCommitFailed, err, "could not save PDT settings")
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = nil
	t.resetFloor = floor
	t.log.Warn().Str("window_start", floor).Msg("day trade count reset")
	return t.statusLocked(), nil
}

// RecordDayTrade counts one day trade in the current session.
func (t *Tracker) RecordDayTrade(ctx context.Context) {
	t.record(ctx, false)
}

// record counts the day trade under mu and persists it after unlocking.
// A cancelled ctx does not stop the write: the trade already happened.
func (t *Tracker) record(ctx context.Context, reserved bool) {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.Lock()
	if reserved {
		t.pending--
	}
	session := calendar.SessionKey(t.cal, t.now())
	t.sessions = append(t.sessions, session)
	sort.Strings(t.sessions)
	count := t.countLocked()
	t.mu.Unlock()

	t.log.Info().Str("session", session).Int("count", count).Msg("day trade recorded")
	if t.store == nil {
		return
	}
	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := t.store.AppendDayTrade(pctx, session); err != nil {
		t.log.Error().Err(err).Str("session", session).Msg("failed to persist day trade")
	}
}

func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// Reservation holds one day-trade slot between the compliance check and
// the commit of the trade it belongs to.
type Reservation struct {
	t    *Tracker
	once sync.Once
}

// Commit records the day trade and releases the hold.
func (r *Reservation) Commit(ctx context.Context) {
	r.once.Do(func() {
		r.t.record(ctx, true)
	})
}

// Release drops the hold without recording anything.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.t.mu.Lock()
		r.t.pending--
		r.t.mu.Unlock()
	})
}

// Reserve checks whether one more day trade is allowed and, if so, holds a
// slot. Held slots count against the limit so concurrent callers cannot
// overshoot it. A nil equity uses the last known equity.
func (t *Tracker) Reserve(equity *decimal.Decimal) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if equity != nil {
		t.equity = *equity
	}
	if t.protectedLocked() {
		used := t.countLocked() + t.pending
		if used >= t.cfg.DayTradeLimit {
			reset := ""
			if at := t.resetAtLocked(); at != nil {
				reset = "; next slot frees on " + at.Format(calendar.DateLayout)
			}
			return nil, apperr.Newf(apperr.KindCompliance, apperr.CodePDTLimit,
				"pattern day trader protection: %d of %d day trades used in the rolling %d-session window with equity %s below %s%s",
				used, t.cfg.DayTradeLimit, WindowSessions, t.equity.StringFixed(2), t.cfg.Threshold.StringFixed(2), reset)
		}
	}
	t.pending++
	return &Reservation{t: t}, nil
}

func (t *Tracker) protectedLocked() bool {
	return t.cfg.ProtectionEnabled && t.equity.LessThan(t.cfg.Threshold)
}

func (t *Tracker) windowStartLocked() string {
	start := calendar.WindowStart(t.cal, t.now(), WindowSessions).Format(calendar.DateLayout)
	if t.resetFloor > start {
		return t.resetFloor
	}
	return start
}

// countLocked drops sessions that rolled out of the window and counts the rest.
func (t *Tracker) countLocked() int {
	start := t.windowStartLocked()
	i := sort.SearchStrings(t.sessions, start)
	if i > 0 {
		t.sessions = append([]string(nil), t.sessions[i:]...)
	}
	return len(t.sessions)
}

// resetAtLocked is when the oldest counted day trade leaves the window.
func (t *Tracker) resetAtLocked() *time.Time {
	if t.countLocked() == 0 {
		return nil
	}
	oldest, err := calendar.ParseKey(t.cal, t.sessions[0])
	if err != nil {
		return nil
	}
	at := calendar.AddSessions(t.cal, oldest, WindowSessions)
	return &at
}

func (t *Tracker) statusLocked() Status {
	count := t.countLocked()
	s := Status{
		Protected:         t.protectedLocked(),
		ProtectionEnabled: t.cfg.ProtectionEnabled,
		BelowThreshold:    t.equity.LessThan(t.cfg.Threshold),
		DayTradeCount:     count,
		DayTradeLimit:     t.cfg.DayTradeLimit,
		Threshold:         t.cfg.Threshold,
		Equity:            t.equity,
		WindowStart:       t.windowStartLocked(),
		WindowResetAt:     t.resetAtLocked(),
	}
	if s.Protected {
		remaining := t.cfg.DayTradeLimit - count
		if remaining < 0 {
			remaining = 0
		}
		s.Remaining = &remaining
	}
	return s
}
