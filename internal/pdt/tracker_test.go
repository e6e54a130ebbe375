package pdt

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autotrade-core/internal/apperr"
	"autotrade-core/pkg/calendar"
	"autotrade-core/pkg/db"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *testClock, *time.Location) {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	clock := &testClock{t: time.Date(2026, 10, 14, 15, 0, 0, 0, loc)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewTracker(DefaultConfig(), calendar.NewNYSE(loc), zerolog.Nop(), opts...), clock, loc
}

func eq(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func TestFourthDayTradeBlockedUnlessDisabled(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	tr.SetEquity(decimal.NewFromInt(20000))
	for i := 0; i < 3; i++ {
		tr.RecordDayTrade(ctx)
	}

	_, err := tr.Reserve(nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindCompliance))
	assert.Equal(t, 3, tr.GetPDTStatus(nil).DayTradeCount, "rejection must not count")

	_, err = tr.DisablePDTProtection(ctx)
	require.NoError(t, err)
	res, err := tr.Reserve(nil)
	require.NoError(t, err)
	res.Commit(ctx)

	st := tr.GetPDTStatus(nil)
	assert.Equal(t, 4, st.DayTradeCount)
	assert.False(t, st.Protected)
	assert.True(t, st.BelowThreshold)
	assert.Nil(t, st.Remaining)
}

func TestStatusRemaining(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	st := tr.GetPDTStatus(eq("10000"))
	require.True(t, st.Protected)
	require.NotNil(t, st.Remaining)
	assert.Equal(t, 3, *st.Remaining)
	assert.Nil(t, st.WindowResetAt)

	tr.RecordDayTrade(ctx)
	st = tr.GetPDTStatus(nil)
	assert.Equal(t, 2, *st.Remaining)
	require.NotNil(t, st.WindowResetAt)
	assert.Equal(t, "2026-10-21", st.WindowResetAt.Format(calendar.DateLayout))

	st = tr.GetPDTStatus(eq("25000"))
	assert.False(t, st.Protected, "at the threshold the rule no longer applies")
	assert.Nil(t, st.Remaining)
}

func TestWindowRollsOnTradingSessions(t *testing.T) {
	tr, clock, loc := newTestTracker(t)
	ctx := context.Background()
	tr.SetEquity(decimal.NewFromInt(1000))

	clock.Set(time.Date(2026, 10, 7, 11, 0, 0, 0, loc))
	tr.RecordDayTrade(ctx)

	clock.Set(time.Date(2026, 10, 13, 11, 0, 0, 0, loc))
	assert.Equal(t, 1, tr.GetPDTStatus(nil).DayTradeCount, "Oct 7..13 spans five sessions")

	clock.Set(time.Date(2026, 10, 14, 11, 0, 0, 0, loc))
	assert.Equal(t, 0, tr.GetPDTStatus(nil).DayTradeCount)
}

func TestWindowSpansHoliday(t *testing.T) {
	tr, clock, loc := newTestTracker(t)
	ctx := context.Background()
	tr.SetEquity(decimal.NewFromInt(1000))

	clock.Set(time.Date(2026, 11, 23, 10, 0, 0, 0, loc))
	tr.RecordDayTrade(ctx)

	// Thanksgiving and the weekend do not count as sessions.
	clock.Set(time.Date(2026, 11, 30, 10, 0, 0, 0, loc))
	assert.Equal(t, 1, tr.GetPDTStatus(nil).DayTradeCount)
	clock.Set(time.Date(2026, 12, 1, 10, 0, 0, 0, loc))
	assert.Equal(t, 0, tr.GetPDTStatus(nil).DayTradeCount)
}

func TestConcurrentReservationsNeverOvershoot(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tr.SetEquity(decimal.NewFromInt(5000))

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, err := tr.Reserve(nil); err == nil {
				granted.Add(1)
				r.Commit(context.Background())
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 3, granted.Load())
	assert.Equal(t, 3, tr.GetPDTStatus(nil).DayTradeCount)
}

func TestReleasedReservationFreesSlot(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tr.SetEquity(decimal.NewFromInt(5000))
	ctx := context.Background()
	tr.RecordDayTrade(ctx)
	tr.RecordDayTrade(ctx)

	r, err := tr.Reserve(nil)
	require.NoError(t, err)
	_, err = tr.Reserve(nil)
	assert.Error(t, err, "held slot counts against the limit")

	r.Release()
	r.Release()
	r.Commit(ctx)
	assert.Equal(t, 2, tr.GetPDTStatus(nil).DayTradeCount, "commit after release is ignored")

	_, err = tr.Reserve(nil)
	assert.NoError(t, err)
}

func TestResetAndPersistence(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))
	ctx := context.Background()

	tr, _, _ := newTestTracker(t, WithStore(database.Queries()))
	tr.SetEquity(decimal.NewFromInt(5000))
	tr.RecordDayTrade(ctx)
	tr.RecordDayTrade(ctx)
	_, err = tr.DisablePDTProtection(ctx)
	require.NoError(t, err)

	restored, _, _ := newTestTracker(t, WithStore(database.Queries()))
	require.NoError(t, restored.Load(ctx))
	st := restored.GetPDTStatus(eq("5000"))
	assert.Equal(t, 2, st.DayTradeCount)
	assert.False(t, st.ProtectionEnabled)

	st, err = restored.ResetDayTradeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.DayTradeCount)
	assert.Equal(t, "2026-10-14", st.WindowStart)

	again, _, _ := newTestTracker(t, WithStore(database.Queries()))
	require.NoError(t, again.Load(ctx))
	assert.Equal(t, 0, again.GetPDTStatus(nil).DayTradeCount)
}

// slowStore blocks every write until release is closed and remembers
// whether the write saw a cancelled context.
type slowStore struct {
	entered chan struct{}
	release chan struct{}

	mu        sync.Mutex
	sessions  []string
	settings  *db.PDTSettings
	cancelled bool
}

func newSlowStore() *slowStore {
	return &slowStore{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (s *slowStore) wait(ctx context.Context) {
	s.entered <- struct{}{}
	<-s.release
	s.mu.Lock()
	s.cancelled = s.cancelled || ctx.Err() != nil
	s.mu.Unlock()
}

func (s *slowStore) AppendDayTrade(ctx context.Context, session string) error {
	s.wait(ctx)
	s.mu.Lock()
	s.sessions = append(s.sessions, session)
	s.mu.Unlock()
	return nil
}

func (s *slowStore) DayTradesSince(context.Context, string) ([]string, error) { return nil, nil }

func (s *slowStore) ClearDayTrades(ctx context.Context) error {
	s.wait(ctx)
	s.mu.Lock()
	s.sessions = nil
	s.mu.Unlock()
	return nil
}

func (s *slowStore) SavePDTSettings(ctx context.Context, st db.PDTSettings) error {
	s.wait(ctx)
	s.mu.Lock()
	s.settings = &st
	s.mu.Unlock()
	return nil
}

func (s *slowStore) LoadPDTSettings(context.Context) (*db.PDTSettings, error) {
	return nil, db.ErrNotFound
}

func waitEntered(t *testing.T, s *slowStore) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("store write never started")
	}
}

func TestCommitPersistsOutsideLock(t *testing.T) {
	store := newSlowStore()
	tr, _, _ := newTestTracker(t, WithStore(store))
	tr.SetEquity(decimal.NewFromInt(5000))

	r, err := tr.Reserve(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Commit(ctx)
	}()
	waitEntered(t, store)
	cancel()

	status := make(chan Status, 1)
	go func() { status <- tr.GetPDTStatus(nil) }()
	select {
	case st := <-status:
		assert.Equal(t, 1, st.DayTradeCount)
	case <-time.After(time.Second):
		t.Fatal("status blocked on a pending store write")
	}
	_, err = tr.Reserve(nil)
	assert.NoError(t, err, "reservations must not wait on the store")

	close(store.release)
	<-done
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.sessions, 1)
	assert.False(t, store.cancelled, "a cancelled request must not abort the write")
}

func TestResetAndToggleDoNotHoldStatusLock(t *testing.T) {
	store := newSlowStore()
	tr, _, _ := newTestTracker(t, WithStore(store))
	tr.SetEquity(decimal.NewFromInt(5000))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tr.DisablePDTProtection(ctx)
		done <- err
	}()
	waitEntered(t, store)
	cancel()
	assert.True(t, tr.GetPDTStatus(nil).ProtectionEnabled, "toggle applies only after the store accepted it")

	close(store.release)
	require.NoError(t, <-done)
	assert.False(t, tr.GetPDTStatus(nil).ProtectionEnabled)

	st, err := tr.ResetDayTradeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-14", st.WindowStart)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotNil(t, store.settings)
	assert.Equal(t, "2026-10-14", store.settings.WindowStart)
	assert.False(t, store.cancelled)
}
