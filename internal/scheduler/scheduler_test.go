package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/internal/engine"
)

type countingRefresher struct{ calls atomic.Int32 }

func (c *countingRefresher) Refresh(context.Context) []engine.BrokerState {
	c.calls.Add(1)
	return []engine.BrokerState{{BrokerID: "alpaca", Active: true, Connected: false, LastError: "offline"}}
}

type resetter struct{ calls atomic.Int32 }

func (r *resetter) ResetDaily() { r.calls.Add(1) }

func TestAddJobRejectsDuplicatesAndBadSchedules(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	require.NoError(t, s.AddJob("*/30 * * * * *", RiskReset(&resetter{})))
	assert.Error(t, s.AddJob("*/30 * * * * *", RiskReset(&resetter{})))
	assert.Error(t, s.AddJob("not a schedule", Func{JobName: "bad", Fn: func(context.Context) error { return nil }}))
}

func TestScheduleUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	s := New(loc, zerolog.Nop())
	require.NoError(t, s.AddJob("0 0 9 * * MON-FRI", RiskReset(&resetter{})))
	s.Start()
	defer s.Stop()

	next, ok := s.Next("risk-reset")
	require.True(t, ok)
	inET := next.In(loc)
	assert.Equal(t, 9, inET.Hour())
	assert.NotEqual(t, time.Saturday, inET.Weekday())
	assert.NotEqual(t, time.Sunday, inET.Weekday())

	_, ok = s.Next("missing")
	assert.False(t, ok)
}

func TestJobsRunOnSchedule(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	r := &countingRefresher{}
	require.NoError(t, s.AddJob("@every 1s", BrokerRefresh(r, zerolog.Nop())))
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestRunNowReturnsJobError(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	boom := errors.New("boom")
	err := s.RunNow(context.Background(), Func{JobName: "x", Fn: func(context.Context) error { return boom }})
	assert.ErrorIs(t, err, boom)

	rs := &resetter{}
	require.NoError(t, s.RunNow(context.Background(), RiskReset(rs)))
	assert.EqualValues(t, 1, rs.calls.Load())
}
