package scheduler

import (
	"context"

	"github.com/rs/zerolog"

	"autotrade-core/internal/engine"
)

// Func adapts a function into a named Job.
type Func struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (f Func) Name() string                  { return f.JobName }
func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }

// Refresher refreshes broker connectivity.
type Refresher interface {
	Refresh(ctx context.Context) []engine.BrokerState
}

// Syncer reloads a cache from storage.
type Syncer interface {
	Sync(ctx context.Context) error
}

// DailyResetter starts a new risk day.
type DailyResetter interface {
	ResetDaily()
}

// BrokerRefresh refreshes every broker and logs the disconnected ones.
func BrokerRefresh(r Refresher, log zerolog.Logger) Job {
	return Func{JobName: "broker-refresh", Fn: func(ctx context.Context) error {
		for _, st := range r.Refresh(ctx) {
			if st.Active && !st.Connected {
				log.Warn().Str("broker", st.BrokerID).Str("error", st.LastError).Msg("broker still disconnected")
			}
		}
		return nil
	}}
}

// RiskReset clears the daily risk counters.
func RiskReset(r DailyResetter) Job {
	return Func{JobName: "risk-reset", Fn: func(context.Context) error {
		r.ResetDaily()
		return nil
	}}
}

// BalanceSync reloads the account cache.
func BalanceSync(s Syncer) Job {
	return Func{JobName: "balance-sync", Fn: s.Sync}
}
