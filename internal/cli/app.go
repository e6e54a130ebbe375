package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autotrade-core/internal/autonomous"
	"autotrade-core/internal/balance"
	"autotrade-core/internal/deposit"
	"autotrade-core/internal/engine"
	"autotrade-core/internal/events"
	"autotrade-core/internal/limits"
	"autotrade-core/internal/monitor"
	"autotrade-core/internal/pdt"
	"autotrade-core/internal/reconciliation"
	"autotrade-core/internal/registry"
	"autotrade-core/internal/risk"
	"autotrade-core/pkg/brokers"
	"autotrade-core/pkg/brokers/alpaca"
	"autotrade-core/pkg/brokers/paper"
	"autotrade-core/pkg/calendar"
	"autotrade-core/pkg/config"
	"autotrade-core/pkg/db"
	"autotrade-core/pkg/logger"
)

// app is the fully wired coordinator.
type app struct {
	cfg *config.Config
	log zerolog.Logger
	db  *db.Database
	bus *events.Bus

	calendar   calendar.Calendar
	registry   *registry.Registry
	balance    *balance.Manager
	ledger     *deposit.Ledger
	pdt        *pdt.Tracker
	limits     *limits.Validator
	engine     *engine.Impl
	risk       *risk.Manager
	metrics    *monitor.Metrics
	auto       *autonomous.Service
	reconciler *reconciliation.Service
}

func newLogger(cfg *config.Config) zerolog.Logger {
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)
	return log
}

// openDB opens the configured database and applies the schema.
func openDB(cfg *config.Config) (*db.Database, error) {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

func alpacaOptions(cfg *config.Config) alpaca.Options {
	return alpaca.Options{APIKey: cfg.AlpacaAPIKey, APISecret: cfg.AlpacaAPISecret, BaseURL: cfg.AlpacaBaseURL}
}

func hasAlpacaKeys(cfg *config.Config) bool {
	return cfg.AlpacaAPIKey != "" && cfg.AlpacaAPISecret != ""
}

// newCalendar prefers the Alpaca session calendar when credentials exist.
func newCalendar(cfg *config.Config, log zerolog.Logger) (calendar.Calendar, error) {
	loc, err := cfg.Market.Location()
	if err != nil {
		return nil, err
	}
	nyse := calendar.NewNYSE(loc)
	if !hasAlpacaKeys(cfg) {
		return nyse, nil
	}
	cal := alpaca.NewCalendar(alpacaOptions(cfg), nyse, logger.Component(log, "calendar"))
	year := time.Now().In(loc).Year()
	cal.Preload(year, year+1)
	return cal, nil
}

// buildAdapters creates one throttled adapter per registry entry. Alpaca
// entries fall back to the paper simulator without credentials.
func buildAdapters(cfg *config.Config, reg *registry.Registry, log zerolog.Logger) *brokers.Set {
	set := brokers.NewSet()
	for _, b := range reg.List() {
		var a brokers.Adapter
		switch {
		case strings.EqualFold(b.Adapter, "alpaca") && hasAlpacaKeys(cfg):
			a = alpaca.New(b.ID, alpacaOptions(cfg), log)
		default:
			if strings.EqualFold(b.Adapter, "alpaca") {
				log.Warn().Str("broker", b.ID).Msg("alpaca credentials missing; using paper adapter")
			}
			a = paper.New(b.ID, paper.Config{
				InitialCash: b.MaxPortfolioValue,
				SlippageBps: cfg.PaperSlippageBps,
			}, log)
		}
		set.Register(brokers.Throttle(a, cfg.OrderRatePerSec, cfg.OrderBurst))
	}
	return set
}

// buildApp wires every component and restores persisted state.
func buildApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	database, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: database, bus: events.NewBus()}
	if err := a.wire(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.log
	q := a.db.Queries()

	reg, err := registry.FromConfig(cfg.Brokers)
	if err != nil {
		return fmt.Errorf("broker registry: %w", err)
	}
	a.registry = reg

	if a.calendar, err = newCalendar(cfg, log); err != nil {
		return err
	}

	a.balance = balance.NewManager(q, cfg.AccountUserID, log)
	a.ledger = deposit.NewLedger(a.db, deposit.Config{
		Min:       cfg.Deposit.Min,
		MaxSingle: cfg.Deposit.MaxSingle,
		MaxTotal:  cfg.Deposit.MaxTotal,
	}, a.balance, a.bus, log)
	if err := a.ledger.OpenAccount(ctx, cfg.AccountUserID); err != nil {
		return fmt.Errorf("open owner account: %w", err)
	}
	if err := a.balance.Sync(ctx); err != nil {
		return err
	}

	a.pdt = pdt.NewTracker(pdt.Config{
		Threshold:         cfg.PDT.Threshold,
		DayTradeLimit:     cfg.PDT.DayTradeLimit,
		ProtectionEnabled: cfg.PDT.ProtectionEnabled,
	}, a.calendar, log, pdt.WithStore(q))
	if err := a.pdt.Load(ctx); err != nil {
		return err
	}
	a.pdt.SetEquity(a.balance.Equity())

	a.limits = limits.NewValidator(reg, q, log)
	if err := a.limits.Load(ctx); err != nil {
		return err
	}

	a.engine, err = engine.NewImpl(engine.Config{
		Registry: reg,
		Adapters: buildAdapters(cfg, reg, log),
		Limits:   a.limits,
		PDT:      a.pdt,
		Funds:    a.balance,
		Calendar: a.calendar,
		Bus:      a.bus,
		Journal:  q,
		Log:      log,
	})
	if err != nil {
		return err
	}

	riskCfg := risk.DefaultConfig()
	riskCfg.MaxDailyLoss = cfg.Risk.MaxDailyLoss
	a.risk = risk.NewManager(riskCfg, a.bus, log)
	a.metrics = monitor.NewMetrics()

	a.auto = autonomous.New(autonomous.Config{
		Engine:    a.engine,
		Registry:  reg,
		Risk:      a.risk,
		Metrics:   a.metrics,
		Realized:  a.balance,
		Journal:   q,
		Bus:       a.bus,
		Log:       log,
		QueueSize: cfg.ProposalQueueSize,
	})
	if err := a.auto.Load(ctx); err != nil {
		return err
	}

	a.reconciler = reconciliation.NewService(a.engine, a.bus, log)
	return nil
}

func (a *app) Close() error {
	return a.db.Close()
}
