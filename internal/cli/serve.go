package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"autotrade-core/internal/api"
	"autotrade-core/internal/health"
	"autotrade-core/internal/monitor"
	"autotrade-core/internal/scheduler"
	"autotrade-core/pkg/logger"
)

var serveNoAutostart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Run the HTTP API, the gRPC health service, the autonomous workers
and the periodic jobs until SIGINT or SIGTERM.

Every broker is started on boot unless --no-autostart is given.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveNoAutostart, "no-autostart", false, "leave brokers inactive until started through the API")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	mon := &monitor.Monitor{
		Bus:   a.bus,
		Sinks: []monitor.AlertSink{monitor.LogSink{Log: logger.Component(log, "alerts")}},
		Log:   log,
	}
	mon.Start(ctx)

	a.reconciler.Start(ctx)
	a.auto.Start(ctx)
	if !serveNoAutostart {
		for _, st := range a.auto.StartAll(ctx) {
			if !st.Connected {
				log.Warn().Str("broker", st.BrokerID).Str("error", st.LastError).Msg("broker started disconnected")
			}
		}
	}

	loc, err := cfg.Market.Location()
	if err != nil {
		return err
	}
	sched := scheduler.New(loc, log)
	jobs := []struct {
		spec string
		job  scheduler.Job
	}{
		{cfg.RefreshSchedule, scheduler.BrokerRefresh(a.engine, log)},
		{cfg.RiskResetSchedule, scheduler.RiskReset(a.risk)},
		{cfg.BalanceSchedule, scheduler.BalanceSync(a.balance)},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.spec, j.job); err != nil {
			return err
		}
	}
	sched.Start()

	hs := health.NewServer(log)
	hs.Follow(ctx, a.bus, a.reconciler.Current())

	srv := api.NewServer(api.Deps{
		Engine:     a.engine,
		Autonomous: a.auto,
		Reconciler: a.reconciler,
		PDT:        a.pdt,
		Limits:     a.limits,
		Deposits:   a.ledger,
		Balance:    a.balance,
		Metrics:    a.metrics,
		Bus:        a.bus,
	}, api.Options{
		JWTSecret:      cfg.JWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		Version:        version,
	}, log)

	errCh := make(chan error, 2)
	go func() {
		if err := hs.Serve(":" + cfg.GRPCPort); err != nil {
			errCh <- fmt.Errorf("grpc health: %w", err)
		}
	}()
	go func() {
		if err := srv.Start(":" + cfg.Port); err != nil {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("server failed")
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("http shutdown")
	}
	hs.Stop()
	sched.Stop()
	a.auto.Stop()
	a.auto.StopAll(shutdownCtx)
	log.Info().Msg("stopped")
	return runErr
}
