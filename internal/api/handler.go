package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
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
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	Engine     engine.Service
	Autonomous *autonomous.Service
	Reconciler *reconciliation.Service
	PDT        *pdt.Tracker
	Limits     *limits.Validator
	Deposits   *deposit.Ledger
	Balance    *balance.Manager
	Metrics    *monitor.Metrics
	Bus        *events.Bus
}

// Options configure the middleware stack.
type Options struct {
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
	RequestTimeout time.Duration
	Version        string
}

// Server wires HTTP endpoints around the coordinator services.
type Server struct {
	Router  *gin.Engine
	deps    Deps
	opts    Options
	log     zerolog.Logger
	limiter *ipLimiter
	http    *http.Server
	stop    context.CancelFunc
}

func NewServer(deps Deps, opts Options, log zerolog.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	log = log.With().Str("component", "api").Logger()
	limiter := newIPLimiter(opts.RateLimitRPS, opts.RateLimitBurst)

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                         // Panic recovery (first)
	r.Use(RequestIDMiddleware())                  // Request ID tracking
	r.Use(RequestLogger(log))                     // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(limiter, log))      // Rate limiting
	r.Use(TimeoutMiddleware(opts.RequestTimeout)) // Request timeout
	r.Use(CORSMiddleware(opts.AllowedOrigins))    // CORS (last before routes)

	s := &Server{Router: r, deps: deps, opts: opts, log: log, limiter: limiter}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)

		api.GET("/pdt-status", s.getPDTStatus)
		api.POST("/pdt-status", s.updatePDTStatus)

		api.POST("/broker/refresh", s.refreshBrokers)
		api.GET("/broker/state", s.getBrokerState)
		api.GET("/broker/limits", s.getBrokerLimits)
		api.POST("/broker/limits", s.setBrokerLimit)
		api.DELETE("/broker/limits", s.clearBrokerLimit)

		api.POST("/broker/:id/start", s.startBroker)
		api.POST("/broker/:id/stop", s.stopBroker)
		api.POST("/broker/:id/trades", s.submitTrade)
		api.GET("/broker/:id/trades", s.listTrades)

		api.POST("/admin/broker/:id/reset", s.resetBroker)

		api.GET("/autonomous/decisions", s.getDecisions)
		api.GET("/autonomous/status", s.getAutonomousStatus)

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.opts.JWTSecret))
		{
			protected.POST("/deposits", s.createDeposit)
			protected.GET("/deposits", s.listDeposits)
			protected.POST("/deposits/:id/complete", s.completeDeposit)
			protected.GET("/account", s.getAccount)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	proj := s.deps.Reconciler.Current()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   s.opts.Version,
		"active":    proj.Totals.Active,
		"connected": proj.Totals.Connected,
		"timestamp": time.Now().UTC(),
	})
}

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.sweepLimiters(ctx)
	s.log.Info().Str("addr", addr).Msg("http listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.stop()
	return s.http.Shutdown(ctx)
}

// Cleanup idle limiters periodically
func (s *Server) sweepLimiters(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.sweep(10 * time.Minute); n > 0 {
				s.log.Debug().Int("removed", n).Msg("idle rate limiters dropped")
			}
		}
	}
}
