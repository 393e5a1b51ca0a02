package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contact-center/internal/agents"
	"contact-center/internal/audit"
	"contact-center/internal/auth"
	"contact-center/internal/calls"
	"contact-center/internal/campaigns"
	"contact-center/internal/config"
	"contact-center/internal/dialer"
	"contact-center/internal/dispositions"
	"contact-center/internal/events"
	"contact-center/internal/httpapi"
	"contact-center/internal/pacing"
	"contact-center/internal/reporting"
	"contact-center/internal/routing"
	"contact-center/internal/telephony"
	"contact-center/internal/timers"
	"contact-center/pkg/logger"
	"contact-center/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
	})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	bus := events.NewBus(log, cfg.Dialer.EventBuffer)
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := events.NewKafkaSink(log, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			log.Error("kafka init failed", "err", err)
			os.Exit(1)
		}
		defer sink.Close()
		sink.Attach(bus)
	}

	auditSvc := audit.NewService(audit.NewPostgresRepo(db), log)
	auditSvc.Attach(bus)

	// Stores
	recordStore := campaigns.NewPostgresRepo(db)
	callStore := calls.NewPostgresRepo(db)

	sched := timers.NewScheduler(nil)
	defer sched.Stop()

	agentMgr := agents.NewManager(agents.NewRedisRepo(rdb), recordStore, bus, log)
	callMgr := calls.NewManager(callStore, recordStore, agentMgr, sched, bus, log, calls.Config{
		RingTimeout:  cfg.Dialer.RingTimeout,
		RetryBackoff: cfg.Dialer.RetryBackoff,
	})
	campaignSvc := campaigns.NewService(recordStore, callMgr, campaigns.Defaults{
		DefaultPriority: cfg.Dialer.DefaultPriority,
		RetryBackoff:    cfg.Dialer.RetryBackoff,
	})
	agentMgr.SetCapacityResolver(campaignSvc)

	stats := reporting.NewService(callStore, reporting.Window{Duration: cfg.Dialer.StatsWindow, MaxCalls: cfg.Dialer.StatsMaxCalls})
	pacingSvc := pacing.NewService(pacing.NewCalculator(pacing.Tunables(cfg.Dialer.Pacing)), recordStore, agentMgr, callMgr, recordStore, stats, log)
	agentMgr.Monitor().WithRatioSource(pacingSvc)

	selector := campaigns.NewSelector(recordStore, agentMgr, bus, log)
	selector.ClaimRetries = cfg.Dialer.ClaimRetries

	overrides := routing.NewOverrideEngine(routing.NewRedisOverrideStore(rdb), routing.AuditAdapter{Audit: auditSvc})
	catalog := dispositions.DefaultCatalog()

	phone := newPhone(cfg)
	if err := phone.HealthCheck(rootCtx); err != nil {
		log.Warn("telephony provider unhealthy", "provider", phone.Name(), "err", err)
	}

	svc := dialer.New(dialer.Deps{
		Agents:   agentMgr,
		Selector: selector,
		Records:  recordStore,
		Calls:    callMgr,
		Dispositions: dispositions.NewService(catalog, callStore, recordStore, bus, log, dispositions.Config{
			CallbackPriority: cfg.Dialer.CallbackPriority,
		}),
		Pacing: pacingSvc,
		Router: routing.NewEngine(agentMgr, overrides, cfg.Dialer.AgentURITemplate, log),
		Phone:  phone,
	}, dialer.Config{RingTimeout: cfg.Dialer.RingTimeout, CallerID: cfg.Dialer.CallerID}, log)

	runner := pacing.NewRunner(pacingSvc, recordStore, selector, svc, pacing.NewRedisLease(rdb), bus, log, cfg.Dialer.PacingInterval).
		WithClaimSweeper(recordStore, cfg.Dialer.ClaimTTL)
	runner.Attach(bus)

	r := newRouter(log, authManager, httpapi.Handlers{
		Dialer:    svc,
		Campaigns: campaignSvc,
		Overrides: overrides,
		Reporting: stats,
		Catalog:   catalog,
		Audit:     auditSvc,
	}, telephony.TwilioWebhookHandler{
		Events:    svc,
		AuthToken: cfg.Twilio.AuthToken,
		PublicURL: cfg.Twilio.PublicURL,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		if err := bus.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "provider", phone.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("api stopped with error", "err", err)
	}
}

func newPhone(cfg config.Config) telephony.Dialer {
	if cfg.Dialer.Provider == "twilio" {
		return telephony.NewTwilioDialer(telephony.TwilioConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			FromNumber: cfg.Twilio.FromNumber,
			PublicURL:  cfg.Twilio.PublicURL,
		})
	}
	return telephony.NewSIPDialer()
}
