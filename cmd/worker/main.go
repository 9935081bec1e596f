// Package main is the entry point for the fluency-sync worker.
//
// The worker owns three surfaces:
//   - queue delivery: drains the persisted gameplay-event queue into the
//     learning-analytics API with bounded retries;
//   - verification API: serves per-learner progression state derived from
//     fresh assessment history;
//   - enrollment sync: background reconciliation of rostering enrollments
//     after a grade change.
//
// All share one token source and shut down together on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fluencyhub/fluency-sync/config"
	"github.com/fluencyhub/fluency-sync/internal/application/delivery"
	"github.com/fluencyhub/fluency-sync/internal/application/enrollsync"
	"github.com/fluencyhub/fluency-sync/internal/application/query"
	"github.com/fluencyhub/fluency-sync/internal/domain/progression"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/external/analytics"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/external/identity"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/external/roster"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/observability"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/persistence/postgres"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/persistence/redis"
	httpiface "github.com/fluencyhub/fluency-sync/internal/interface/http"
	"github.com/fluencyhub/fluency-sync/pkg/circuitbreaker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "worker",
		Short: "fluency-sync worker",
		Long:  "Forwards gameplay-completion events to the learning-analytics API and keeps rostering enrollments aligned with derived grades.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting fluency-sync worker",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"debug", cfg.App.Debug,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. METRICS
	// ─────────────────────────────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. EVENT-QUEUE STORE (PostgreSQL)
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to event-queue store")
	dbConn, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		log.Info("closing database connection")
		dbConn.Close()
	}()

	if err := dbConn.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	log.Info("event-queue store connection established")

	queueRepo := postgres.NewEventQueueRepository(dbConn, log)
	listener := postgres.NewQueueListener(dbConn, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. OVERRIDE STORE (Redis, optional)
	// ─────────────────────────────────────────────────────────────────────────
	var overrides *redis.OverrideStore
	if !cfg.Redis.Disabled {
		log.Info("connecting to override store")
		redisCfg := redis.DefaultConfig()
		redisCfg.URL = cfg.Redis.URL
		redisCfg.Host = cfg.Redis.Host
		redisCfg.Port = cfg.Redis.Port
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		overrides, err = redis.NewOverrideStore(ctx, redisCfg)
		if err != nil {
			log.Warn("override store unavailable, verification runs without overrides", "error", err)
		} else {
			defer overrides.Close()
			log.Info("override store connection established")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. SHARED TOKEN SOURCE
	// ─────────────────────────────────────────────────────────────────────────
	tokens := identity.NewTokenSource(identity.Config{
		TokenURL:     cfg.Identity.TokenURL,
		ClientID:     cfg.Identity.ClientID,
		ClientSecret: cfg.Identity.ClientSecret,
		Timeout:      cfg.Identity.RequestTimeout,
		Logger:       log,
		OnRefresh:    func() { metrics.TokenRefreshes.Inc() },
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 7. EXTERNAL CLIENTS
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("initializing external clients")

	rosterCfg := roster.DefaultClientConfig(cfg.Roster.BaseURL)
	rosterCfg.RequestTimeout = cfg.Roster.RequestTimeout
	rosterCfg.PageSize = cfg.Roster.PageSize
	rosterCfg.RateLimiterConfig = roster.RateLimiterConfig{
		RequestsPerSecond: cfg.Roster.RateLimit,
		BurstSize:         cfg.Roster.RateLimitBurst,
	}
	rosterCfg.BreakerConfig = breakerConfig("roster", cfg.Roster.CircuitBreakerThreshold, cfg.Roster.CircuitBreakerCooldown, log)
	rosterCfg.Logger = log
	rosterCfg.Metrics = metrics
	rosterClient := roster.NewClient(rosterCfg, tokens)

	analyticsCfg := analytics.DefaultClientConfig(cfg.Analytics.BaseURL, cfg.Analytics.SensorID)
	analyticsCfg.RequestTimeout = cfg.Analytics.RequestTimeout
	analyticsCfg.BreakerConfig = breakerConfig("analytics", cfg.Analytics.CircuitBreakerThreshold, cfg.Analytics.CircuitBreakerCooldown, log)
	analyticsCfg.Logger = log
	analyticsClient := analytics.NewClient(analyticsCfg, tokens)

	// ─────────────────────────────────────────────────────────────────────────
	// 8. DELIVERY ENGINE
	// ─────────────────────────────────────────────────────────────────────────
	processor := delivery.NewProcessor(delivery.Config{
		PollInterval: cfg.Delivery.PollInterval,
		BatchSize:    cfg.Delivery.BatchSize,
		Logger:       log,
		Metrics:      metrics,
	}, queueRepo, analyticsClient)

	// ─────────────────────────────────────────────────────────────────────────
	// 9. ENROLLMENT SYNC AGENT
	// ─────────────────────────────────────────────────────────────────────────
	var agent *enrollsync.Agent
	if cfg.EnrollSync.Enabled {
		agent = enrollsync.NewAgent(enrollsync.Config{
			QueueSize:         cfg.EnrollSync.QueueSize,
			TransitionTimeout: cfg.EnrollSync.TransitionTimeout,
			Logger:            log,
			Metrics:           metrics,
		}, rosterClient)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 10. VERIFICATION API
	// ─────────────────────────────────────────────────────────────────────────
	var overrideSource query.OverrideSource
	if overrides != nil {
		overrideSource = overrides
	}
	var scheduler query.TransitionScheduler
	if agent != nil {
		scheduler = agent
	}
	progressionHandler := query.NewGetProgressionHandler(
		rosterClient, overrideSource, scheduler, progression.DefaultTables(), log)

	var apiServer *httpiface.Server
	if cfg.HTTP.Enabled {
		apiCfg := httpiface.DefaultConfig()
		apiCfg.Host = cfg.HTTP.Host
		apiCfg.Port = cfg.HTTP.Port
		apiServer = httpiface.NewServer(apiCfg, httpiface.Dependencies{
			GetProgression: progressionHandler,
			Overrides:      overrides,
			Ping:           dbConn.Ping,
			Logger:         log,
		})
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 11. RUN
	// ─────────────────────────────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		processor.Run(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Both a live notification and a fresh subscription wake the
		// same dispatch loop; the resubscribe wake doubles as the
		// backlog sweep after any connection gap.
		listener.Run(runCtx, func(postgres.WakeReason) {
			processor.Wake()
		})
	}()

	if agent != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agent.Run(runCtx)
		}()
	}

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(); err != nil {
				log.Error("verification API failed", "error", err)
			}
		}()
	}

	var metricsSrv *http.Server
	if cfg.Observability.MetricsEnabled {
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("metrics endpoint listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	log.Info("fluency-sync worker is running",
		"poll_interval", cfg.Delivery.PollInterval.String(),
		"enrollment_sync", cfg.EnrollSync.Enabled,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 11. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	<-ctx.Done()
	log.Info("received shutdown signal", "timeout", cfg.App.ShutdownTimeout.String())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()
	if apiServer != nil {
		_ = apiServer.Shutdown(shutdownCtx)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("shutdown completed successfully")
	case <-time.After(cfg.App.ShutdownTimeout):
		log.Warn("shutdown timeout elapsed, exiting with work in flight")
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger configures structured logging: JSON in production for log
// aggregators, text in development for readability.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "json" || cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}

// breakerConfig builds a circuit breaker config that logs every state
// transition.
func breakerConfig(name string, threshold int, cooldown time.Duration, log *slog.Logger) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(name)
	if threshold > 0 {
		cfg.FailureThreshold = threshold
	}
	if cooldown > 0 {
		cfg.Cooldown = cooldown
	}
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		log.Warn("circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	}
	return cfg
}
