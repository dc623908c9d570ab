// Package main is the entry point for the ratify approval server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/ratify/internal/clock"
	"github.com/pitabwire/ratify/internal/config"
	"github.com/pitabwire/ratify/internal/directory"
	"github.com/pitabwire/ratify/internal/escalation"
	"github.com/pitabwire/ratify/internal/idempotency"
	"github.com/pitabwire/ratify/internal/notify"
	"github.com/pitabwire/ratify/internal/observability"
	"github.com/pitabwire/ratify/internal/pgschema"
	"github.com/pitabwire/ratify/internal/threshold"
	"github.com/pitabwire/ratify/internal/transport"
	"github.com/pitabwire/ratify/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// stores groups the persistence backends selected by config.
type stores struct {
	thresholds  threshold.Store
	delegations directory.DelegationStore
	instances   workflow.InstanceStore
	health      observability.HealthChecker
	close       func()
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "ratify", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)
	clk := clock.System{}

	// Step 4: Open persistence.
	st, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.close()

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address(),
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", zap.String("addr", cfg.Redis.Address()), zap.Error(err))
			return 1
		}
	}

	// Step 5: Load the role directory and delegation snapshot.
	dir, err := buildDirectory(cfg.Directory, logger)
	if err != nil {
		logger.Error("directory load failed", zap.Error(err))
		return 1
	}
	resolver := directory.NewResolver(dir, st.delegations, logger)
	if err := resolver.Reload(ctx); err != nil {
		logger.Error("delegation load failed", zap.Error(err))
		return 1
	}
	delegations := directory.NewDelegations(st.delegations, resolver, clk, logger)

	// Step 6: Load thresholds and apply seed files.
	registry := threshold.NewRegistry(st.thresholds, clk, logger)
	if err := registry.Reload(ctx); err != nil {
		logger.Error("threshold load failed", zap.Error(err))
		return 1
	}
	if len(cfg.Thresholds.SeedDirectories) > 0 {
		files, err := threshold.NewLoader().LoadAll(cfg.Thresholds.SeedDirectories)
		if err != nil {
			logger.Error("threshold seed loading failed", zap.Error(err))
			return 1
		}
		if _, err := threshold.Seed(ctx, registry, files, logger); err != nil {
			logger.Error("threshold seeding failed", zap.Error(err))
			return 1
		}
	}
	metrics.SetThresholdsLoaded(registry.Count())
	var thresholdsReady atomic.Bool
	thresholdsReady.Store(true)

	// Step 7: Build the engine and its notification sinks.
	engine := workflow.NewEngine(st.instances, registry, resolver, clk, logger)
	engine.SetMetrics(metrics)
	registry.SetReferenceChecker(engine)

	notifier, err := buildNotifier(cfg.Notify, rdb, metrics, logger)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}
	engine.SetNotifier(notifier)

	var idem idempotency.Store
	if cfg.Idempotency.Enabled {
		switch cfg.Idempotency.Driver {
		case "redis":
			idem = idempotency.NewRedisStore(rdb)
		default:
			idem = idempotency.NewMemoryStore(clk)
		}
	}

	// Step 8: Build HTTP router.
	readiness := observability.ReadinessChecks{
		ThresholdsLoaded: thresholdsReady.Load,
		DirectoryLoaded:  func() bool { return cfg.Directory.File == "" || dir.Roles() > 0 },
		Store:            st.health,
	}
	if rdb != nil {
		readiness.Redis = observability.HealthCheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Engine:      engine,
		Thresholds:  registry,
		Delegations: delegations,
		Idempotency: idem,
		Metrics:     metrics,
		Readiness:   readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	bg, bgCtx := errgroup.WithContext(bgCtx)

	if cfg.Scheduler.Enabled {
		sched := escalation.New(engine, clk, escalation.Config{
			Interval:    cfg.Scheduler.Interval,
			BatchSize:   cfg.Scheduler.BatchSize,
			Concurrency: cfg.Scheduler.Concurrency,
		}, logger)
		sched.SetDelegationExpirer(delegations)
		sched.SetMetrics(metrics)
		bg.Go(func() error { return sched.Run(bgCtx) })
	}
	if cfg.Directory.ReloadInterval > 0 {
		bg.Go(func() error {
			runDirectoryReloader(bgCtx, dir, resolver, registry, cfg.Directory.ReloadInterval, metrics, logger)
			return nil
		})
	}

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Int("thresholds", registry.Count()),
		zap.Int("roles", dir.Roles()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop background tasks before closing the stores they use.
	bgCancel()
	if err := bg.Wait(); err != nil {
		logger.Error("background task error", zap.Error(err))
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStores opens the configured persistence driver and applies the
// schema when migrations are enabled.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory stores; state is lost on restart")
		return stores{
			thresholds:  threshold.NewMemoryStore(),
			delegations: directory.NewMemoryDelegationStore(),
			instances:   workflow.NewMemoryStore(),
			close:       func() {},
		}, nil
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
		if err != nil {
			return stores{}, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return stores{}, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return stores{}, fmt.Errorf("store: ping: %w", err)
		}
		if cfg.Migrate {
			if err := pgschema.Migrate(ctx, pool, logger); err != nil {
				pool.Close()
				return stores{}, err
			}
		}
		return stores{
			thresholds:  threshold.NewPgStore(pool),
			delegations: directory.NewPgDelegationStore(pool),
			instances:   workflow.NewPgStore(pool),
			health:      observability.HealthCheckFunc(pool.Ping),
			close:       pool.Close,
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

func buildDirectory(cfg config.DirectoryConfig, logger *zap.Logger) (*directory.StaticDirectory, error) {
	if cfg.File == "" {
		logger.Warn("no directory file configured; only user: assignments will resolve")
		return directory.NewStaticDirectoryFromMap(nil), nil
	}
	return directory.NewStaticDirectory(cfg.File)
}

// buildNotifier assembles the configured sinks into one fan-out notifier.
func buildNotifier(cfg config.NotifyConfig, rdb redis.Cmdable, metrics *observability.Metrics, logger *zap.Logger) (notify.Notifier, error) {
	var sinks notify.Fanout
	for _, name := range cfg.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, notify.NewLogNotifier(logger))
		case config.SinkRedis:
			sinks = append(sinks, notify.NewRedisStreamNotifier(rdb, cfg.Redis.Stream, cfg.Redis.MaxLen))
		case config.SinkWebhook:
			cb := cfg.Webhook.CircuitBreaker
			breaker := notify.NewBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout, nil)
			breaker.OnChange(func(s notify.BreakerState) {
				metrics.SetSinkCircuitBreakerState(config.SinkWebhook, breakerGauge(s))
				logger.Warn("webhook circuit breaker changed state", zap.String("state", s.String()))
			})
			secret := os.Getenv(cfg.Webhook.SecretEnv)
			client := &http.Client{Timeout: cfg.Webhook.Timeout}
			sinks = append(sinks, notify.NewWebhookNotifier(cfg.Webhook.URL, secret, client, breaker))
		default:
			return nil, fmt.Errorf("unknown notification sink %q", name)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func breakerGauge(s notify.BreakerState) float64 {
	switch s {
	case notify.BreakerHalfOpen:
		return 1
	case notify.BreakerOpen:
		return 2
	default:
		return 0
	}
}

// runDirectoryReloader periodically re-reads the directory file and
// rebuilds the delegation and threshold snapshots, picking up writes made by
// other replicas.
func runDirectoryReloader(
	ctx context.Context,
	dir *directory.StaticDirectory,
	resolver *directory.Resolver,
	registry *threshold.Registry,
	interval time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := "ok"
			if err := dir.Sync(); err != nil {
				status = "error"
				logger.Error("directory reload failed", zap.Error(err))
			}
			if err := resolver.Reload(ctx); err != nil {
				status = "error"
				logger.Error("delegation reload failed", zap.Error(err))
			}
			metrics.RecordDelegationReload(status)

			if err := registry.Reload(ctx); err != nil {
				logger.Error("threshold reload failed", zap.Error(err))
				continue
			}
			metrics.SetThresholdsLoaded(registry.Count())
		}
	}
}
