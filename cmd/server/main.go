package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/billing-engine/internal/billing"
	"github.com/PortNumber53/billing-engine/internal/config"
	"github.com/PortNumber53/billing-engine/internal/entitlement"
	"github.com/PortNumber53/billing-engine/internal/gateway"
	"github.com/PortNumber53/billing-engine/internal/httpserver"
	"github.com/PortNumber53/billing-engine/internal/logging"
	"github.com/PortNumber53/billing-engine/internal/metrics"
	"github.com/PortNumber53/billing-engine/internal/migrations"
	"github.com/PortNumber53/billing-engine/internal/scheduler"
	"github.com/PortNumber53/billing-engine/internal/store"
)

const (
	taskBilling = "billing"
	taskSweep   = "sweep"
)

func main() {
	runOnce := flag.String("run-once", "", "run a single task (billing or sweep) through the scheduler guard and exit")
	flag.Parse()

	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	gw, err := newGateway(cfg)
	if err != nil {
		logger.Fatalf("failed to configure payment gateway: %v", err)
	}
	logger.WithField("gateway", gw.Name()).Info("payment gateway configured")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logDBTarget(logger, "primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatalf("failed to ping database: %v", err)
	}

	if err := runMigrationsWithDirtyFix(db, logger, "primary"); err != nil {
		logger.Fatalf("failed to apply database migrations: %v", err)
	}

	st, err := store.New(db)
	if err != nil {
		logger.Fatalf("failed to create store: %v", err)
	}

	m := metrics.New()
	members := entitlement.NewSynchronizer(st, logger)

	orchCfg := billing.DefaultConfig()
	orchCfg.BatchSize = cfg.BatchSize
	orchCfg.CallInterval = cfg.CallInterval
	orchCfg.TestInterval = cfg.TestInterval
	orchestrator := billing.NewOrchestrator(orchCfg, billing.Deps{
		Subscriptions: st,
		Keys:          st,
		Audit:         st,
		Users:         st,
		Entitlements:  members,
		Gateway:       gw,
		Logger:        logger,
		Metrics:       m,
	})
	sweeper := entitlement.NewSweeper(st, logger, m)
	subscriptions := billing.NewService(st, gw, members, logger,
		billing.WithTestInterval(cfg.TestInterval),
		billing.WithCharger(orchestrator),
	)

	locker, closeRedis, err := newLocker(cfg, logger)
	if err != nil {
		logger.Fatalf("failed to connect to redis: %v", err)
	}
	defer closeRedis()

	sched := scheduler.New(scheduler.DefaultConfig(), logger, locker)
	sched.SetInstrumentation(schedulerInstrumentation(m))

	billingSchedule, sweepSchedule := cfg.BillingSchedule, cfg.SweepSchedule
	if *runOnce != "" {
		billingSchedule, sweepSchedule = "", ""
	}
	if err := sched.Register(scheduler.Task{
		Name:     taskBilling,
		Schedule: billingSchedule,
		Run:      func(ctx context.Context) (any, error) { return orchestrator.Run(ctx) },
	}); err != nil {
		logger.Fatalf("failed to register billing task: %v", err)
	}
	if err := sched.Register(scheduler.Task{
		Name:     taskSweep,
		Schedule: sweepSchedule,
		Run:      func(ctx context.Context) (any, error) { return sweeper.Run(ctx) },
	}); err != nil {
		logger.Fatalf("failed to register sweep task: %v", err)
	}

	if *runOnce != "" {
		os.Exit(runTaskOnce(sched, logger, *runOnce))
	}

	srv := httpserver.New(cfg, httpserver.Deps{
		Logger:        logger,
		Metrics:       m,
		DB:            st,
		Subscriptions: subscriptions,
		Users:         st,
		Scheduler:     sched,
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	logger.Infof("billing engine starting on %s", cfg.ServerAddress)
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

func newGateway(cfg config.Config) (gateway.Client, error) {
	switch cfg.GatewayProvider {
	case config.ProviderInicis:
		return gateway.NewInicis(cfg.Inicis)
	case config.ProviderIamport:
		return gateway.NewIamport(cfg.Iamport)
	case config.ProviderMock:
		return gateway.NewMock(), nil
	}
	return nil, fmt.Errorf("unknown gateway provider %q", cfg.GatewayProvider)
}

func newLocker(cfg config.Config, logger logrus.FieldLogger) (scheduler.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("REDIS_URL not set; scheduler runs are guarded within this process only")
		return nil, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	logger.WithField("redis", opts.Addr).Info("scheduler runs are guarded by a redis lock")
	return scheduler.NewRedisLocker(client, ""), func() { _ = client.Close() }, nil
}

func schedulerInstrumentation(m *metrics.Metrics) *scheduler.Instrumentation {
	return &scheduler.Instrumentation{
		OnComplete: func(task string, d time.Duration) { m.TaskRun(task, "completed", d) },
		OnFail:     func(task string, _ error, d time.Duration) { m.TaskRun(task, "failed", d) },
		OnSkip:     func(task string) { m.TaskRun(task, "skipped", 0) },
	}
}

func runTaskOnce(sched *scheduler.Scheduler, logger logrus.FieldLogger, task string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := sched.Trigger(ctx, task)
	if stopErr := sched.Stop(context.Background()); stopErr != nil {
		logger.WithError(stopErr).Warn("scheduler shutdown error")
	}

	if out, merr := json.MarshalIndent(result, "", "  "); merr == nil && result != nil {
		fmt.Println(string(out))
	}
	if err != nil {
		logger.WithError(err).WithField("task", task).Error("run failed")
		return 1
	}
	return 0
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, logger logrus.FieldLogger, name string) error {
	log := logger.WithField("db", name)
	if err := migrations.Up(db, logger); err != nil {
		log.WithError(err).Warn("migration error detected")
		if strings.Contains(err.Error(), "Dirty database version") {
			log.Warn("dirty database detected, attempting to fix")
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				log.WithError(fixErr).Error("failed to fix dirty database")
				return err
			}
			return migrations.Up(db, logger)
		}
		return err
	}
	return nil
}

func logDBTarget(logger logrus.FieldLogger, name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		logger.Infof("db(%s): configured (dsn parse error: %v)", name, err)
		return
	}
	logger.Infof("db(%s): host=%s db=%s", name, u.Hostname(), strings.TrimPrefix(u.Path, "/"))
}
