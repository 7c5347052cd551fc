package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"github.com/warp/token-engine/api"
	"github.com/warp/token-engine/config"
	"github.com/warp/token-engine/discount"
	"github.com/warp/token-engine/events"
	"github.com/warp/token-engine/factory"
	"github.com/warp/token-engine/ledger"
	"github.com/warp/token-engine/lock"
	"github.com/warp/token-engine/logging"
	"github.com/warp/token-engine/metrics"
	"github.com/warp/token-engine/pricing"
	"github.com/warp/token-engine/store/gormstore"
	"github.com/warp/token-engine/store/memory"
	"github.com/warp/token-engine/store/sqlite"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 30 * time.Second
	redisLockBackoff = 50 * time.Millisecond
)

// app holds everything a command needs. Close releases it in reverse order.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	store   api.Store
	metrics *metrics.Metrics
	engine  *pricing.Engine
	admin   *discount.Admin
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("driver") {
		cfg.Store.Driver = c.String("driver")
	}
	if c.IsSet("db") {
		cfg.Store.DSN = c.String("db")
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("catalog") {
		cfg.Server.Catalog = c.String("catalog")
	}
	return cfg, cfg.Validate()
}

func openStore(cfg config.Store, logger *zap.Logger) (api.Store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "sqlite":
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "mysql":
		s, err := gormstore.OpenMySQL(cfg.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func connectRedis(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// newApp wires the store, coordination and pricing components from cfg.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger := logging.New(cfg.Log)
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewDefault()}

	store, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	var (
		locker    lock.Locker      = lock.NewLocal(cfg.Pricing.LockWait)
		publisher events.Publisher = events.Logger{L: logger}
	)
	if cfg.Redis.Enabled {
		client, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		locker = lock.NewRedis(client,
			lock.WithTTL(cfg.Pricing.LockWait+10*time.Second),
			lock.WithRetry(redisLockBackoff, int(cfg.Pricing.LockWait/redisLockBackoff)))
		publisher = events.Multi{publisher, events.NewRedis(client, cfg.Redis.Channel)}
		logger.Info("redis enabled", zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
	}

	l := ledger.New(store,
		ledger.WithLogger(logger),
		ledger.WithObserver(func(m ledger.Movement) {
			a.metrics.Movement(string(m.Type), string(m.Status), m.Amount)
		}),
	)
	node, err := snowflake.NewNode(int64(cfg.Pricing.NodeID))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("purchase reference node: %w", err)
	}
	a.engine, err = pricing.New(l, store,
		pricing.WithLogger(logger),
		pricing.WithNode(node),
		pricing.WithPriceFloor(cfg.Pricing.PriceFloor),
		pricing.WithLocker(locker),
		pricing.WithPublisher(publisher),
		pricing.WithMetrics(a.metrics),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("pricing engine: %w", err)
	}
	a.admin = discount.NewAdmin(store, store,
		discount.WithAdminLogger(logger),
		discount.WithLocker(locker),
	)
	return a, nil
}

func (a *app) reconciler() *ledger.Reconciler {
	return ledger.NewReconciler(a.store, a.cfg.Reconcile.Workers, a.logger)
}

func (a *app) seedCatalog(ctx context.Context) error {
	if a.cfg.Server.Catalog == "" {
		return nil
	}
	catalog, err := factory.NewDiscountFactory().WithCreatedBy("catalog").LoadCatalog(a.cfg.Server.Catalog)
	if err != nil {
		return err
	}
	report, err := catalog.Seed(ctx, a.admin)
	if err != nil {
		return err
	}
	a.logger.Info("catalog seeded",
		zap.String("path", a.cfg.Server.Catalog),
		zap.Int("codes_created", report.CodesCreated),
		zap.Int("codes_skipped", report.CodesSkipped),
		zap.Int("schedules_created", report.SchedulesCreated),
		zap.Int("schedules_skipped", report.SchedulesSkipped),
	)
	return nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	a, err := newApp(c.Context, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.seedCatalog(c.Context); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}

	h := api.NewHandler(a.store, a.engine, a.admin, a.logger)
	h.Metrics = a.metrics
	h.Reconciliation.Reconciler = a.reconciler()
	h.Reconciliation.Metrics = a.metrics
	h.Reconciliation.CheckInterval = cfg.Reconcile.Interval
	h.Reconciliation.Enabled = cfg.Reconcile.Enabled
	h.Reconciliation.Start()
	defer h.Reconciliation.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(h, cfg.Server.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return run(c.Context, srv, a.logger)
}

// run serves until the listener fails or a termination signal arrives,
// then drains active requests.
func run(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	eg, groupCtx := errgroup.WithContext(ctx)

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
	defer signal.Stop(c)

	eg.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		select {
		case sig := <-c:
			logger.Info("shutting down", zap.String("signal", sig.String()))
		case <-groupCtx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func reconcile(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	a, err := newApp(c.Context, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.reconciler().Run(c.Context)
	if err != nil {
		return err
	}
	if err := a.store.SaveReconcileReport(c.Context, report); err != nil {
		a.logger.Warn("save reconcile report", zap.Error(err))
	}
	for _, d := range report.Drifts {
		a.logger.Warn("balance drift",
			zap.String("account_id", string(d.AccountID)),
			zap.Int64("stored_available", d.Stored.TotalAvailable),
			zap.Int64("replayed_available", d.Replayed.TotalAvailable),
		)
	}
	a.logger.Info("reconcile finished", zap.Int("accounts", report.Accounts), zap.Int("drifted", len(report.Drifts)))
	if !report.Clean() {
		return cli.Exit(fmt.Sprintf("%d accounts drifted", len(report.Drifts)), 2)
	}
	return nil
}

func migrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log)
	defer func() { _ = logger.Sync() }()

	_, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	logger.Info("schema up to date", zap.String("driver", cfg.Store.Driver))
	return closeStore()
}
