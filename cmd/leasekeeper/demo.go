package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pixperk/leasekeeper/pkg/backend"
	"github.com/pixperk/leasekeeper/pkg/config"
	"github.com/pixperk/leasekeeper/pkg/demo"
	"github.com/pixperk/leasekeeper/pkg/lock"
	"github.com/pixperk/leasekeeper/pkg/store"
	"github.com/pixperk/leasekeeper/pkg/store/httpstore"
	"github.com/pixperk/leasekeeper/pkg/store/redisstore"
	"github.com/pixperk/leasekeeper/pkg/store/sqlstore"
	lktime "github.com/pixperk/leasekeeper/pkg/time"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Race contenders for one lock",
	Long: "Start several contenders that compete for the same lock, each holding it for a " +
		"growing stretch of simulated work, until a shared deadline.",
	RunE: runDemo,
}

func init() {
	defaults := demo.DefaultConfig()

	f := demoCmd.Flags()
	f.String("store", "", "store to coordinate through: memory, redis, mysql or http")
	f.String("backend", "", "lock backend: cas or exclusive")
	f.String("lock", defaults.Lock, "lock name")
	f.Int("contenders", defaults.Contenders, "number of contenders")
	f.Duration("hold-step", defaults.HoldStep, "contender i holds the lock for i times this")
	f.Duration("retry-interval", defaults.RetryInterval, "wait between attempts on a busy lock")
	f.Duration("lease", defaults.LeaseDuration, "lease duration")
	f.Duration("deadline", defaults.Deadline, "time contenders may spend acquiring")
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	f := cmd.Flags()
	if f.Changed("store") {
		cfg.Store, _ = f.GetString("store")
	}
	if f.Changed("backend") {
		cfg.Backend, _ = f.GetString("backend")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var dcfg demo.Config
	dcfg.Lock, _ = f.GetString("lock")
	dcfg.Contenders, _ = f.GetInt("contenders")
	dcfg.HoldStep, _ = f.GetDuration("hold-step")
	dcfg.RetryInterval, _ = f.GetDuration("retry-interval")
	dcfg.LeaseDuration, _ = f.GetDuration("lease")
	dcfg.Deadline, _ = f.GetDuration("deadline")

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := lktime.NewClock(cfg.ClockSkew)
	st, closeStore, err := openStore(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var b backend.Backend
	switch cfg.Backend {
	case "exclusive":
		b = backend.NewExclusive(st, clock, logger)
	default:
		b = backend.NewCAS(st, clock, logger)
	}

	coordinator := lock.NewCoordinator(b, lock.WithLogger(logger), lock.WithClock(clock))

	logger.Info("starting demo",
		zap.String("store", cfg.Store),
		zap.String("backend", cfg.Backend),
		zap.String("lock", dcfg.Lock),
		zap.Int("contenders", dcfg.Contenders),
	)

	report, err := demo.Run(ctx, coordinator, dcfg, logger)
	if err != nil {
		return fmt.Errorf("demo: %w", err)
	}

	logger.Info("demo finished",
		zap.Int("completed", report.Completed),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("max_holders", report.MaxHolders),
	)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, clock *lktime.Clock, logger *zap.Logger) (store.LeaseRecordStore, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		return redisstore.New(rdb, redisstore.WithPrefix(cfg.RedisPrefix)), func() { rdb.Close() }, nil

	case config.StoreMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(cfg.MySQLMaxOpen)
		db.SetMaxIdleConns(cfg.MySQLMaxIdle)
		db.SetConnMaxLifetime(cfg.MySQLMaxLife)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connect to mysql: %w", err)
		}
		s := sqlstore.New(db)
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate mysql: %w", err)
		}
		return s, func() { db.Close() }, nil

	case config.StoreHTTP:
		return httpstore.New(cfg.StoreURL, logger), func() {}, nil

	default:
		return store.NewMemory(clock), func() {}, nil
	}
}
