package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outreachly/campd/internal/config"
	"github.com/outreachly/campd/internal/db"
	"github.com/outreachly/campd/internal/dispatch"
	"github.com/outreachly/campd/internal/events"
	httpSrv "github.com/outreachly/campd/internal/http"
	"github.com/outreachly/campd/internal/logger"
	"github.com/outreachly/campd/internal/mailer"
	"github.com/outreachly/campd/internal/repository"
	"github.com/outreachly/campd/internal/retry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch service (HTTP API + campaign runner)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger.Init(cfg.Log.Level)
		defer logger.Sync()
		log := logger.L()

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
			DSN:             cfg.ClickHouse.DSN,
			MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
			PingTimeout:     cfg.ClickHouse.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		var sink events.Sink = events.NopSink{}
		if len(cfg.Kafka.Brokers) > 0 {
			sink = events.NewKafkaSink(events.Config{
				Brokers:      cfg.Kafka.Brokers,
				Topic:        cfg.Kafka.RunEventsTopic,
				BatchTimeout: time.Duration(cfg.Kafka.BatchTimeoutMs) * time.Millisecond,
			})
		}
		defer func() { _ = sink.Close() }()

		policy := retry.NewPolicy(cfg.Retry.Base, cfg.Retry.Cap, cfg.Retry.MaxAttempts)
		if cfg.Retry.JitterFrac > 0 {
			policy.WithJitter(cfg.Retry.JitterFrac, cfg.Retry.JitterSeed)
		}

		mgr := dispatch.NewManager(dispatch.Deps{
			Campaigns: repository.NewCampaignsRepository(mysqlDB),
			Contacts:  repository.NewContactsRepository(mysqlDB),
			Ledger:    repository.NewDispatchLedger(mysqlDB),
			Mailer: mailer.NewHTTPMailer(mailer.Config{
				BaseURL:    cfg.Provider.BaseURL,
				SendPath:   cfg.Provider.SendPath,
				TimeoutMs:  cfg.Provider.TimeoutMs,
				BucketRPS:  cfg.Provider.BucketRPS,
				BucketSize: cfg.Provider.BucketSize,
			}, mailer.Credential{
				Token: cfg.Provider.Token,
				From:  cfg.Provider.From,
			}),
			Policy: policy,
			Events: sink,
			Log:    log,
		}, dispatch.Config{
			Workers:      cfg.Dispatch.WorkerCount,
			BatchSize:    cfg.Dispatch.BatchSize,
			PollInterval: cfg.Dispatch.PollInterval,
		})

		server := httpSrv.NewServer(cfg, mgr, chDB, redisClient)

		errCh := make(chan error, 1)
		go func() {
			log.Info("starting http", zap.String("addr", cfg.HTTP.Addr))
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// pause active runs first so in-flight sends resolve against the
		// ledger before connections close
		if err := mgr.Shutdown(ctx); err != nil {
			log.Warn("dispatch shutdown incomplete", zap.Error(err))
		}
		_ = server.Shutdown(ctx)

		return nil
	},
}
