package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"harvest/internal/config"
	"harvest/internal/fetch"
	"harvest/internal/health"
	server "harvest/internal/http"
	"harvest/internal/jobs"
	logging "harvest/internal/logger"
	"harvest/internal/migrate"
	"harvest/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	logger := logging.New(cfg.Log)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	defer db.Close()
	st := store.New(db, cfg.Job.ClaimTTL())

	fetcher, err := fetch.NewFromConfig(cfg.Fetcher)
	if err != nil {
		log.Fatalf("build fetcher failed: %v", err)
	}

	// Redis is optional: health publishing and API rate limiting use it
	// when configured.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url failed: %v", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	orch := jobs.New(rootCtx, cfg, st, fetcher, jobs.WithLogger(logger))

	mem := health.NewMemorySink()
	sinks := health.MultiSink{mem, health.MetricsSink{}}
	if rdb != nil {
		ttl := time.Duration(cfg.Health.TTLSeconds) * time.Second
		sinks = append(sinks, health.NewRedisSink(rdb, cfg.Health.RedisKeyPrefix, ttl))
	}
	reporter := health.NewReporter(orch.Current, sinks, cfg.Health.Interval(), logger)
	go reporter.Run(rootCtx)

	go jobs.NewRetentionRunner(cfg, st, logger).Start(rootCtx)

	if cfg.Worker.ResumeOnStart {
		if _, err := orch.ResumeInterrupted(rootCtx); err != nil {
			logger.Error("resume_on_boot_failed", "error", err)
		}
	}

	opts := []server.Option{server.WithDatabase(st), server.WithHealthSink(mem)}
	if rdb != nil {
		opts = append(opts, server.WithRedis(rdb))
	}
	s := server.NewServer(cfg, server.NewController(orch), logger, opts...)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen() }()
	logger.Info("server_started", "host", cfg.Server.Host, "port", cfg.Server.Port)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server_failed", "error", err)
		}
		stop()
	case <-rootCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", "error", err)
	}
	// Runs stop at their next gate and write a final checkpoint.
	orch.Wait()
	logger.Info("shutdown_complete")
}
