package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"custodian-service/internal/api"
	"custodian-service/internal/config"
	"custodian-service/internal/creds"
	"custodian-service/internal/dispatch"
	"custodian-service/internal/lock"
	"custodian-service/internal/notify"
	"custodian-service/internal/ratelimit"
	"custodian-service/internal/reports"
	"custodian-service/internal/retry"
	"custodian-service/internal/scheduler"
	"custodian-service/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	backend, err := dispatch.FromConfig(ctx, cfg, rdb)
	if err != nil {
		log.Fatalf("dispatch backend: %v", err)
	}
	locks := lock.New(rdb, cfg.LockTTL, cfg.LockDisabled)
	limiter := ratelimit.New(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill)

	var resolver creds.Resolver
	if cfg.CredentialsFile != "" {
		resolver = creds.NewFileResolver(cfg.CredentialsFile)
	}

	var artifacts reports.ArtifactStore
	if cfg.FindingsBucket != "" {
		artifacts, err = reports.NewS3Store(ctx, cfg.AWSRegion, cfg.FindingsBucket)
		if err != nil {
			log.Fatalf("findings store: %v", err)
		}
	}

	transport := notify.NewHTTPTransport(cfg.NotifyEndpoints)
	coordinator := retry.New(st, transport, cfg.ReportRetryInterval,
		cfg.ReportMaxAttempts, cfg.SweepSafetyMargin, cfg.ReportPageSize)

	// The engine here only maintains the durable schedule table; the
	// scheduler service owns the firing loop.
	dispatcher := scheduler.NewScanDispatcher(st, backend, locks, resolver, cfg.LockTTL, cfg.ScanTimeout)
	var engine scheduler.Engine
	if cfg.SchedulerEngine == config.EngineStandalone {
		engine = scheduler.NewStandalone(st, dispatcher, cfg.DefaultTimezone)
	} else {
		engine = scheduler.NewDistributed(st, dispatcher, nil, nil, cfg.SchedulerTick, cfg.DefaultTimezone)
	}

	srv := api.New(st, backend, locks, limiter, resolver, artifacts, engine,
		coordinator, cfg.LockTTL, cfg.ScanTimeout)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: srv.Router(),
	}
	go func() {
		log.Printf("api listening on :%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
