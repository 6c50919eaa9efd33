package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"custodian-service/internal/config"
	"custodian-service/internal/creds"
	"custodian-service/internal/dispatch"
	"custodian-service/internal/leader"
	"custodian-service/internal/lock"
	"custodian-service/internal/scheduler"
	"custodian-service/internal/store"
	"custodian-service/internal/telemetry"
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

	var resolver creds.Resolver
	if cfg.CredentialsFile != "" {
		resolver = creds.NewFileResolver(cfg.CredentialsFile)
	}
	dispatcher := scheduler.NewScanDispatcher(st, backend, locks, resolver, cfg.LockTTL, cfg.ScanTimeout)

	go serveMetrics(cfg.MetricsAddr)

	var engine scheduler.Engine
	if cfg.SchedulerEngine == config.EngineStandalone {
		engine = scheduler.NewStandalone(st, dispatcher, cfg.DefaultTimezone)
	} else {
		hostname, _ := os.Hostname()
		elector := leader.New(rdb, cfg.LeaderKey,
			fmt.Sprintf("%s-%d", hostname, os.Getpid()), cfg.LeaderTTL)
		go elector.Run(ctx)
		engine = scheduler.NewDistributed(st, dispatcher, elector, nil,
			cfg.SchedulerTick, cfg.DefaultTimezone)
	}

	log.Printf("scheduler running with %s engine", cfg.SchedulerEngine)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("scheduler: %v", err)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server: %v", err)
	}
}
