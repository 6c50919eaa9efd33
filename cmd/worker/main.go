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
	"custodian-service/internal/dispatch"
	"custodian-service/internal/lock"
	"custodian-service/internal/reports"
	"custodian-service/internal/store"
	"custodian-service/internal/telemetry"
	"custodian-service/internal/worker"
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	queue := dispatch.NewQueueBackend(rdb, cfg.ScanStream, dispatch.DefaultGroup)
	locks := lock.New(rdb, cfg.LockTTL, cfg.LockDisabled)
	runner := worker.NewExecRunner(cfg.ScanCommand)

	var artifacts reports.ArtifactStore
	if cfg.FindingsBucket != "" {
		artifacts, err = reports.NewS3Store(ctx, cfg.AWSRegion, cfg.FindingsBucket)
		if err != nil {
			log.Fatalf("findings store: %v", err)
		}
	}

	go serveMetrics(cfg.MetricsAddr)

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	p := worker.New(queue, st, locks, runner, artifacts, consumer, cfg.ScanTimeout)
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker: %v", err)
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
