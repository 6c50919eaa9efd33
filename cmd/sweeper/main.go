package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"custodian-service/internal/config"
	"custodian-service/internal/notify"
	"custodian-service/internal/retry"
	"custodian-service/internal/store"
	"custodian-service/internal/telemetry"
)

const sweepEvery = time.Minute

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

	transport := notify.NewHTTPTransport(cfg.NotifyEndpoints)
	coordinator := retry.New(st, transport, cfg.ReportRetryInterval,
		cfg.ReportMaxAttempts, cfg.SweepSafetyMargin, cfg.ReportPageSize)

	go serveMetrics(cfg.MetricsAddr)

	log.Printf("sweeper running every %s", sweepEvery)
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sweepCtx, cancel := context.WithTimeout(ctx, sweepEvery)
		if err := coordinator.Sweep(sweepCtx); err != nil {
			log.Printf("sweep: %v", err)
		}
		cancel()
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
