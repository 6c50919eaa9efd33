package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ScansSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_submitted_total", Help: "Scan jobs accepted for dispatch"})
	ScanRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_rejected_total", Help: "Scan submissions rejected by the dispatch backend"})
	LockConflicts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scan_lock_conflicts_total", Help: "Submissions blocked by a held tenant/region lock"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "scan_rate_limit_rejects_total", Help: "Submissions rejected by the per-customer limiter"})
	ScansSucceeded   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_succeeded_total", Help: "Scan jobs finished successfully"})
	ScansFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_failed_total", Help: "Scan jobs finished with an error"})
	ScheduledFires   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduled_jobs_fired_total", Help: "Scheduled jobs fired by the scheduler"})
	ReconcileWrites  = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_reconcile_writes_total", Help: "Scheduled-job rows written during reconciliation"})
	ReportsRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_retried_total", Help: "Report dispatches re-submitted by the retry sweep"})
	ReportsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_failed_total", Help: "Report retry entries marked failed"})
	ReportsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_duplicate_total", Help: "Report retry entries suppressed as duplicates"})
	RetriesEnabled   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "report_retries_enabled", Help: "1 while the report retry subsystem is enabled"})
	RunningScans     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scans_running", Help: "Scan jobs currently executing"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ScansSubmitted,
			ScanRejects,
			LockConflicts,
			RateLimitRejects,
			ScansSucceeded,
			ScansFailed,
			ScheduledFires,
			ReconcileWrites,
			ReportsRetried,
			ReportsFailed,
			ReportsDuplicate,
			RetriesEnabled,
			RunningScans,
		)
	})
	return promhttp.Handler()
}
