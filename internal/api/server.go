// Package api exposes the HTTP control plane: tenant registration,
// scan submission and lifecycle, scheduled-job management and the
// report-retry switches.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"custodian-service/internal/creds"
	"custodian-service/internal/dispatch"
	"custodian-service/internal/lock"
	"custodian-service/internal/models"
	"custodian-service/internal/ratelimit"
	"custodian-service/internal/reports"
	"custodian-service/internal/retry"
	"custodian-service/internal/scheduler"
	"custodian-service/internal/store"
	"custodian-service/internal/telemetry"
)

// Server wires the HTTP handlers to the platform services.
type Server struct {
	store     *store.Store
	backend   dispatch.Backend
	locks     *lock.JobLock
	limiter   *ratelimit.Limiter
	creds     creds.Resolver
	artifacts reports.ArtifactStore
	engine    scheduler.Engine
	retries   *retry.Coordinator

	lockTTL     time.Duration
	scanTimeout time.Duration
}

// New builds the server. limiter, creds, artifacts, engine and retries
// may be nil when the deployment does not carry that concern; the
// affected endpoints degrade to 503.
func New(st *store.Store, backend dispatch.Backend, locks *lock.JobLock, limiter *ratelimit.Limiter, resolver creds.Resolver, artifacts reports.ArtifactStore, engine scheduler.Engine, retries *retry.Coordinator, lockTTL, scanTimeout time.Duration) *Server {
	return &Server{
		store:       st,
		backend:     backend,
		locks:       locks,
		limiter:     limiter,
		creds:       resolver,
		artifacts:   artifacts,
		engine:      engine,
		retries:     retries,
		lockTTL:     lockTTL,
		scanTimeout: scanTimeout,
	}
}

// Router builds the chi route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/tenants", func(r chi.Router) {
		r.Post("/", s.createTenant)
		r.Get("/", s.listTenants)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.submitJob)
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
		r.Post("/{id}/terminate", s.terminateJob)
		r.Get("/{id}/findings", s.getFindings)
	})

	r.Route("/scheduled-jobs", func(r chi.Router) {
		r.Post("/", s.createScheduledJob)
		r.Get("/", s.listScheduledJobs)
		r.Get("/{id}", s.getScheduledJob)
		r.Put("/{id}", s.updateScheduledJob)
		r.Delete("/{id}", s.deleteScheduledJob)
	})

	r.Route("/reports", func(r chi.Router) {
		r.Post("/", s.dispatchReport)
		r.Get("/", s.listReports)
		r.Get("/pending", s.listPendingReports)
	})

	r.Route("/settings/report-retries", func(r chi.Router) {
		r.Get("/", s.getReportRetries)
		r.Post("/", s.setReportRetries)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Printf("api: encode response: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// --- tenants ---

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var t models.Tenant
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant payload")
		return
	}
	if t.Name == "" || t.CustomerName == "" || t.Cloud == "" {
		writeError(w, http.StatusBadRequest, "name, customer_name and cloud are required")
		return
	}
	switch t.Cloud {
	case models.CloudAWS, models.CloudAzure, models.CloudGCP, models.CloudK8s:
	default:
		writeError(w, http.StatusBadRequest, "unsupported cloud "+t.Cloud)
		return
	}
	if err := s.store.UpsertTenant(r.Context(), t); err != nil {
		log.Printf("api: upsert tenant: %v", err)
		writeError(w, http.StatusInternalServerError, "could not save tenant")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.store.ListTenants(r.Context(), r.URL.Query().Get("customer"))
	if err != nil {
		log.Printf("api: list tenants: %v", err)
		writeError(w, http.StatusInternalServerError, "could not list tenants")
		return
	}
	if tenants == nil {
		tenants = []models.Tenant{}
	}
	writeJSON(w, http.StatusOK, tenants)
}

// --- scan jobs ---

type submitJobRequest struct {
	CustomerName string   `json:"customer_name"`
	TenantName   string   `json:"tenant_name"`
	Regions      []string `json:"regions"`
	Rulesets     []string `json:"rulesets"`
	Type         string   `json:"type"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job payload")
		return
	}
	if req.CustomerName == "" || req.TenantName == "" {
		writeError(w, http.StatusBadRequest, "customer_name and tenant_name are required")
		return
	}
	if req.Type == "" {
		req.Type = models.JobTypeStandard
	}

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, req.CustomerName)
		if err != nil {
			log.Printf("api: rate limit: %v", err)
			writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
			return
		}
		if !ok {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "scan submission rate exceeded")
			return
		}
	}

	tenant, err := s.store.GetTenant(ctx, req.CustomerName, req.TenantName)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown tenant")
		return
	}
	if err != nil {
		log.Printf("api: get tenant: %v", err)
		writeError(w, http.StatusInternalServerError, "could not load tenant")
		return
	}
	if !tenant.Active {
		writeError(w, http.StatusConflict, "tenant is deactivated")
		return
	}
	regions := req.Regions
	if len(regions) == 0 {
		regions = tenant.Regions
	}

	jobID := uuid.NewString()
	holder, err := s.locks.Acquire(ctx, tenant.CustomerName, tenant.Name, jobID, regions, s.lockTTL)
	if err != nil {
		log.Printf("api: acquire lock: %v", err)
		writeError(w, http.StatusInternalServerError, "lock service unavailable")
		return
	}
	if holder != "" {
		telemetry.LockConflicts.Inc()
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":       "a scan already holds these regions",
			"blocking_id": holder,
		})
		return
	}

	env := map[string]string{}
	if s.creds != nil {
		env, err = s.creds.Resolve(tenant)
		if err != nil {
			s.releaseLock(tenant.CustomerName, tenant.Name, jobID)
			log.Printf("api: resolve credentials: %v", err)
			writeError(w, http.StatusUnprocessableEntity, "no usable credentials for tenant")
			return
		}
	}

	sub := s.backend.Submit(ctx, dispatch.SubmitParams{
		JobID:        jobID,
		Name:         "scan-" + tenant.CustomerName + "-" + tenant.Name,
		CustomerName: tenant.CustomerName,
		TenantName:   tenant.Name,
		Regions:      regions,
		Rulesets:     req.Rulesets,
		Env:          env,
		Timeout:      s.scanTimeout,
	})

	job := models.ScanJob{
		ID:           jobID,
		BackendID:    sub.BackendID,
		Type:         req.Type,
		CustomerName: tenant.CustomerName,
		TenantName:   tenant.Name,
		Status:       sub.Status,
		Regions:      regions,
		Rulesets:     req.Rulesets,
		SubmittedAt:  time.Now().UTC(),
	}
	if sub.Reason != "" {
		job.Reason = &sub.Reason
	}
	if err := s.store.CreateScanJob(ctx, job); err != nil {
		log.Printf("api: create scan job: %v", err)
	}

	if sub.Status == models.StatusFailed {
		s.releaseLock(tenant.CustomerName, tenant.Name, jobID)
		telemetry.ScanRejects.Inc()
		writeJSON(w, http.StatusServiceUnavailable, sub)
		return
	}
	telemetry.ScansSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, sub)
}

// releaseLock frees a claim outside the request context so client
// disconnects cannot strand it.
func (s *Server) releaseLock(customer, tenant, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.locks.Release(ctx, customer, tenant, jobID); err != nil {
		log.Printf("api: release lock %s/%s/%s: %v", customer, tenant, jobID, err)
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := s.store.ListScanJobs(r.Context(), q.Get("customer"), q.Get("status"), 0)
	if err != nil {
		log.Printf("api: list jobs: %v", err)
		writeError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}
	if jobs == nil {
		jobs = []models.ScanJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetScanJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		log.Printf("api: get job: %v", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}

	// Refresh live state from the backend for non-terminal jobs.
	if !models.Terminal(job.Status) && job.BackendID != "" {
		if detail, err := s.backend.Describe(r.Context(), job.BackendID); err == nil &&
			models.TransitionAllowed(job.Status, detail.Status) {
			var reason *string
			if detail.Reason != "" {
				reason = &detail.Reason
			}
			if err := s.store.UpdateScanJobStatus(r.Context(), job.ID, detail.Status, reason); err == nil {
				job.Status = detail.Status
				job.Reason = reason
			}
		}
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) terminateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.store.GetScanJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		log.Printf("api: get job: %v", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	if models.Terminal(job.Status) {
		// Terminating a finished job is a no-op.
		writeJSON(w, http.StatusOK, job)
		return
	}

	backendID := job.BackendID
	if backendID == "" {
		backendID = job.ID
	}
	if err := s.backend.Terminate(ctx, backendID, "terminated by user"); err != nil {
		log.Printf("api: terminate %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "could not terminate job")
		return
	}
	reason := "terminated by user"
	if err := s.store.UpdateScanJobStatus(ctx, id, models.StatusTerminated, &reason); err != nil {
		log.Printf("api: mark terminated %s: %v", id, err)
	}
	s.releaseLock(job.CustomerName, job.TenantName, job.ID)

	job, _ = s.store.GetScanJob(ctx, id)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getFindings(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, "findings storage is not configured")
		return
	}
	job, err := s.store.GetScanJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		log.Printf("api: get job: %v", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	findings, err := s.artifacts.GetFindings(r.Context(), job.CustomerName, job.TenantName, job.ID)
	if err != nil {
		log.Printf("api: get findings %s: %v", job.ID, err)
		writeError(w, http.StatusNotFound, "no findings for job")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(findings)
}

// --- scheduled jobs ---

type scheduledJobRequest struct {
	Name         string              `json:"name"`
	CustomerName string              `json:"customer_name"`
	TenantName   string              `json:"tenant_name"`
	Description  string              `json:"description"`
	Schedule     models.ScheduleSpec `json:"schedule"`
	Regions      []string            `json:"regions"`
	Rulesets     []string            `json:"rulesets"`
	Enabled      *bool               `json:"enabled"`
}

func (r scheduledJobRequest) validate() error {
	if r.Name == "" || r.CustomerName == "" {
		return errors.New("name and customer_name are required")
	}
	return r.Schedule.Validate()
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running in this deployment")
		return
	}
	var req scheduledJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid scheduled job payload")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	job := models.ScheduledJob{
		ID:           models.ScheduledJobID(req.CustomerName, req.Name),
		Name:         req.Name,
		CustomerName: req.CustomerName,
		TenantName:   req.TenantName,
		Description:  req.Description,
		Schedule:     req.Schedule,
		Regions:      req.Regions,
		Rulesets:     req.Rulesets,
		Enabled:      enabled,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.engine.Register(r.Context(), job); err != nil {
		log.Printf("api: register scheduled job: %v", err)
		writeError(w, http.StatusInternalServerError, "could not register scheduled job")
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListScheduledJobs(r.Context())
	if err != nil {
		log.Printf("api: list scheduled jobs: %v", err)
		writeError(w, http.StatusInternalServerError, "could not list scheduled jobs")
		return
	}
	if jobs == nil {
		jobs = []models.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetScheduledJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown scheduled job")
		return
	}
	if err != nil {
		log.Printf("api: get scheduled job: %v", err)
		writeError(w, http.StatusInternalServerError, "could not load scheduled job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running in this deployment")
		return
	}
	ctx := r.Context()
	existing, err := s.store.GetScheduledJob(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown scheduled job")
		return
	}
	if err != nil {
		log.Printf("api: get scheduled job: %v", err)
		writeError(w, http.StatusInternalServerError, "could not load scheduled job")
		return
	}

	var req scheduledJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid scheduled job payload")
		return
	}
	if req.Schedule != (models.ScheduleSpec{}) {
		if err := req.Schedule.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		existing.Schedule = req.Schedule
	}
	if req.Description != "" {
		existing.Description = req.Description
	}
	if len(req.Regions) > 0 {
		existing.Regions = req.Regions
	}
	if len(req.Rulesets) > 0 {
		existing.Rulesets = req.Rulesets
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}

	if err := s.engine.Update(ctx, existing); err != nil {
		log.Printf("api: update scheduled job: %v", err)
		writeError(w, http.StatusInternalServerError, "could not update scheduled job")
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running in this deployment")
		return
	}
	if err := s.engine.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		log.Printf("api: deregister scheduled job: %v", err)
		writeError(w, http.StatusInternalServerError, "could not delete scheduled job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- reports ---

type dispatchReportRequest struct {
	CustomerName string         `json:"customer_name"`
	Tenants      []string       `json:"tenants"`
	User         string         `json:"user"`
	Level        string         `json:"level"`
	Types        []string       `json:"types"`
	Event        map[string]any `json:"event"`
}

// dispatchReport sends a report downstream. Failed deliveries land in
// the retry ledger as PENDING and come back with 202.
func (s *Server) dispatchReport(w http.ResponseWriter, r *http.Request) {
	if s.retries == nil {
		writeError(w, http.StatusServiceUnavailable, "report dispatch is not running in this deployment")
		return
	}
	var req dispatchReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid report payload")
		return
	}
	if req.CustomerName == "" || len(req.Event) == 0 {
		writeError(w, http.StatusBadRequest, "customer_name and event are required")
		return
	}
	if req.Level == "" {
		req.Level = models.LevelTenant
	}

	entry, delivered, err := s.retries.Dispatch(r.Context(), models.ReportStatistics{
		CustomerName: req.CustomerName,
		Tenants:      req.Tenants,
		User:         req.User,
		Level:        req.Level,
		Types:        req.Types,
		Event:        req.Event,
	})
	if err != nil {
		log.Printf("api: dispatch report: %v", err)
		writeError(w, http.StatusInternalServerError, "could not record failed dispatch")
		return
	}
	if !delivered {
		writeJSON(w, http.StatusAccepted, entry)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListReports(r.Context(), r.URL.Query().Get("customer"), 0)
	if err != nil {
		log.Printf("api: list reports: %v", err)
		writeError(w, http.StatusInternalServerError, "could not list reports")
		return
	}
	if entries == nil {
		entries = []models.ReportStatistics{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listPendingReports(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListPendingReports(r.Context(), 0)
	if err != nil {
		log.Printf("api: list pending reports: %v", err)
		writeError(w, http.StatusInternalServerError, "could not list pending reports")
		return
	}
	if entries == nil {
		entries = []models.ReportStatistics{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- settings ---

func (s *Server) getReportRetries(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.store.SendReportsEnabled(r.Context())
	if err != nil {
		log.Printf("api: read report retries: %v", err)
		writeError(w, http.StatusInternalServerError, "could not read setting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (s *Server) setReportRetries(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !req.Enabled {
		if err := s.store.SetSendReports(r.Context(), false); err != nil {
			log.Printf("api: disable report retries: %v", err)
			writeError(w, http.StatusInternalServerError, "could not update setting")
			return
		}
		telemetry.RetriesEnabled.Set(0)
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
		return
	}
	if s.retries == nil {
		writeError(w, http.StatusServiceUnavailable, "retry coordinator is not running in this deployment")
		return
	}
	ok, err := s.retries.Enable(r.Context())
	if err != nil {
		log.Printf("api: enable report retries: %v", err)
		writeError(w, http.StatusInternalServerError, "could not update setting")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "no healthy notification transport, retries stay disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}
