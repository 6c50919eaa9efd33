package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"custodian-service/internal/creds"
	"custodian-service/internal/dispatch"
	"custodian-service/internal/lock"
	"custodian-service/internal/models"
	"custodian-service/internal/telemetry"
)

// JobStore is the persistence a scan dispatcher needs.
type JobStore interface {
	GetTenant(ctx context.Context, customer, name string) (models.Tenant, error)
	CreateScanJob(ctx context.Context, job models.ScanJob) error
}

// NewScanDispatcher builds the Dispatcher both engines fire: it turns a
// due scheduled job into a scan submission, going through the same
// lock, credential and backend path as an API submission. A held lock
// skips this run; the schedule fires again next time.
func NewScanDispatcher(jobs JobStore, backend dispatch.Backend, locks *lock.JobLock, resolver creds.Resolver, lockTTL, timeout time.Duration) Dispatcher {
	return func(ctx context.Context, sj models.ScheduledJob) error {
		if sj.TenantName == "" {
			return fmt.Errorf("scheduled job %s has no tenant", sj.ID)
		}
		tenant, err := jobs.GetTenant(ctx, sj.CustomerName, sj.TenantName)
		if err != nil {
			return fmt.Errorf("load tenant for %s: %w", sj.ID, err)
		}
		if !tenant.Active {
			return fmt.Errorf("tenant %s/%s is deactivated", sj.CustomerName, sj.TenantName)
		}
		regions := sj.Regions
		if len(regions) == 0 {
			regions = tenant.Regions
		}

		jobID := uuid.NewString()
		holder, err := locks.Acquire(ctx, tenant.CustomerName, tenant.Name, jobID, regions, lockTTL)
		if err != nil {
			return fmt.Errorf("acquire lock for %s: %w", sj.ID, err)
		}
		if holder != "" {
			telemetry.LockConflicts.Inc()
			return fmt.Errorf("regions held by job %s, skipping this run of %s", holder, sj.ID)
		}

		env := map[string]string{}
		if resolver != nil {
			env, err = resolver.Resolve(tenant)
			if err != nil {
				releaseLock(locks, tenant.CustomerName, tenant.Name, jobID)
				return fmt.Errorf("resolve credentials for %s: %w", sj.ID, err)
			}
		}

		sub := backend.Submit(ctx, dispatch.SubmitParams{
			JobID:        jobID,
			Name:         "scheduled-" + sj.CustomerName + "-" + sj.Name,
			CustomerName: sj.CustomerName,
			TenantName:   tenant.Name,
			Regions:      regions,
			Rulesets:     sj.Rulesets,
			Env:          env,
			Timeout:      timeout,
		})

		ref := sj.ID
		job := models.ScanJob{
			ID:               jobID,
			BackendID:        sub.BackendID,
			Type:             models.JobTypeScheduled,
			CustomerName:     sj.CustomerName,
			TenantName:       tenant.Name,
			Status:           sub.Status,
			Regions:          regions,
			Rulesets:         sj.Rulesets,
			ScheduledRuleRef: &ref,
			SubmittedAt:      time.Now().UTC(),
		}
		if sub.Reason != "" {
			job.Reason = &sub.Reason
		}
		if err := jobs.CreateScanJob(ctx, job); err != nil {
			return fmt.Errorf("record scan job for %s: %w", sj.ID, err)
		}
		if sub.Status == models.StatusFailed {
			releaseLock(locks, tenant.CustomerName, tenant.Name, jobID)
			telemetry.ScanRejects.Inc()
			return fmt.Errorf("backend rejected %s: %s", sj.ID, sub.Reason)
		}
		telemetry.ScansSubmitted.Inc()
		return nil
	}
}

func releaseLock(locks *lock.JobLock, customer, tenant, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = locks.Release(ctx, customer, tenant, jobID)
}
