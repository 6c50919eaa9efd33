// Package worker consumes queued scan tasks, executes policy checks and
// reports results back into the job store.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"custodian-service/internal/dispatch"
	"custodian-service/internal/lock"
	"custodian-service/internal/models"
	"custodian-service/internal/reports"
	"custodian-service/internal/telemetry"
)

// PolicyRunner executes the policy checks for one task and returns the
// findings document.
type PolicyRunner interface {
	Run(ctx context.Context, task dispatch.Task) ([]byte, error)
}

// JobStore is the slice of persistence the processor needs.
type JobStore interface {
	UpdateScanJobStatus(ctx context.Context, id, to string, reason *string) error
}

// Processor drains the scan stream.
type Processor struct {
	queue     *dispatch.QueueBackend
	store     JobStore
	locks     *lock.JobLock
	runner    PolicyRunner
	artifacts reports.ArtifactStore
	consumer  string
	timeout   time.Duration
}

// New builds a processor. artifacts may be nil when no findings bucket
// is configured.
func New(queue *dispatch.QueueBackend, store JobStore, locks *lock.JobLock, runner PolicyRunner, artifacts reports.ArtifactStore, consumer string, timeout time.Duration) *Processor {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Processor{
		queue:     queue,
		store:     store,
		locks:     locks,
		runner:    runner,
		artifacts: artifacts,
		consumer:  consumer,
		timeout:   timeout,
	}
}

// Run consumes tasks until the context ends.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	log.Printf("worker %s consuming scan stream", p.consumer)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		tasks, err := p.queue.Next(ctx, p.consumer, 10, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("worker: read stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, task := range tasks {
			p.handle(ctx, task)
		}
	}
}

func (p *Processor) handle(ctx context.Context, task dispatch.Task) {
	defer func() {
		if err := p.queue.Ack(ctx, task.MessageID); err != nil {
			log.Printf("worker: ack %s: %v", task.MessageID, err)
		}
	}()
	defer p.release(task)

	cancelled, reason, err := p.queue.Cancelled(ctx, task.JobID)
	if err != nil {
		log.Printf("worker: cancel check %s: %v", task.JobID, err)
	}
	if cancelled {
		p.finish(ctx, task.JobID, models.StatusTerminated, &reason)
		return
	}

	if err := p.store.UpdateScanJobStatus(ctx, task.JobID, models.StatusRunning, nil); err != nil {
		// Termination can race the pickup; the job record wins.
		log.Printf("worker: job %s not runnable: %v", task.JobID, err)
		return
	}
	telemetry.RunningScans.Inc()
	defer telemetry.RunningScans.Dec()

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	findings, err := p.runner.Run(runCtx, task)
	if err != nil {
		msg := err.Error()
		p.finish(ctx, task.JobID, models.StatusFailed, &msg)
		telemetry.ScansFailed.Inc()
		return
	}

	if p.artifacts != nil && len(findings) > 0 {
		key, err := p.artifacts.PutFindings(ctx, task.CustomerName, task.TenantName, task.JobID, findings)
		if err != nil {
			msg := fmt.Sprintf("upload findings: %v", err)
			p.finish(ctx, task.JobID, models.StatusFailed, &msg)
			telemetry.ScansFailed.Inc()
			return
		}
		log.Printf("worker: job %s findings at %s", task.JobID, key)
	}
	p.finish(ctx, task.JobID, models.StatusSucceeded, nil)
	telemetry.ScansSucceeded.Inc()
}

func (p *Processor) finish(ctx context.Context, jobID, status string, reason *string) {
	if err := p.store.UpdateScanJobStatus(ctx, jobID, status, reason); err != nil {
		log.Printf("worker: mark %s %s: %v", jobID, status, err)
	}
}

// release frees the tenant/region lock regardless of outcome. Uses a
// fresh context so shutdown cannot strand a lock for its full TTL.
func (p *Processor) release(task dispatch.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.locks.Release(ctx, task.CustomerName, task.TenantName, task.JobID); err != nil {
		log.Printf("worker: release lock %s/%s/%s: %v", task.CustomerName, task.TenantName, task.JobID, err)
	}
}
