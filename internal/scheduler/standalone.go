package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"custodian-service/internal/models"
	"custodian-service/internal/telemetry"
)

// Standalone is the in-process engine for single-instance deployments.
// The durable store stays the source of truth; the live cron table is
// rebuilt from it at startup. Disabling a job removes its live entry
// while the durable row stays put.
type Standalone struct {
	store    Store
	dispatch Dispatcher
	timezone string
	cron     *cron.Cron
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cron.EntryID
	jobs    map[string]models.ScheduledJob
}

// NewStandalone builds the engine around a fresh cron runner.
func NewStandalone(store Store, dispatch Dispatcher, timezone string) *Standalone {
	return &Standalone{
		store:    store,
		dispatch: dispatch,
		timezone: timezone,
		cron:     cron.New(),
		now:      time.Now,
		entries:  make(map[string]cron.EntryID),
		jobs:     make(map[string]models.ScheduledJob),
	}
}

// Register writes the job to the store and schedules it live.
func (s *Standalone) Register(ctx context.Context, job models.ScheduledJob) error {
	if err := s.store.UpsertScheduledJob(ctx, job); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked(job)
}

// Deregister removes both the durable row and the live entry.
func (s *Standalone) Deregister(ctx context.Context, id string) error {
	if err := s.store.DeleteScheduledJob(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	return nil
}

// Update persists first, then mutates the live table. A missing live
// entry is logged, not surfaced: another instance may own it, and the
// durable record already carries the change.
func (s *Standalone) Update(ctx context.Context, job models.ScheduledJob) error {
	if err := s.store.UpsertScheduledJob(ctx, job); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.ID]; !ok && job.Enabled {
		log.Printf("scheduler: job %s not found in live engine, scheduling fresh", job.ID)
	}
	s.removeLocked(job.ID)
	if !job.Enabled {
		return nil
	}
	return s.scheduleLocked(job)
}

// Run loads the durable table, starts the cron runner and blocks until
// the context is cancelled.
func (s *Standalone) Run(ctx context.Context) error {
	stored, err := s.store.ListScheduledJobs(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, job := range stored {
		if err := s.scheduleLocked(job); err != nil {
			log.Printf("scheduler: skipping job %s: %v", job.ID, err)
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()
	stop := s.cron.Stop()
	<-stop.Done()
	return ctx.Err()
}

// fire dispatches one live job and persists its updated run
// statistics, keeping the durable row consistent with what the
// distributed engine would write.
func (s *Standalone) fire(id string) {
	ctx := context.Background()

	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.dispatch(ctx, job); err != nil {
		log.Printf("scheduler: dispatch %s failed: %v", id, err)
	}
	telemetry.ScheduledFires.Inc()

	at := s.now().UTC()
	job.LastRunAt = &at
	job.TotalRunCount++
	s.mu.Lock()
	if _, ok := s.jobs[id]; ok {
		s.jobs[id] = job
	}
	s.mu.Unlock()
	if err := s.store.UpsertScheduledJob(ctx, job); err != nil {
		log.Printf("scheduler: persist run statistics for %s: %v", id, err)
	}
}

// scheduleLocked adds an enabled job to the live table. Caller holds mu.
func (s *Standalone) scheduleLocked(job models.ScheduledJob) error {
	if !job.Enabled {
		return nil
	}
	sched, err := CronSchedule(job.Schedule, s.timezone)
	if err != nil {
		return err
	}
	id := job.ID
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fire(id)
	}))
	s.entries[job.ID] = entryID
	s.jobs[job.ID] = job
	return nil
}

// removeLocked drops the live entry if present. Caller holds mu.
func (s *Standalone) removeLocked(id string) {
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	delete(s.jobs, id)
}
