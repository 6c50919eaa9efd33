package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"custodian-service/internal/models"
	"custodian-service/internal/telemetry"
)

// Store is the durable schedule table the engines run against.
type Store interface {
	ListScheduledJobs(ctx context.Context) ([]models.ScheduledJob, error)
	UpsertScheduledJob(ctx context.Context, job models.ScheduledJob) error
	DeleteScheduledJob(ctx context.Context, id string) error
	BatchWriteScheduledJobs(ctx context.Context, put []models.ScheduledJob, del []string) error
}

// Dispatcher submits the scan a fired schedule declares.
type Dispatcher func(ctx context.Context, job models.ScheduledJob) error

// Leader gates firing in multi-instance deployments.
type Leader interface {
	IsLeader() bool
}

// Engine is the scheduling contract shared by both implementations.
type Engine interface {
	Register(ctx context.Context, job models.ScheduledJob) error
	Deregister(ctx context.Context, id string) error
	Update(ctx context.Context, job models.ScheduledJob) error
	Run(ctx context.Context) error
}

type liveEntry struct {
	job     models.ScheduledJob
	nextRun time.Time
}

// Distributed is the shared-table engine. Every tick it fires due
// entries, writes back only the entries it fired (bounding the write
// set so concurrent instances do not clobber each other), and
// reconciles config-declared system tasks against the store.
type Distributed struct {
	store    Store
	dispatch Dispatcher
	leader   Leader
	declared []models.ScheduledJob
	tick     time.Duration
	timezone string
	now      func() time.Time

	mu   sync.Mutex
	live map[string]*liveEntry
}

// NewDistributed builds the distributed engine. declared lists the
// config-defined recurring tasks this deployment ships with.
func NewDistributed(store Store, dispatch Dispatcher, leader Leader, declared []models.ScheduledJob, tick time.Duration, timezone string) *Distributed {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Distributed{
		store:    store,
		dispatch: dispatch,
		leader:   leader,
		declared: declared,
		tick:     tick,
		timezone: timezone,
		now:      time.Now,
		live:     make(map[string]*liveEntry),
	}
}

// Register writes the job through to the store and admits it to the
// live firing table when enabled.
func (d *Distributed) Register(ctx context.Context, job models.ScheduledJob) error {
	if err := d.store.UpsertScheduledJob(ctx, job); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.admitLocked(job)
	return nil
}

// Deregister removes the durable row and the live entry.
func (d *Distributed) Deregister(ctx context.Context, id string) error {
	if err := d.store.DeleteScheduledJob(ctx, id); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.live, id)
	d.mu.Unlock()
	return nil
}

// Update writes through to the store first, then mutates the live
// table. A job this instance has not picked up yet is only worth a
// warning; the next sync admits it.
func (d *Distributed) Update(ctx context.Context, job models.ScheduledJob) error {
	if err := d.store.UpsertScheduledJob(ctx, job); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[job.ID]; !ok && job.Enabled {
		log.Printf("scheduler: job %s not in live table yet, will admit on next sync", job.ID)
	}
	d.admitLocked(job)
	return nil
}

// Run drives the tick loop until the context is cancelled.
func (d *Distributed) Run(ctx context.Context) error {
	if err := d.sync(ctx, nil); err != nil {
		return err
	}
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if d.leader != nil && !d.leader.IsLeader() {
			continue
		}
		fired := d.fireDue(ctx)
		if err := d.sync(ctx, fired); err != nil {
			log.Printf("scheduler: sync failed: %v", err)
		}
	}
}

// fireDue dispatches every enabled live entry whose next run has
// passed and returns copies of the entries it fired.
func (d *Distributed) fireDue(ctx context.Context) []models.ScheduledJob {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().UTC()
	var fired []models.ScheduledJob
	for _, e := range d.live {
		if !e.job.Enabled || e.nextRun.After(now) {
			continue
		}
		if err := d.dispatch(ctx, e.job); err != nil {
			log.Printf("scheduler: dispatch %s failed: %v", e.job.ID, err)
		}
		telemetry.ScheduledFires.Inc()
		at := now
		e.job.LastRunAt = &at
		e.job.TotalRunCount++
		next, err := Next(e.job.Schedule, now, d.timezone)
		if err != nil {
			log.Printf("scheduler: job %s has an unusable schedule, disabling live entry: %v", e.job.ID, err)
			e.job.Enabled = false
		} else {
			e.nextRun = next
		}
		fired = append(fired, e.job)
	}
	return fired
}

// sync writes back fired entries, reconciles the declared tasks
// against the store and rebuilds the live table from the merged view.
func (d *Distributed) sync(ctx context.Context, fired []models.ScheduledJob) error {
	if len(fired) > 0 {
		if err := d.store.BatchWriteScheduledJobs(ctx, fired, nil); err != nil {
			return err
		}
		telemetry.ReconcileWrites.Add(float64(len(fired)))
	}

	stored, err := d.store.ListScheduledJobs(ctx)
	if err != nil {
		return err
	}
	merged, cl := Reconcile(d.declared, stored, d.now().UTC())
	if !cl.Empty() {
		if err := d.store.BatchWriteScheduledJobs(ctx, cl.Put, cl.Delete); err != nil {
			return err
		}
		telemetry.ReconcileWrites.Add(float64(len(cl.Put) + len(cl.Delete)))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.live
	d.live = make(map[string]*liveEntry, len(merged))
	for _, job := range merged {
		if !job.Enabled {
			continue
		}
		if prev, ok := old[job.ID]; ok && prev.job.Schedule == job.Schedule {
			// Keep the in-flight next-run time; recomputing from "now"
			// every tick would push cron entries forever into the future.
			d.live[job.ID] = &liveEntry{job: job, nextRun: prev.nextRun}
			continue
		}
		d.admitLocked(job)
	}
	return nil
}

// admitLocked (re)computes the live entry for a job. Caller holds mu.
func (d *Distributed) admitLocked(job models.ScheduledJob) {
	if !job.Enabled {
		delete(d.live, job.ID)
		return
	}
	from := d.now().UTC()
	if job.Schedule.Kind == models.ScheduleInterval && job.LastRunAt != nil {
		from = *job.LastRunAt
	}
	next, err := Next(job.Schedule, from, d.timezone)
	if err != nil {
		log.Printf("scheduler: skipping job %s with undecodable schedule: %v", job.ID, err)
		delete(d.live, job.ID)
		return
	}
	if next.Before(d.now().UTC()) {
		next = d.now().UTC()
	}
	d.live[job.ID] = &liveEntry{job: job, nextRun: next}
}
