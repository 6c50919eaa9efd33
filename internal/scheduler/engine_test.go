package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"custodian-service/internal/models"
)

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]models.ScheduledJob
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]models.ScheduledJob)}
}

func (f *fakeStore) ListScheduledJobs(ctx context.Context) ([]models.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ScheduledJob, 0, len(f.rows))
	for _, j := range f.rows {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeStore) UpsertScheduledJob(ctx context.Context, job models.ScheduledJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[job.ID] = job
	return nil
}

func (f *fakeStore) DeleteScheduledJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeStore) BatchWriteScheduledJobs(ctx context.Context, put []models.ScheduledJob, del []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range put {
		f.rows[j.ID] = j
	}
	for _, id := range del {
		delete(f.rows, id)
	}
	return nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	fired []string
}

func (r *recordingDispatcher) dispatch(ctx context.Context, job models.ScheduledJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, job.ID)
	return nil
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func newTestEngine(st Store, disp Dispatcher, at time.Time) *Distributed {
	e := NewDistributed(st, disp, nil, nil, time.Second, "UTC")
	e.now = func() time.Time { return at }
	return e
}

// A disabled schedule must not fire even when due.
func TestDisabledJobDoesNotFire(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	disp := &recordingDispatcher{}

	job := models.ScheduledJob{
		ID:       models.ScheduledJobID("acme", "evening"),
		Name:     "evening",
		Schedule: models.ScheduleSpec{Kind: models.ScheduleCron, Expression: "0 20 * * *"},
		Enabled:  false,
	}
	_ = st.UpsertScheduledJob(ctx, job)

	at := time.Date(2025, 4, 1, 20, 0, 0, 0, time.UTC)
	e := newTestEngine(st, disp.dispatch, at)
	if err := e.sync(ctx, nil); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if fired := e.fireDue(ctx); len(fired) != 0 {
		t.Fatalf("disabled job fired: %+v", fired)
	}
	if disp.count() != 0 {
		t.Fatalf("dispatch was called for a disabled job")
	}
}

func TestDueJobFiresAndUpdatesStatistics(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	disp := &recordingDispatcher{}

	job := models.ScheduledJob{
		ID:            models.ScheduledJobID("acme", "hourly"),
		Name:          "hourly",
		Schedule:      models.ScheduleSpec{Kind: models.ScheduleInterval, Seconds: 3600},
		Enabled:       true,
		TotalRunCount: 3,
	}
	_ = st.UpsertScheduledJob(ctx, job)

	start := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	e := newTestEngine(st, disp.dispatch, start)
	if err := e.sync(ctx, nil); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Advance past the next run and tick.
	later := start.Add(2 * time.Hour)
	e.now = func() time.Time { return later }
	fired := e.fireDue(ctx)
	if len(fired) != 1 {
		t.Fatalf("expected one firing, got %d", len(fired))
	}
	if fired[0].TotalRunCount != 4 {
		t.Fatalf("run count not incremented: %d", fired[0].TotalRunCount)
	}
	if fired[0].LastRunAt == nil || !fired[0].LastRunAt.Equal(later) {
		t.Fatalf("last run not stamped: %v", fired[0].LastRunAt)
	}

	// The write-back is bounded to what actually fired.
	if err := e.sync(ctx, fired); err != nil {
		t.Fatalf("sync: %v", err)
	}
	rows, _ := st.ListScheduledJobs(ctx)
	if len(rows) != 1 || rows[0].TotalRunCount != 4 {
		t.Fatalf("fired statistics not persisted: %+v", rows)
	}

	// Nothing is due immediately after firing.
	if again := e.fireDue(ctx); len(again) != 0 {
		t.Fatalf("job fired twice without becoming due: %+v", again)
	}
}

func TestUpdateDisableRemovesLiveEntry(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	disp := &recordingDispatcher{}

	job := models.ScheduledJob{
		ID:       models.ScheduledJobID("acme", "nightly"),
		Name:     "nightly",
		Schedule: models.ScheduleSpec{Kind: models.ScheduleInterval, Seconds: 60},
		Enabled:  true,
	}
	at := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	e := newTestEngine(st, disp.dispatch, at)
	if err := e.Register(ctx, job); err != nil {
		t.Fatalf("register: %v", err)
	}

	job.Enabled = false
	if err := e.Update(ctx, job); err != nil {
		t.Fatalf("update: %v", err)
	}

	e.now = func() time.Time { return at.Add(time.Hour) }
	if fired := e.fireDue(ctx); len(fired) != 0 {
		t.Fatalf("disabled job fired after update: %+v", fired)
	}
	// Durable row survives the disable.
	rows, _ := st.ListScheduledJobs(ctx)
	if len(rows) != 1 || rows[0].Enabled {
		t.Fatalf("durable row should remain, disabled: %+v", rows)
	}
}

func TestSyncAdmitsDeclaredSystemTask(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	disp := &recordingDispatcher{}

	declared := models.ScheduledJob{
		ID:       SystemJobID("report-sweep"),
		Name:     "report-sweep",
		Schedule: models.ScheduleSpec{Kind: models.ScheduleInterval, Seconds: 300},
		Enabled:  true,
	}
	at := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	e := NewDistributed(st, disp.dispatch, nil, []models.ScheduledJob{declared}, time.Second, "UTC")
	e.now = func() time.Time { return at }

	if err := e.sync(ctx, nil); err != nil {
		t.Fatalf("sync: %v", err)
	}
	rows, _ := st.ListScheduledJobs(ctx)
	if len(rows) != 1 || rows[0].ID != declared.ID {
		t.Fatalf("declared task not inserted: %+v", rows)
	}

	e.now = func() time.Time { return at.Add(10 * time.Minute) }
	if fired := e.fireDue(ctx); len(fired) != 1 {
		t.Fatalf("declared task did not fire: %+v", fired)
	}
}
