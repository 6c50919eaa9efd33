package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"custodian-service/internal/dispatch"
	"custodian-service/internal/lock"
	"custodian-service/internal/models"
)

type fakeJobStore struct {
	mu       sync.Mutex
	statuses map[string][]string
	reasons  map[string]*string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		statuses: make(map[string][]string),
		reasons:  make(map[string]*string),
	}
}

func (f *fakeJobStore) UpdateScanJobStatus(ctx context.Context, id, to string, reason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = append(f.statuses[id], to)
	f.reasons[id] = reason
	return nil
}

func (f *fakeJobStore) history(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses[id]...)
}

type fakeRunner struct {
	findings []byte
	err      error
	calls    int
}

func (r *fakeRunner) Run(ctx context.Context, task dispatch.Task) ([]byte, error) {
	r.calls++
	return r.findings, r.err
}

type fakeArtifacts struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeArtifacts) PutFindings(ctx context.Context, customer, tenant, jobID string, findings []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := customer + "/" + tenant + "/" + jobID + "/findings.json"
	f.keys = append(f.keys, key)
	return key, nil
}

func (f *fakeArtifacts) GetFindings(ctx context.Context, customer, tenant, jobID string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

type fixture struct {
	queue *dispatch.QueueBackend
	locks *lock.JobLock
	store *fakeJobStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return fixture{
		queue: dispatch.NewQueueBackend(client, "scans:test", "workers"),
		locks: lock.New(client, time.Hour, false),
		store: newFakeJobStore(),
	}
}

func testTask(jobID string) dispatch.Task {
	return dispatch.Task{
		JobID:        jobID,
		Name:         "scan-" + jobID,
		CustomerName: "acme",
		TenantName:   "prod",
		Regions:      []string{"us-east-1"},
	}
}

func TestHandleSuccessUploadsFindingsAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	runner := &fakeRunner{findings: []byte(`{"resources":[]}`)}
	artifacts := &fakeArtifacts{}
	p := New(fx.queue, fx.store, fx.locks, runner, artifacts, "w1", time.Minute)

	task := testTask("job-1")
	if _, err := fx.locks.Acquire(ctx, task.CustomerName, task.TenantName, task.JobID, task.Regions, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.handle(ctx, task)

	if got := fx.store.history("job-1"); len(got) != 2 || got[0] != models.StatusRunning || got[1] != models.StatusSucceeded {
		t.Fatalf("unexpected status history: %v", got)
	}
	if len(artifacts.keys) != 1 {
		t.Fatalf("findings not uploaded: %v", artifacts.keys)
	}
	if _, held, _ := fx.locks.Holder(ctx, task.CustomerName, task.TenantName, task.Regions); held {
		t.Fatalf("lock must be released after the scan")
	}
}

func TestHandleFailureRecordsReason(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	runner := &fakeRunner{err: errors.New("policy engine crashed")}
	p := New(fx.queue, fx.store, fx.locks, runner, nil, "w1", time.Minute)

	p.handle(ctx, testTask("job-2"))

	if got := fx.store.history("job-2"); len(got) != 2 || got[1] != models.StatusFailed {
		t.Fatalf("unexpected status history: %v", got)
	}
	if r := fx.store.reasons["job-2"]; r == nil || *r != "policy engine crashed" {
		t.Fatalf("failure reason not recorded: %v", r)
	}
}

// A cancel marker set before pickup terminates the job without running
// the policy engine.
func TestHandleCancelledBeforePickup(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	runner := &fakeRunner{findings: []byte(`{}`)}
	p := New(fx.queue, fx.store, fx.locks, runner, nil, "w1", time.Minute)

	task := testTask("job-3")
	if err := fx.queue.Terminate(ctx, task.JobID, "user requested"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	p.handle(ctx, task)

	if runner.calls != 0 {
		t.Fatalf("cancelled task must not run")
	}
	if got := fx.store.history("job-3"); len(got) != 1 || got[0] != models.StatusTerminated {
		t.Fatalf("unexpected status history: %v", got)
	}
}

func TestRunConsumesSubmittedTask(t *testing.T) {
	fx := newFixture(t)
	runner := &fakeRunner{findings: []byte(`{}`)}
	p := New(fx.queue, fx.store, fx.locks, runner, nil, "w1", time.Minute)

	sub := fx.queue.Submit(context.Background(), dispatch.SubmitParams{
		Name:         "scan-acme-prod",
		CustomerName: "acme",
		TenantName:   "prod",
		Regions:      []string{"us-east-1"},
	})
	if sub.Status != models.StatusSubmitted {
		t.Fatalf("submit rejected: %+v", sub)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.Run(ctx)

	if got := fx.store.history(sub.JobID); len(got) != 2 || got[1] != models.StatusSucceeded {
		t.Fatalf("queued task not processed: %v", got)
	}
}
