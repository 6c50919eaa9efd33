package scheduler

import (
	"testing"
	"time"

	"custodian-service/internal/models"
)

func sysJob(name, cronExpr string, runs int) models.ScheduledJob {
	return models.ScheduledJob{
		ID:            SystemJobID(name),
		Name:          name,
		Schedule:      models.ScheduleSpec{Kind: models.ScheduleCron, Expression: cronExpr},
		Enabled:       true,
		TotalRunCount: runs,
	}
}

// Config wins for the schedule, the store wins for run history.
func TestReconcileMergeKeepsRunStatistics(t *testing.T) {
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	last := now.Add(-time.Hour)

	stored := sysJob("task-x", "*/5 * * * *", 42)
	stored.LastRunAt = &last
	declared := sysJob("task-x", "*/10 * * * *", 0)

	merged, cl := Reconcile([]models.ScheduledJob{declared}, []models.ScheduledJob{stored}, now)
	if len(merged) != 1 {
		t.Fatalf("expected one merged entry, got %d", len(merged))
	}
	got := merged[0]
	if got.Schedule.Expression != "*/10 * * * *" {
		t.Fatalf("config schedule must win, got %q", got.Schedule.Expression)
	}
	if got.TotalRunCount != 42 {
		t.Fatalf("run count must survive reconciliation, got %d", got.TotalRunCount)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(last) {
		t.Fatalf("last run must survive reconciliation, got %v", got.LastRunAt)
	}
	if len(cl.Put) != 1 || len(cl.Delete) != 0 {
		t.Fatalf("expected a single put, got %+v", cl)
	}
}

func TestReconcileInsertsMissingDeclared(t *testing.T) {
	now := time.Now().UTC()
	declared := sysJob("report-sweep", "0 * * * *", 0)

	merged, cl := Reconcile([]models.ScheduledJob{declared}, nil, now)
	if len(merged) != 1 || len(cl.Put) != 1 {
		t.Fatalf("expected insert, merged=%d cl=%+v", len(merged), cl)
	}
	if merged[0].CreatedAt.IsZero() {
		t.Fatalf("insert must stamp created_at")
	}
}

func TestReconcileDeletesOrphanedSystemTasks(t *testing.T) {
	now := time.Now().UTC()
	orphan := sysJob("dropped-task", "0 0 * * *", 7)

	merged, cl := Reconcile(nil, []models.ScheduledJob{orphan}, now)
	if len(merged) != 0 {
		t.Fatalf("orphaned system task must leave the merged table, got %d", len(merged))
	}
	if len(cl.Delete) != 1 || cl.Delete[0] != orphan.ID {
		t.Fatalf("expected delete of %s, got %+v", orphan.ID, cl)
	}
}

func TestReconcileLeavesCustomerJobsAlone(t *testing.T) {
	now := time.Now().UTC()
	customer := models.ScheduledJob{
		ID:           models.ScheduledJobID("acme", "nightly"),
		Name:         "nightly",
		CustomerName: "acme",
		Schedule:     models.ScheduleSpec{Kind: models.ScheduleCron, Expression: "0 2 * * *"},
		Enabled:      true,
	}

	merged, cl := Reconcile(nil, []models.ScheduledJob{customer}, now)
	if len(merged) != 1 || merged[0].ID != customer.ID {
		t.Fatalf("customer schedule must pass through, got %+v", merged)
	}
	if !cl.Empty() {
		t.Fatalf("customer schedule must not generate writes, got %+v", cl)
	}
}

// Two passes with no intervening change must not produce more writes.
func TestReconcileIdempotent(t *testing.T) {
	now := time.Now().UTC()
	declared := []models.ScheduledJob{
		sysJob("task-a", "*/5 * * * *", 0),
		sysJob("task-b", "0 20 * * *", 0),
	}
	stored := []models.ScheduledJob{sysJob("task-a", "*/30 * * * *", 10)}

	merged, first := Reconcile(declared, stored, now)
	if first.Empty() {
		t.Fatalf("first pass should write")
	}
	_, second := Reconcile(declared, merged, now)
	if !second.Empty() {
		t.Fatalf("second pass must be empty, got %+v", second)
	}
}
