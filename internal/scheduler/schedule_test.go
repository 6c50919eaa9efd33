package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"custodian-service/internal/models"
)

func TestNextCron(t *testing.T) {
	spec := models.ScheduleSpec{Kind: models.ScheduleCron, Expression: "*/5 * * * *"}
	from := time.Date(2025, 1, 1, 0, 2, 0, 0, time.UTC)
	next, err := Next(spec, from, "UTC")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("want %v got %v", want, next)
	}
}

func TestNextInterval(t *testing.T) {
	spec := models.ScheduleSpec{Kind: models.ScheduleInterval, Seconds: 900}
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := Next(spec, from, "")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := from.Add(15 * time.Minute); !next.Equal(want) {
		t.Fatalf("want %v got %v", want, next)
	}
}

func TestNextRejectsBadSpec(t *testing.T) {
	if _, err := Next(models.ScheduleSpec{Kind: models.ScheduleCron, Expression: "not a cron"}, time.Now(), "UTC"); err == nil {
		t.Fatalf("expected error for bad cron expression")
	}
	if _, err := Next(models.ScheduleSpec{Kind: "pickle"}, time.Now(), "UTC"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := Next(models.ScheduleSpec{Kind: models.ScheduleCron, Expression: "0 20 * * *"}, time.Now(), "Mars/Olympus"); err == nil {
		t.Fatalf("expected error for bad timezone")
	}
}

// A descriptor serialized through the store must reproduce the same
// firing cadence after deserialization.
func TestSpecSerializationRoundTrip(t *testing.T) {
	spec := models.ScheduleSpec{Kind: models.ScheduleCron, Expression: "0 20 * * *"}
	raw, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back models.ScheduleSpec
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ref := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	a, err := Next(spec, ref, "UTC")
	if err != nil {
		t.Fatalf("next original: %v", err)
	}
	b, err := Next(back, ref, "UTC")
	if err != nil {
		t.Fatalf("next roundtripped: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("cadence changed through serialization: %v vs %v", a, b)
	}
}

func TestCronScheduleInterval(t *testing.T) {
	sched, err := CronSchedule(models.ScheduleSpec{Kind: models.ScheduleInterval, Seconds: 60}, "UTC")
	if err != nil {
		t.Fatalf("cron schedule: %v", err)
	}
	ref := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if next := sched.Next(ref); next.Sub(ref) != time.Minute {
		t.Fatalf("want +1m got %v", next.Sub(ref))
	}
}
