package scheduler

import (
	"reflect"
	"strings"
	"time"

	"custodian-service/internal/models"
)

// SystemJobPrefix tags scheduled jobs declared in configuration rather
// than registered through the API. Only these participate in orphan
// cleanup: a sys: row whose task disappeared from config was dropped by
// a deploy and must not keep firing.
const SystemJobPrefix = "sys:"

// SystemJobID builds the identifier for a config-declared task.
func SystemJobID(name string) string {
	return SystemJobPrefix + name
}

// Changelist is the explicit write-set produced by a reconciliation
// pass. Applying it and reconciling again with no intervening change
// yields an empty changelist.
type Changelist struct {
	Put    []models.ScheduledJob
	Delete []string
}

// Empty reports whether the pass produced no writes.
func (c Changelist) Empty() bool {
	return len(c.Put) == 0 && len(c.Delete) == 0
}

// Reconcile merges config-declared system tasks into the stored
// schedule table. Config is authoritative for what runs (schedule,
// target, enabled flag); the store is authoritative for run history
// (last_run_at, total_run_count). API-registered customer schedules
// pass through untouched. The returned slice is the full merged table;
// the changelist is the bounded set of rows that actually changed.
func Reconcile(declared, stored []models.ScheduledJob, now time.Time) ([]models.ScheduledJob, Changelist) {
	declaredByID := make(map[string]models.ScheduledJob, len(declared))
	for _, d := range declared {
		declaredByID[d.ID] = d
	}
	storedByID := make(map[string]models.ScheduledJob, len(stored))
	for _, s := range stored {
		storedByID[s.ID] = s
	}

	var cl Changelist
	merged := make([]models.ScheduledJob, 0, len(stored)+len(declared))

	for _, s := range stored {
		d, isDeclared := declaredByID[s.ID]
		switch {
		case isDeclared:
			m := mergeDeclared(d, s)
			merged = append(merged, m)
			if !equalEditable(m, s) {
				cl.Put = append(cl.Put, m)
			}
		case strings.HasPrefix(s.ID, SystemJobPrefix):
			// Orphaned system task: the deploying code dropped it.
			cl.Delete = append(cl.Delete, s.ID)
		default:
			merged = append(merged, s)
		}
	}

	for _, d := range declared {
		if _, ok := storedByID[d.ID]; ok {
			continue
		}
		ins := d
		ins.CreatedAt = now
		ins.UpdatedAt = now
		merged = append(merged, ins)
		cl.Put = append(cl.Put, ins)
	}

	return merged, cl
}

// mergeDeclared overlays config-owned fields onto the stored row while
// keeping its run statistics.
func mergeDeclared(declared, stored models.ScheduledJob) models.ScheduledJob {
	out := stored
	out.Name = declared.Name
	out.CustomerName = declared.CustomerName
	out.TenantName = declared.TenantName
	out.Description = declared.Description
	out.Schedule = declared.Schedule
	out.Regions = declared.Regions
	out.Rulesets = declared.Rulesets
	out.Enabled = declared.Enabled
	return out
}

// equalEditable compares everything except run statistics and row
// bookkeeping timestamps.
func equalEditable(a, b models.ScheduledJob) bool {
	return a.Name == b.Name &&
		a.CustomerName == b.CustomerName &&
		a.TenantName == b.TenantName &&
		a.Description == b.Description &&
		a.Schedule == b.Schedule &&
		a.Enabled == b.Enabled &&
		reflect.DeepEqual(a.Regions, b.Regions) &&
		reflect.DeepEqual(a.Rulesets, b.Rulesets)
}
