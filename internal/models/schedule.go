package models

import (
	"fmt"
	"time"
)

// Schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
)

// ScheduleSpec is the versioned schedule descriptor stored alongside a
// scheduled job. Exactly one of Expression/Seconds is meaningful
// depending on Kind.
type ScheduleSpec struct {
	Kind       string `json:"kind"`
	Expression string `json:"expression,omitempty"`
	Seconds    int    `json:"seconds,omitempty"`
}

// Validate checks internal consistency of the descriptor.
func (s ScheduleSpec) Validate() error {
	switch s.Kind {
	case ScheduleCron:
		if s.Expression == "" {
			return fmt.Errorf("cron schedule requires an expression")
		}
	case ScheduleInterval:
		if s.Seconds <= 0 {
			return fmt.Errorf("interval schedule requires positive seconds")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// ScheduledJobID builds the composite identifier for a scheduled job.
func ScheduledJobID(customer, name string) string {
	return fmt.Sprintf("sj:%s:%s", customer, name)
}

// ScheduledJob is a recurring declaration that periodically submits
// scan jobs. Run statistics (LastRunAt, TotalRunCount) are operational
// state owned by the store; the editable fields (Schedule, Description,
// Enabled) are owned by whoever declared the job.
type ScheduledJob struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	CustomerName  string       `json:"customer_name"`
	TenantName    string       `json:"tenant_name"`
	Description   string       `json:"description"`
	Schedule      ScheduleSpec `json:"schedule"`
	Regions       []string     `json:"regions"`
	Rulesets      []string     `json:"rulesets"`
	Enabled       bool         `json:"enabled"`
	LastRunAt     *time.Time   `json:"last_run_at,omitempty"`
	TotalRunCount int          `json:"total_run_count"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
