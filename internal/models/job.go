package models

import (
	"time"
)

// JobStatus enumerates scan-job lifecycle states persisted in Postgres.
const (
	StatusSubmitted  = "submitted"
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusTerminated = "terminated"
)

// Job type tags.
const (
	JobTypeStandard  = "standard"
	JobTypeScheduled = "scheduled"
	JobTypeReactive  = "reactive"
)

// statusRank orders statuses so transitions only ever move forward.
var statusRank = map[string]int{
	StatusSubmitted:  0,
	StatusPending:    1,
	StatusRunning:    2,
	StatusSucceeded:  3,
	StatusFailed:     3,
	StatusTerminated: 3,
}

// TransitionAllowed reports whether a job may move from one status to
// another. Terminal states never change; equal-rank terminal states do
// not replace each other.
func TransitionAllowed(from, to string) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// ScanJob is one execution of policy checks against a tenant.
type ScanJob struct {
	ID               string     `json:"id"`
	BackendID        string     `json:"backend_id,omitempty"`
	Type             string     `json:"type"`
	CustomerName     string     `json:"customer_name"`
	TenantName       string     `json:"tenant_name"`
	Status           string     `json:"status"`
	Regions          []string   `json:"regions"`
	Rulesets         []string   `json:"rulesets"`
	ScheduledRuleRef *string    `json:"scheduled_rule_ref,omitempty"`
	Reason           *string    `json:"reason,omitempty"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
