// Package dispatch submits scan work to a compute backend and exposes a
// uniform submit/terminate/describe contract regardless of where the
// scan actually executes: an AWS Batch queue, a local subprocess pool,
// or a Redis-backed task queue consumed by on-prem workers.
package dispatch

import (
	"context"
	"time"

	"custodian-service/internal/models"
)

// Rejection reasons reported through Submission.Reason.
const (
	ReasonMaxJobs = "maximum number of jobs is already started"
)

// SubmitParams collects everything a backend needs to launch one scan.
type SubmitParams struct {
	// JobID is the platform-assigned identifier recorded in the store.
	// Backends that mint their own handle report it via BackendID.
	JobID        string
	Name         string
	CustomerName string
	TenantName   string
	Regions      []string
	Rulesets     []string
	// Env carries resolved cloud credentials and job metadata into the
	// scan process.
	Env map[string]string
	// Timeout is passed through to the backend's own attempt-duration
	// enforcement; the dispatch layer does not police it.
	Timeout time.Duration
	// Attempts, DependsOn and ArraySize only apply to the batch variant.
	Attempts  int
	DependsOn []string
	ArraySize int
}

// Submission is the normalized descriptor every backend returns.
// Ordinary could-not-submit conditions are reported via Status/Reason,
// never as errors; the API layer turns them into structured responses.
type Submission struct {
	JobID     string `json:"job_id"`
	BackendID string `json:"backend_id,omitempty"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// Detail describes the current backend-side state of a dispatched job.
type Detail struct {
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Backend is the compute substrate contract. Terminate must be
// idempotent: terminating a finished or unknown job is a no-op.
type Backend interface {
	Submit(ctx context.Context, p SubmitParams) Submission
	Terminate(ctx context.Context, jobID, reason string) error
	Describe(ctx context.Context, jobID string) (Detail, error)
}

func rejected(p SubmitParams, reason string) Submission {
	return Submission{
		JobID:  p.JobID,
		Name:   p.Name,
		Status: models.StatusFailed,
		Reason: reason,
	}
}

func accepted(p SubmitParams, backendID string) Submission {
	return Submission{
		JobID:     p.JobID,
		BackendID: backendID,
		Name:      p.Name,
		Status:    models.StatusSubmitted,
	}
}
