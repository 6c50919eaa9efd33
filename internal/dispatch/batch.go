package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"

	"custodian-service/internal/config"
	"custodian-service/internal/models"
)

// BatchBackend dispatches scans to an AWS Batch compute environment.
type BatchBackend struct {
	client        *batch.Client
	jobQueue      string
	jobDefinition string
	command       string
	attempts      int
}

// NewBatchBackend resolves AWS configuration and builds the client.
func NewBatchBackend(ctx context.Context, cfg config.Config) (*BatchBackend, error) {
	if cfg.BatchJobQueue == "" || cfg.BatchJobDef == "" {
		return nil, fmt.Errorf("batch dispatch requires BATCH_JOB_QUEUE and BATCH_JOB_DEFINITION")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BatchBackend{
		client:        batch.NewFromConfig(awsCfg),
		jobQueue:      cfg.BatchJobQueue,
		jobDefinition: cfg.BatchJobDef,
		command:       cfg.ScanCommand,
		attempts:      cfg.BatchAttempts,
	}, nil
}

// Submit builds a container override from the scan parameters and fires
// the job at the configured queue. Submission failures come back in the
// descriptor, not as errors.
func (b *BatchBackend) Submit(ctx context.Context, p SubmitParams) Submission {
	input := &batch.SubmitJobInput{
		JobName:       aws.String(p.Name),
		JobQueue:      aws.String(b.jobQueue),
		JobDefinition: aws.String(b.jobDefinition),
		ContainerOverrides: &types.ContainerOverrides{
			Command:     b.scanCommand(p),
			Environment: envOverrides(p),
		},
	}
	if attempts := b.attempts; attempts > 0 {
		input.RetryStrategy = &types.RetryStrategy{Attempts: aws.Int32(int32(attempts))}
	}
	if p.Timeout > 0 {
		input.Timeout = &types.JobTimeout{
			AttemptDurationSeconds: aws.Int32(int32(p.Timeout / time.Second)),
		}
	}
	if p.ArraySize > 1 {
		input.ArrayProperties = &types.ArrayProperties{Size: aws.Int32(int32(p.ArraySize))}
	}
	for _, dep := range p.DependsOn {
		input.DependsOn = append(input.DependsOn, types.JobDependency{JobId: aws.String(dep)})
	}

	out, err := b.client.SubmitJob(ctx, input)
	if err != nil {
		return rejected(p, fmt.Sprintf("batch submit: %v", err))
	}
	return accepted(p, aws.ToString(out.JobId))
}

// Terminate cancels the batch job. AWS Batch treats terminating a
// finished job as a success, which keeps this idempotent.
func (b *BatchBackend) Terminate(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = "terminated by api request"
	}
	_, err := b.client.TerminateJob(ctx, &batch.TerminateJobInput{
		JobId:  aws.String(jobID),
		Reason: aws.String(reason),
	})
	if err != nil {
		return fmt.Errorf("batch terminate %s: %w", jobID, err)
	}
	return nil
}

// Describe maps the batch job detail onto the normalized descriptor.
func (b *BatchBackend) Describe(ctx context.Context, jobID string) (Detail, error) {
	out, err := b.client.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{jobID}})
	if err != nil {
		return Detail{}, fmt.Errorf("batch describe %s: %w", jobID, err)
	}
	if len(out.Jobs) == 0 {
		return Detail{JobID: jobID, Status: models.StatusFailed, Reason: "job not found"}, nil
	}
	j := out.Jobs[0]
	d := Detail{
		JobID:  jobID,
		Status: batchStatus(j.Status),
		Reason: aws.ToString(j.StatusReason),
	}
	if j.StartedAt != nil {
		t := time.UnixMilli(*j.StartedAt).UTC()
		d.StartedAt = &t
	}
	if j.StoppedAt != nil {
		t := time.UnixMilli(*j.StoppedAt).UTC()
		d.StoppedAt = &t
	}
	return d, nil
}

func (b *BatchBackend) scanCommand(p SubmitParams) []string {
	cmd := []string{b.command, "--tenant", p.TenantName}
	for _, r := range p.Regions {
		cmd = append(cmd, "--region", r)
	}
	for _, rs := range p.Rulesets {
		cmd = append(cmd, "--ruleset", rs)
	}
	return cmd
}

func envOverrides(p SubmitParams) []types.KeyValuePair {
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.KeyValuePair{Name: aws.String(k), Value: aws.String(p.Env[k])})
	}
	return out
}

func batchStatus(s types.JobStatus) string {
	switch s {
	case types.JobStatusSubmitted:
		return models.StatusSubmitted
	case types.JobStatusPending, types.JobStatusRunnable, types.JobStatusStarting:
		return models.StatusPending
	case types.JobStatusRunning:
		return models.StatusRunning
	case types.JobStatusSucceeded:
		return models.StatusSucceeded
	case types.JobStatusFailed:
		return models.StatusFailed
	default:
		return models.StatusPending
	}
}
