package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"custodian-service/internal/models"
)

// Env keys stamped into queued tasks so the downstream worker can
// self-report against the right job record.
const (
	EnvJobID       = "CUSTODIAN_JOB_ID"
	EnvSubmittedAt = "CUSTODIAN_SUBMITTED_AT"
)

const cancelMarkerTTL = 24 * time.Hour

// QueueBackend dispatches scans onto a Redis stream consumed by on-prem
// workers. The broker assigns its own opaque message id, so the job id
// is generated here and stamped into the task environment.
type QueueBackend struct {
	client *redis.Client
	stream string
	group  string
	now    func() time.Time
}

// Task is one queued scan as seen by a worker.
type Task struct {
	MessageID    string            `json:"-"`
	JobID        string            `json:"job_id"`
	Name         string            `json:"name"`
	CustomerName string            `json:"customer_name"`
	TenantName   string            `json:"tenant_name"`
	Regions      []string          `json:"regions"`
	Rulesets     []string          `json:"rulesets"`
	Env          map[string]string `json:"env"`
}

// NewQueueBackend builds the task-queue dispatcher.
func NewQueueBackend(client *redis.Client, stream, group string) *QueueBackend {
	return &QueueBackend{
		client: client,
		stream: stream,
		group:  group,
		now:    time.Now,
	}
}

// Submit enqueues the scan. Fire-and-forget: the returned descriptor
// carries the locally generated job id, not an execution result.
func (q *QueueBackend) Submit(ctx context.Context, p SubmitParams) Submission {
	if p.JobID == "" {
		p.JobID = uuid.NewString()
	}
	env := make(map[string]string, len(p.Env)+2)
	for k, v := range p.Env {
		env[k] = v
	}
	env[EnvJobID] = p.JobID
	env[EnvSubmittedAt] = q.now().UTC().Format(time.RFC3339)

	task := Task{
		JobID:        p.JobID,
		Name:         p.Name,
		CustomerName: p.CustomerName,
		TenantName:   p.TenantName,
		Regions:      p.Regions,
		Rulesets:     p.Rulesets,
		Env:          env,
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return rejected(p, fmt.Sprintf("encode task: %v", err))
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		ID:     "*",
		Values: map[string]any{"data": string(raw)},
	}).Err()
	if err != nil {
		return rejected(p, fmt.Sprintf("enqueue scan: %v", err))
	}
	return accepted(p, p.JobID)
}

// Terminate marks the task cancelled. Workers check the marker before
// and during execution; setting it twice is harmless.
func (q *QueueBackend) Terminate(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = "terminated"
	}
	if err := q.client.Set(ctx, cancelKey(jobID), reason, cancelMarkerTTL).Err(); err != nil {
		return fmt.Errorf("mark task cancelled: %w", err)
	}
	return nil
}

// Describe only knows what the broker knows: whether a cancel marker
// exists. Execution state lives in the job record the worker maintains.
func (q *QueueBackend) Describe(ctx context.Context, jobID string) (Detail, error) {
	reason, err := q.client.Get(ctx, cancelKey(jobID)).Result()
	if err == nil {
		return Detail{JobID: jobID, Status: models.StatusTerminated, Reason: reason}, nil
	}
	if err != redis.Nil {
		return Detail{}, fmt.Errorf("read cancel marker: %w", err)
	}
	return Detail{JobID: jobID, Status: models.StatusPending}, nil
}

// Cancelled reports whether a cancel marker exists for the job.
func (q *QueueBackend) Cancelled(ctx context.Context, jobID string) (bool, string, error) {
	reason, err := q.client.Get(ctx, cancelKey(jobID)).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("read cancel marker: %w", err)
	}
	return true, reason, nil
}

// EnsureGroup creates the worker consumer group if it does not exist.
func (q *QueueBackend) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Next blocks up to block for queued tasks addressed to this consumer.
func (q *QueueBackend) Next(ctx context.Context, consumer string, count int64, block time.Duration) ([]Task, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read task stream: %w", err)
	}
	var out []Task
	for _, s := range res {
		for _, m := range s.Messages {
			raw, _ := m.Values["data"].(string)
			var t Task
			if err := json.Unmarshal([]byte(raw), &t); err != nil {
				// Poisoned message: ack it away rather than redelivering forever.
				_ = q.client.XAck(ctx, q.stream, q.group, m.ID).Err()
				continue
			}
			t.MessageID = m.ID
			out = append(out, t)
		}
	}
	return out, nil
}

// Ack acknowledges a consumed task.
func (q *QueueBackend) Ack(ctx context.Context, messageID string) error {
	return q.client.XAck(ctx, q.stream, q.group, messageID).Err()
}

func cancelKey(jobID string) string {
	return "scancancel:" + jobID
}
