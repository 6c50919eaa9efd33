// Package store is the Postgres persistence layer shared by the API,
// scheduler, worker and sweeper services.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"custodian-service/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update would move a
// job backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// --- scan jobs ---

// CreateScanJob inserts a new job row.
func (s *Store) CreateScanJob(ctx context.Context, job models.ScanJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_jobs
			(id, backend_id, type, customer_name, tenant_name, status,
			 regions, rulesets, scheduled_rule_ref, reason, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.BackendID, job.Type, job.CustomerName, job.TenantName,
		job.Status, job.Regions, job.Rulesets, job.ScheduledRuleRef,
		job.Reason, job.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert scan job: %w", err)
	}
	return nil
}

const scanJobColumns = `
	id, backend_id, type, customer_name, tenant_name, status,
	regions, rulesets, scheduled_rule_ref, reason,
	submitted_at, started_at, stopped_at, created_at, updated_at`

func scanJobRow(row pgx.Row) (models.ScanJob, error) {
	var j models.ScanJob
	err := row.Scan(&j.ID, &j.BackendID, &j.Type, &j.CustomerName,
		&j.TenantName, &j.Status, &j.Regions, &j.Rulesets,
		&j.ScheduledRuleRef, &j.Reason, &j.SubmittedAt, &j.StartedAt,
		&j.StoppedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return j, ErrNotFound
	}
	return j, err
}

// GetScanJob fetches one job by id.
func (s *Store) GetScanJob(ctx context.Context, id string) (models.ScanJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scanJobColumns+` FROM scan_jobs WHERE id = $1`, id)
	return scanJobRow(row)
}

// ListScanJobs returns jobs filtered by customer and/or status, newest
// first. Empty filter values match everything.
func (s *Store) ListScanJobs(ctx context.Context, customer, status string, limit int) ([]models.ScanJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+scanJobColumns+`
		FROM scan_jobs
		WHERE ($1 = '' OR customer_name = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`, customer, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan jobs: %w", err)
	}
	defer rows.Close()

	var out []models.ScanJob
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateScanJobStatus transitions a job forward. Transitions that would
// move backwards or leave a terminal state fail with
// ErrInvalidTransition; started_at and stopped_at are stamped at most
// once.
func (s *Store) UpdateScanJobStatus(ctx context.Context, id, to string, reason *string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var from string
	err = tx.QueryRow(ctx,
		`SELECT status FROM scan_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock scan job: %w", err)
	}
	if !models.TransitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE scan_jobs
		SET status = $2,
		    reason = COALESCE($3, reason),
		    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $4 ELSE started_at END,
		    stopped_at = CASE WHEN $5 AND stopped_at IS NULL THEN $4 ELSE stopped_at END,
		    updated_at = $4
		WHERE id = $1`,
		id, to, reason, now, models.Terminal(to))
	if err != nil {
		return fmt.Errorf("update scan job: %w", err)
	}
	return tx.Commit(ctx)
}

// SetScanJobBackendID records the backend's identifier after submission.
func (s *Store) SetScanJobBackendID(ctx context.Context, id, backendID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scan_jobs SET backend_id = $2, updated_at = NOW()
		WHERE id = $1`, id, backendID)
	if err != nil {
		return fmt.Errorf("set backend id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- scheduled jobs ---

const scheduledJobColumns = `
	id, name, customer_name, tenant_name, description, schedule,
	regions, rulesets, enabled, last_run_at, total_run_count,
	created_at, updated_at`

func scheduledJobRow(row pgx.Row) (models.ScheduledJob, error) {
	var j models.ScheduledJob
	var schedule []byte
	err := row.Scan(&j.ID, &j.Name, &j.CustomerName, &j.TenantName,
		&j.Description, &schedule, &j.Regions, &j.Rulesets, &j.Enabled,
		&j.LastRunAt, &j.TotalRunCount, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if err := json.Unmarshal(schedule, &j.Schedule); err != nil {
		return j, fmt.Errorf("decode schedule for %s: %w", j.ID, err)
	}
	return j, nil
}

// ListScheduledJobs returns every durable schedule row.
func (s *Store) ListScheduledJobs(ctx context.Context) ([]models.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduledJobColumns+` FROM scheduled_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledJob
	for rows.Next() {
		j, err := scheduledJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduled job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// GetScheduledJob fetches one schedule row by id.
func (s *Store) GetScheduledJob(ctx context.Context, id string) (models.ScheduledJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	return scheduledJobRow(row)
}

const upsertScheduledJobSQL = `
	INSERT INTO scheduled_jobs
		(id, name, customer_name, tenant_name, description, schedule,
		 regions, rulesets, enabled, last_run_at, total_run_count,
		 created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		customer_name = EXCLUDED.customer_name,
		tenant_name = EXCLUDED.tenant_name,
		description = EXCLUDED.description,
		schedule = EXCLUDED.schedule,
		regions = EXCLUDED.regions,
		rulesets = EXCLUDED.rulesets,
		enabled = EXCLUDED.enabled,
		last_run_at = EXCLUDED.last_run_at,
		total_run_count = EXCLUDED.total_run_count,
		updated_at = NOW()`

func scheduledJobArgs(job models.ScheduledJob) ([]any, error) {
	schedule, err := json.Marshal(job.Schedule)
	if err != nil {
		return nil, fmt.Errorf("encode schedule for %s: %w", job.ID, err)
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return []any{job.ID, job.Name, job.CustomerName, job.TenantName,
		job.Description, schedule, job.Regions, job.Rulesets, job.Enabled,
		job.LastRunAt, job.TotalRunCount, createdAt}, nil
}

// UpsertScheduledJob writes one schedule row.
func (s *Store) UpsertScheduledJob(ctx context.Context, job models.ScheduledJob) error {
	args, err := scheduledJobArgs(job)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, upsertScheduledJobSQL, args...); err != nil {
		return fmt.Errorf("upsert scheduled job %s: %w", job.ID, err)
	}
	return nil
}

// DeleteScheduledJob removes a schedule row. Missing rows are not an
// error.
func (s *Store) DeleteScheduledJob(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM scheduled_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete scheduled job %s: %w", id, err)
	}
	return nil
}

// BatchWriteScheduledJobs applies a reconciliation changelist in a
// single round trip.
func (s *Store) BatchWriteScheduledJobs(ctx context.Context, put []models.ScheduledJob, del []string) error {
	if len(put) == 0 && len(del) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, job := range put {
		args, err := scheduledJobArgs(job)
		if err != nil {
			return err
		}
		batch.Queue(upsertScheduledJobSQL, args...)
	}
	for _, id := range del {
		batch.Queue(`DELETE FROM scheduled_jobs WHERE id = $1`, id)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("batch write scheduled jobs: %w", err)
	}
	return nil
}

// --- report statistics ---

// InsertReportStatistics records a failed dispatch for later retry.
func (s *Store) InsertReportStatistics(ctx context.Context, r models.ReportStatistics) error {
	event, err := json.Marshal(r.Event)
	if err != nil {
		return fmt.Errorf("encode report event: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO report_statistics
			(id, triggered_at, attempt, report_user, level, types, status,
			 customer_name, tenants, reason, event)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.TriggeredAt, r.Attempt, r.User, r.Level, r.Types, r.Status,
		r.CustomerName, r.Tenants, r.Reason, event)
	if err != nil {
		return fmt.Errorf("insert report statistics: %w", err)
	}
	return nil
}

func reportRow(row pgx.Row) (models.ReportStatistics, error) {
	var r models.ReportStatistics
	var event []byte
	err := row.Scan(&r.ID, &r.TriggeredAt, &r.Attempt, &r.User, &r.Level,
		&r.Types, &r.Status, &r.CustomerName, &r.Tenants, &r.Reason, &event)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if len(event) > 0 {
		if err := json.Unmarshal(event, &r.Event); err != nil {
			return r, fmt.Errorf("decode report event for %s: %w", r.ID, err)
		}
	}
	return r, nil
}

const reportColumns = `
	id, triggered_at, attempt, report_user, level, types, status,
	customer_name, tenants, reason, event`

// ListPendingReports returns PENDING entries oldest first.
func (s *Store) ListPendingReports(ctx context.Context, limit int) ([]models.ReportStatistics, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+reportColumns+`
		FROM report_statistics
		WHERE status = $1
		ORDER BY triggered_at
		LIMIT $2`, models.ReportPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending reports: %w", err)
	}
	defer rows.Close()

	var out []models.ReportStatistics
	for rows.Next() {
		r, err := reportRow(rows)
		if err != nil {
			return nil, fmt.Errorf("report row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListReports returns entries for one customer, newest first.
func (s *Store) ListReports(ctx context.Context, customer string, limit int) ([]models.ReportStatistics, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+reportColumns+`
		FROM report_statistics
		WHERE ($1 = '' OR customer_name = $1)
		ORDER BY triggered_at DESC
		LIMIT $2`, customer, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []models.ReportStatistics
	for rows.Next() {
		r, err := reportRow(rows)
		if err != nil {
			return nil, fmt.Errorf("report row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateReportDispatch records the outcome of one retry invocation.
func (s *Store) UpdateReportDispatch(ctx context.Context, id, status string, attempt int, reason *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE report_statistics
		SET status = $2, attempt = $3, reason = $4
		WHERE id = $1`, id, status, attempt, reason)
	if err != nil {
		return fmt.Errorf("update report dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tenants ---

// UpsertTenant registers or refreshes a tenant.
func (s *Store) UpsertTenant(ctx context.Context, t models.Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (name, customer_name, cloud, account_id, regions, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (customer_name, name) DO UPDATE SET
			cloud = EXCLUDED.cloud,
			account_id = EXCLUDED.account_id,
			regions = EXCLUDED.regions,
			active = EXCLUDED.active`,
		t.Name, t.CustomerName, t.Cloud, t.AccountID, t.Regions, t.Active)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// GetTenant fetches a customer's tenant by name.
func (s *Store) GetTenant(ctx context.Context, customer, name string) (models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT name, customer_name, cloud, account_id, regions, active, created_at
		FROM tenants WHERE customer_name = $1 AND name = $2`,
		customer, name).Scan(&t.Name, &t.CustomerName, &t.Cloud,
		&t.AccountID, &t.Regions, &t.Active, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// ListTenants returns a customer's tenants; empty customer lists all.
func (s *Store) ListTenants(ctx context.Context, customer string) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, customer_name, cloud, account_id, regions, active, created_at
		FROM tenants
		WHERE ($1 = '' OR customer_name = $1)
		ORDER BY customer_name, name`, customer)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.Name, &t.CustomerName, &t.Cloud,
			&t.AccountID, &t.Regions, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("tenant row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- settings ---

// SendReportsEnabled reads the global report-dispatch switch. A missing
// row counts as enabled.
func (s *Store) SendReportsEnabled(ctx context.Context) (bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = 'send_reports'`).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read send_reports setting: %w", err)
	}
	return value == "true", nil
}

// SetSendReports flips the global report-dispatch switch.
func (s *Store) SetSendReports(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ('send_reports', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, value)
	if err != nil {
		return fmt.Errorf("write send_reports setting: %w", err)
	}
	return nil
}
