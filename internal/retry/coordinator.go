// Package retry replays failed report dispatches until they hand off
// downstream, a bounded attempt ceiling is reached, or an operator
// pulls the global kill-switch.
package retry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"custodian-service/internal/models"
	"custodian-service/internal/notify"
	"custodian-service/internal/telemetry"
)

// Store is the slice of persistence the coordinator needs: the retry
// ledger plus the global send-reports switch.
type Store interface {
	InsertReportStatistics(ctx context.Context, r models.ReportStatistics) error
	ListPendingReports(ctx context.Context, limit int) ([]models.ReportStatistics, error)
	UpdateReportDispatch(ctx context.Context, id, status string, attempt int, reason *string) error
	SendReportsEnabled(ctx context.Context) (bool, error)
	SetSendReports(ctx context.Context, enabled bool) error
}

// Coordinator drives retry sweeps over PENDING ledger entries.
type Coordinator struct {
	store       Store
	transport   notify.Transport
	interval    time.Duration
	maxAttempts int
	safety      time.Duration
	pageSize    int
	now         func() time.Time
	sleep       func(time.Duration)
}

// New builds a coordinator. interval is the per-item pause between
// re-submissions (backpressure against the downstream system); safety
// is the minimum remaining context budget below which a sweep stops.
func New(store Store, transport notify.Transport, interval time.Duration, maxAttempts int, safety time.Duration, pageSize int) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Coordinator{
		store:       store,
		transport:   transport,
		interval:    interval,
		maxAttempts: maxAttempts,
		safety:      safety,
		pageSize:    pageSize,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Dispatch sends a report now. A failed send is recorded as a PENDING
// ledger entry carrying the original payload so a later sweep can
// replay it. The returned bool reports whether delivery succeeded.
func (c *Coordinator) Dispatch(ctx context.Context, r models.ReportStatistics) (models.ReportStatistics, bool, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.TriggeredAt = c.now().UTC()

	code, sendErr := c.transport.Send(ctx, r.CustomerName, r.Event)
	if sendErr == nil && code < 300 {
		return r, true, nil
	}
	reason := fmt.Sprintf("dispatch failed with status %d", code)
	if sendErr != nil {
		reason = sendErr.Error()
	}
	log.Printf("retry: dispatch for %s failed, queueing for retry: %s", r.CustomerName, reason)
	r.Status = models.ReportPending
	r.Attempt = 0
	r.Reason = &reason
	if err := c.store.InsertReportStatistics(ctx, r); err != nil {
		return r, false, fmt.Errorf("record failed dispatch: %w", err)
	}
	return r, false, nil
}

// Sweep re-invokes every PENDING entry once. The sweep stops early,
// without error, when the retry subsystem is disabled or the context
// deadline budget runs out; work resumes on the next scheduled sweep.
func (c *Coordinator) Sweep(ctx context.Context) error {
	enabled, err := c.store.SendReportsEnabled(ctx)
	if err != nil {
		return fmt.Errorf("read send-reports switch: %w", err)
	}
	if !enabled {
		log.Printf("retry: report sending disabled, skipping sweep")
		return nil
	}

	// Per-sweep cache of already-attempted report types per logical
	// report, used to suppress duplicates. A failed attempt claims the
	// key too: the sibling entry describes the same report and gains
	// nothing from a second send against the same outage.
	seen := make(map[string]map[string]bool)

	for {
		batch, err := c.store.ListPendingReports(ctx, c.pageSize)
		if err != nil {
			return fmt.Errorf("list pending reports: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, item := range batch {
			if c.outOfBudget(ctx) {
				log.Printf("retry: remaining execution budget below %s, stopping sweep", c.safety)
				return nil
			}
			tripped, err := c.invoke(ctx, item, seen)
			if err != nil {
				return err
			}
			if tripped {
				log.Printf("retry: attempt ceiling %d reached by %s, retry subsystem disabled", c.maxAttempts, item.ID)
				return nil
			}
			c.sleep(c.interval)
		}
	}
}

// invoke replays one ledger entry. It returns true when this entry hit
// the attempt ceiling and tripped the global kill-switch.
func (c *Coordinator) invoke(ctx context.Context, item models.ReportStatistics, seen map[string]map[string]bool) (bool, error) {
	key := item.DispatchKey()
	if covered(seen[key], item.Types) {
		reason := "another retry already covers this report"
		if err := c.store.UpdateReportDispatch(ctx, item.ID, models.ReportDuplicate, item.Attempt, &reason); err != nil {
			return false, fmt.Errorf("mark duplicate %s: %w", item.ID, err)
		}
		telemetry.ReportsDuplicate.Inc()
		return false, nil
	}

	// Payload loss is unrecoverable; retrying cannot help.
	if len(item.Event) == 0 {
		reason := "original request payload is missing"
		if err := c.store.UpdateReportDispatch(ctx, item.ID, models.ReportFailed, item.Attempt, &reason); err != nil {
			return false, fmt.Errorf("mark failed %s: %w", item.ID, err)
		}
		telemetry.ReportsFailed.Inc()
		return false, nil
	}

	attempt := item.Attempt + 1
	code, sendErr := c.transport.Send(ctx, item.CustomerName, item.Event)
	if sendErr != nil || code >= 300 {
		reason := fmt.Sprintf("re-submission failed with status %d", code)
		if sendErr != nil {
			reason = sendErr.Error()
		}
		if err := c.store.UpdateReportDispatch(ctx, item.ID, models.ReportFailed, attempt, &reason); err != nil {
			return false, fmt.Errorf("mark failed %s: %w", item.ID, err)
		}
		telemetry.ReportsFailed.Inc()
	} else {
		if err := c.store.UpdateReportDispatch(ctx, item.ID, models.ReportRetried, attempt, nil); err != nil {
			return false, fmt.Errorf("mark retried %s: %w", item.ID, err)
		}
		telemetry.ReportsRetried.Inc()
	}
	mark(seen, key, item.Types)

	// Hitting the ceiling signals a systemic downstream outage: disable
	// retries process-wide, not just this entry.
	if attempt >= c.maxAttempts {
		if err := c.store.SetSendReports(ctx, false); err != nil {
			return false, fmt.Errorf("disable report sending: %w", err)
		}
		telemetry.RetriesEnabled.Set(0)
		return true, nil
	}
	return false, nil
}

// Enable turns the retry subsystem back on after an operator
// intervened. Every customer's transport is probed first; enablement is
// refused (false, nil) only when all of them are unhealthy, so one
// customer's outage does not block the others.
func (c *Coordinator) Enable(ctx context.Context) (bool, error) {
	anyHealthy := false
	for _, customer := range c.transport.Customers() {
		if err := c.transport.Health(ctx, customer); err != nil {
			log.Printf("retry: transport unhealthy for customer %s: %v", customer, err)
			continue
		}
		anyHealthy = true
	}
	if !anyHealthy {
		return false, nil
	}
	if err := c.store.SetSendReports(ctx, true); err != nil {
		return false, fmt.Errorf("enable report sending: %w", err)
	}
	telemetry.RetriesEnabled.Set(1)
	return true, nil
}

func (c *Coordinator) outOfBudget(ctx context.Context) bool {
	if c.safety <= 0 {
		return false
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return deadline.Sub(c.now()) < c.safety
}

func covered(dispatched map[string]bool, types []string) bool {
	if dispatched == nil {
		return false
	}
	for _, t := range types {
		if dispatched[t] {
			return true
		}
	}
	return false
}

func mark(seen map[string]map[string]bool, key string, types []string) {
	if seen[key] == nil {
		seen[key] = make(map[string]bool)
	}
	for _, t := range types {
		seen[key][t] = true
	}
}
