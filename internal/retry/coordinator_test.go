package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"custodian-service/internal/models"
)

type fakeReportStore struct {
	mu      sync.Mutex
	rows    map[string]models.ReportStatistics
	enabled bool
}

func newFakeReportStore(rows ...models.ReportStatistics) *fakeReportStore {
	s := &fakeReportStore{rows: make(map[string]models.ReportStatistics), enabled: true}
	for _, r := range rows {
		s.rows[r.ID] = r
	}
	return s
}

func (s *fakeReportStore) InsertReportStatistics(ctx context.Context, r models.ReportStatistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.ID] = r
	return nil
}

func (s *fakeReportStore) ListPendingReports(ctx context.Context, limit int) ([]models.ReportStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ReportStatistics
	for _, r := range s.rows {
		if r.Status == models.ReportPending {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeReportStore) UpdateReportDispatch(ctx context.Context, id, status string, attempt int, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return errors.New("no such report")
	}
	r.Status = status
	r.Attempt = attempt
	r.Reason = reason
	s.rows[id] = r
	return nil
}

func (s *fakeReportStore) SendReportsEnabled(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, nil
}

func (s *fakeReportStore) SetSendReports(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	return nil
}

func (s *fakeReportStore) get(id string) models.ReportStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

func (s *fakeReportStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeReportStore) statuses() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, r := range s.rows {
		out[r.Status]++
	}
	return out
}

type fakeTransport struct {
	mu        sync.Mutex
	code      int
	err       error
	healthErr map[string]error
	customers []string
	sent      int
}

func (t *fakeTransport) Send(ctx context.Context, customer string, payload map[string]any) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent++
	return t.code, t.err
}

func (t *fakeTransport) Health(ctx context.Context, customer string) error {
	return t.healthErr[customer]
}

func (t *fakeTransport) Customers() []string {
	return t.customers
}

func newTestCoordinator(store Store, transport *fakeTransport, maxAttempts int) *Coordinator {
	c := New(store, transport, 0, maxAttempts, 0, 50)
	c.sleep = func(time.Duration) {}
	return c
}

func pendingReport(id, customer string, attempt int) models.ReportStatistics {
	return models.ReportStatistics{
		ID:           id,
		Status:       models.ReportPending,
		Attempt:      attempt,
		CustomerName: customer,
		Tenants:      []string{"prod"},
		Level:        models.LevelTenant,
		Types:        []string{"compliance"},
		Event:        map[string]any{"tenant": "prod"},
	}
}

func TestSweepRetriesPendingReport(t *testing.T) {
	st := newFakeReportStore(pendingReport("r1", "acme", 0))
	tr := &fakeTransport{code: 200}
	c := newTestCoordinator(st, tr, 4)

	if err := c.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got := st.get("r1")
	if got.Status != models.ReportRetried {
		t.Fatalf("want retried, got %s", got.Status)
	}
	if got.Attempt != 1 {
		t.Fatalf("want attempt 1, got %d", got.Attempt)
	}
}

// A report at its final attempt that fails again ends FAILED and trips
// the global send-reports switch.
func TestSweepAttemptCeilingDisablesRetries(t *testing.T) {
	st := newFakeReportStore(pendingReport("r1", "acme", 3))
	tr := &fakeTransport{code: 502}
	c := newTestCoordinator(st, tr, 4)

	if err := c.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got := st.get("r1")
	if got.Status != models.ReportFailed {
		t.Fatalf("want failed, got %s", got.Status)
	}
	if got.Attempt != 4 {
		t.Fatalf("want attempt 4, got %d", got.Attempt)
	}
	if enabled, _ := st.SendReportsEnabled(context.Background()); enabled {
		t.Fatalf("attempt ceiling must disable report sending")
	}
}

func TestSweepSkipsWhenDisabled(t *testing.T) {
	st := newFakeReportStore(pendingReport("r1", "acme", 0))
	st.enabled = false
	tr := &fakeTransport{code: 200}
	c := newTestCoordinator(st, tr, 4)

	if err := c.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if tr.sent != 0 {
		t.Fatalf("disabled subsystem must not send, sent=%d", tr.sent)
	}
	if got := st.get("r1"); got.Status != models.ReportPending {
		t.Fatalf("entry must stay pending, got %s", got.Status)
	}
}

// A failed attempt still claims the dispatch key: its same-tuple
// sibling becomes a duplicate instead of a second send against the
// same outage.
func TestSweepFailedAttemptMarksSiblingDuplicate(t *testing.T) {
	a := pendingReport("r1", "acme", 0)
	b := pendingReport("r2", "acme", 0)
	st := newFakeReportStore(a, b)
	tr := &fakeTransport{code: 502}
	c := newTestCoordinator(st, tr, 10)

	if err := c.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if tr.sent != 1 {
		t.Fatalf("want exactly one send, got %d", tr.sent)
	}
	got := st.statuses()
	if got[models.ReportFailed] != 1 || got[models.ReportDuplicate] != 1 {
		t.Fatalf("want one failed and one duplicate, got %+v", got)
	}
}

// Entries differing in their tenant sets are different reports, not
// duplicates of each other.
func TestSweepDistinctTenantSetsBothRetried(t *testing.T) {
	a := pendingReport("r1", "acme", 0)
	b := pendingReport("r2", "acme", 0)
	b.Tenants = []string{"prod", "staging"}
	st := newFakeReportStore(a, b)
	tr := &fakeTransport{code: 200}
	c := newTestCoordinator(st, tr, 4)

	if err := c.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if tr.sent != 2 {
		t.Fatalf("want two sends, got %d", tr.sent)
	}
	got := st.statuses()
	if got[models.ReportRetried] != 2 {
		t.Fatalf("want both retried, got %+v", got)
	}
}

func TestDispatchFailureQueuesPendingEntry(t *testing.T) {
	st := newFakeReportStore()
	tr := &fakeTransport{code: 502}
	c := newTestCoordinator(st, tr, 4)

	entry, delivered, err := c.Dispatch(context.Background(), models.ReportStatistics{
		CustomerName: "acme",
		Tenants:      []string{"prod"},
		Level:        models.LevelTenant,
		Types:        []string{"compliance"},
		Event:        map[string]any{"tenant": "prod"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if delivered {
		t.Fatalf("502 must not count as delivered")
	}
	if entry.ID == "" {
		t.Fatalf("queued entry must carry an id")
	}
	got := st.get(entry.ID)
	if got.Status != models.ReportPending {
		t.Fatalf("want pending ledger entry, got %q", got.Status)
	}
	if got.Attempt != 0 {
		t.Fatalf("fresh entry must start at attempt 0, got %d", got.Attempt)
	}
	if len(got.Event) == 0 {
		t.Fatalf("original payload must be preserved for the sweep")
	}
	if got.Reason == nil || *got.Reason == "" {
		t.Fatalf("queued entry must record why delivery failed")
	}
}

func TestDispatchSuccessWritesNoLedgerEntry(t *testing.T) {
	st := newFakeReportStore()
	tr := &fakeTransport{code: 200}
	c := newTestCoordinator(st, tr, 4)

	_, delivered, err := c.Dispatch(context.Background(), models.ReportStatistics{
		CustomerName: "acme",
		Event:        map[string]any{"tenant": "prod"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !delivered {
		t.Fatalf("200 must count as delivered")
	}
	if st.count() != 0 {
		t.Fatalf("successful dispatch must not create ledger entries, got %d", st.count())
	}
}

// Two PENDING entries for the same customer, tenant set, level and
// overlapping report types: the first is retried, the second is marked
// a duplicate without another send.
func TestSweepSuppressesDuplicates(t *testing.T) {
	a := pendingReport("r1", "acme", 0)
	b := pendingReport("r2", "acme", 0)
	st := newFakeReportStore(a, b)
	tr := &fakeTransport{code: 200}
	c := newTestCoordinator(st, tr, 4)

	if err := c.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if tr.sent != 1 {
		t.Fatalf("want exactly one send, got %d", tr.sent)
	}
	statuses := map[string]int{}
	statuses[st.get("r1").Status]++
	statuses[st.get("r2").Status]++
	if statuses[models.ReportRetried] != 1 || statuses[models.ReportDuplicate] != 1 {
		t.Fatalf("want one retried and one duplicate, got %+v", statuses)
	}
}

func TestSweepFailsReportWithoutPayload(t *testing.T) {
	r := pendingReport("r1", "acme", 1)
	r.Event = nil
	st := newFakeReportStore(r)
	tr := &fakeTransport{code: 200}
	c := newTestCoordinator(st, tr, 4)

	if err := c.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if tr.sent != 0 {
		t.Fatalf("missing payload must not be sent")
	}
	got := st.get("r1")
	if got.Status != models.ReportFailed {
		t.Fatalf("want failed, got %s", got.Status)
	}
	// No send happened, so the attempt counter stays put.
	if got.Attempt != 1 {
		t.Fatalf("attempt must not advance, got %d", got.Attempt)
	}
	if got.Reason == nil || *got.Reason == "" {
		t.Fatalf("failure must carry a reason")
	}
}

func TestSweepStopsNearDeadline(t *testing.T) {
	st := newFakeReportStore(pendingReport("r1", "acme", 0), pendingReport("r2", "beta", 0))
	tr := &fakeTransport{code: 200}
	c := New(st, tr, 0, 4, time.Minute, 50)
	c.sleep = func(time.Duration) {}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(time.Second))
	defer cancel()
	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if tr.sent != 0 {
		t.Fatalf("sweep inside the safety margin must not dispatch, sent=%d", tr.sent)
	}
}

func TestEnableRefusedWhenAllTransportsDown(t *testing.T) {
	st := newFakeReportStore()
	st.enabled = false
	tr := &fakeTransport{
		customers: []string{"acme", "beta"},
		healthErr: map[string]error{
			"acme": errors.New("down"),
			"beta": errors.New("down"),
		},
	}
	c := newTestCoordinator(st, tr, 4)

	ok, err := c.Enable(context.Background())
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if ok {
		t.Fatalf("enable must be refused when every transport is down")
	}
	if enabled, _ := st.SendReportsEnabled(context.Background()); enabled {
		t.Fatalf("switch must stay off after refusal")
	}
}

func TestEnableSucceedsWithOneHealthyTransport(t *testing.T) {
	st := newFakeReportStore()
	st.enabled = false
	tr := &fakeTransport{
		customers: []string{"acme", "beta"},
		healthErr: map[string]error{"acme": errors.New("down")},
	}
	c := newTestCoordinator(st, tr, 4)

	ok, err := c.Enable(context.Background())
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !ok {
		t.Fatalf("one healthy transport should allow enabling")
	}
	if enabled, _ := st.SendReportsEnabled(context.Background()); !enabled {
		t.Fatalf("switch must be on after enable")
	}
}
