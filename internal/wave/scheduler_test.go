package wave

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shiftline/shiftline/internal/calllog"
	"github.com/shiftline/shiftline/internal/carrier"
	"github.com/shiftline/shiftline/internal/events"
	"github.com/shiftline/shiftline/internal/records"
	"github.com/shiftline/shiftline/internal/store"
)

type fakeRecords struct {
	records.Store

	mu        sync.Mutex
	occs      map[string]records.Occurrence
	employees []records.Employee
	logSeq    int
}

func (f *fakeRecords) OccurrenceByID(ctx context.Context, id string) (*records.Occurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, ok := f.occs[id]
	if !ok {
		return nil, records.ErrNotFound
	}
	return &occ, nil
}

func (f *fakeRecords) EmployeesForProvider(ctx context.Context, providerID string) ([]records.Employee, error) {
	return f.employees, nil
}

func (f *fakeRecords) UpdateOccurrence(ctx context.Context, id, status, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, ok := f.occs[id]
	if !ok {
		return records.ErrNotFound
	}
	occ.Status = status
	occ.Reason = reason
	f.occs[id] = occ
	return nil
}

func (f *fakeRecords) AppendCallLog(ctx context.Context, log records.CallLog) (*records.CallLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logSeq++
	log.ID = "log-" + string(rune('0'+f.logSeq))
	return &log, nil
}

func (f *fakeRecords) UpdateCallLog(ctx context.Context, id string, upd records.CallLogUpdate) error {
	return nil
}

type fakeCaller struct {
	mu   sync.Mutex
	reqs []carrier.CreateCallRequest
	fail bool
	seq  int
}

func (f *fakeCaller) CreateCall(ctx context.Context, req carrier.CreateCallRequest) (*carrier.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("carrier unavailable")
	}
	f.reqs = append(f.reqs, req)
	f.seq++
	return &carrier.Call{Sid: "CA-out-" + string(rune('0'+f.seq)), Status: "queued"}, nil
}

func (f *fakeCaller) calls() []carrier.CreateCallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]carrier.CreateCallRequest(nil), f.reqs...)
}

type fixture struct {
	sched   *Scheduler
	records *fakeRecords
	caller  *fakeCaller
	store   *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := store.NewWithClient(client, slog.New(slog.DiscardHandler))

	rs := &fakeRecords{
		occs: map[string]records.Occurrence{
			"occ-1": {ID: "occ-1", ProviderID: "prov-1", EmployeeID: "emp-sick", Status: records.OccurrenceUnfilled},
		},
		employees: []records.Employee{
			{ID: "emp-sick", Name: "Releasing", Phone: "+61400000000"},
			{ID: "emp-1", Name: "One", Phone: "+61400000001"},
			{ID: "emp-2", Name: "Two", Phone: "+61400000002"},
			{ID: "emp-3", Name: "Three", Phone: "+61400000003"},
			{ID: "emp-4", Name: "Four", Phone: "+61400000004"},
		},
	}
	caller := &fakeCaller{}
	logger := slog.New(slog.DiscardHandler)
	bus := events.NewBus(st, logger)
	logs := calllog.New(rs, logger)

	sched := New(Config{
		Rounds:        2,
		Backoff:       []time.Duration{0, 0},
		Concurrency:   2,
		MaxPerRound:   3,
		DialTimeout:   30,
		FinalizeDelay: time.Millisecond,
		PublicBaseURL: "https://calls.example.com",
		FromNumber:    "+61255550123",
	}, st, rs, caller, bus, logs, logger)

	return &fixture{sched: sched, records: rs, caller: caller, store: st}
}

func TestRoundDialsEligibleEmployees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sched.dispatchRound(ctx, "occ-1", 1)

	calls := f.caller.calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 dials (MaxPerRound), got %d", len(calls))
	}
	for _, c := range calls {
		if c.To == "+61400000000" {
			t.Error("the releasing employee must not be dialed")
		}
		if c.From != "+61255550123" {
			t.Errorf("unexpected caller id %s", c.From)
		}
		if c.TimeoutSecs != 30 {
			t.Errorf("unexpected dial timeout %d", c.TimeoutSecs)
		}
	}
	first := calls[0]
	for _, want := range []string{"occurrenceId=occ-1", "round=1", "employeeId="} {
		if !contains(first.AnswerURL, want) {
			t.Errorf("answer URL missing %q: %s", want, first.AnswerURL)
		}
		if !contains(first.StatusCallback, want) {
			t.Errorf("status callback missing %q: %s", want, first.StatusCallback)
		}
	}

	rec, err := loadRecord(ctx, f.store, "occ-1")
	if err != nil || rec == nil {
		t.Fatalf("wave record missing: %v", err)
	}
	if rec.Status != StatusDispatched || rec.WaveNumber != 1 || len(rec.Attempts) != 3 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSecondRoundSkipsPriorAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sched.dispatchRound(ctx, "occ-1", 1)
	f.sched.dispatchRound(ctx, "occ-1", 2)

	calls := f.caller.calls()
	// 4 eligible employees, 3 in round one, 1 left for round two.
	if len(calls) != 4 {
		t.Fatalf("expected 4 total dials, got %d", len(calls))
	}
	seen := map[string]int{}
	for _, c := range calls {
		seen[c.To]++
	}
	for to, n := range seen {
		if n > 1 {
			t.Errorf("employee %s dialed %d times across rounds", to, n)
		}
	}
}

func TestDispatchMutexAllowsOnlyOneWave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.SetNX(ctx, store.WaveKey("occ-1")+":dispatching", []byte("1"), time.Minute); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	f.sched.dispatchRound(ctx, "occ-1", 1)
	if len(f.caller.calls()) != 0 {
		t.Fatal("dispatch should be skipped while another wave holds the mutex")
	}
}

func TestDispatchSkipsFilledOccurrence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.occs["occ-1"] = records.Occurrence{ID: "occ-1", ProviderID: "prov-1", Status: records.OccurrenceFilled}

	f.sched.dispatchRound(ctx, "occ-1", 1)
	if len(f.caller.calls()) != 0 {
		t.Fatal("filled occurrence must not be dialed")
	}
}

func TestAcceptedCompletesWaveAndFillsShift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sched.dispatchRound(ctx, "occ-1", 1)
	if err := f.sched.HandleAccepted(ctx, "occ-1", "emp-2"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	occ, err := f.records.OccurrenceByID(ctx, "occ-1")
	if err != nil || occ.Status != records.OccurrenceFilled {
		t.Fatalf("expected filled occurrence, got %+v (%v)", occ, err)
	}
	rec, err := loadRecord(ctx, f.store, "occ-1")
	if err != nil || rec == nil || rec.Status != StatusCompleted {
		t.Fatalf("expected completed wave, got %+v (%v)", rec, err)
	}
	accepted := 0
	for _, a := range rec.Attempts {
		if a.Outcome == OutcomeAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted outcome, got %d", accepted)
	}

	// Acceptance is published to the provider stream.
	entries, err := f.store.StreamRange(ctx, store.EventKey("prov-1", time.Now().UTC()), "")
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected published event, got %v (%v)", entries, err)
	}
}

func TestExhaustedWaveIsAbandoned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sched.dispatchRound(ctx, "occ-1", 1)
	f.sched.dispatchRound(ctx, "occ-1", 2)
	for _, emp := range []string{"emp-1", "emp-2", "emp-3", "emp-4"} {
		f.sched.HandleCallStatus(ctx, "occ-1", emp, "no-answer")
	}
	f.sched.finalize(ctx, "occ-1")

	rec, err := loadRecord(ctx, f.store, "occ-1")
	if err != nil || rec == nil || rec.Status != StatusAbandoned {
		t.Fatalf("expected abandoned wave, got %+v (%v)", rec, err)
	}
	occ, _ := f.records.OccurrenceByID(ctx, "occ-1")
	if occ.Status != records.OccurrenceUnfilled {
		t.Fatalf("occurrence should remain unfilled, got %s", occ.Status)
	}

	entries, err := f.store.StreamRange(ctx, store.EventKey("prov-1", time.Now().UTC()), "")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Fields["eventType"] == events.TypeShiftUnfilled {
			found = true
		}
	}
	if !found {
		t.Fatal("expected unfilled event for the portal")
	}
}

func TestDeclineRecordsOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sched.dispatchRound(ctx, "occ-1", 1)
	f.sched.HandleDeclined(ctx, "occ-1", "emp-1")

	rec, err := loadRecord(ctx, f.store, "occ-1")
	if err != nil || rec == nil {
		t.Fatalf("record missing: %v", err)
	}
	found := false
	for _, a := range rec.Attempts {
		if a.EmployeeID == "emp-1" && a.Outcome == OutcomeDeclined {
			found = true
		}
	}
	if !found {
		t.Fatalf("decline not recorded: %+v", rec.Attempts)
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }
