package calllog

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shiftline/shiftline/internal/records"
)

// flakyStore fails the first n calls of each operation.
type flakyStore struct {
	records.Store

	failuresLeft int
	appended     []records.CallLog
	updates      map[string]int
	logs         map[string]records.CallLog
}

var errTransient = errors.New("transient store error")

func newFlakyStore(failures int) *flakyStore {
	return &flakyStore{
		failuresLeft: failures,
		updates:      map[string]int{},
		logs:         map[string]records.CallLog{},
	}
}

func (f *flakyStore) trip() error {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errTransient
	}
	return nil
}

func (f *flakyStore) AppendCallLog(ctx context.Context, log records.CallLog) (*records.CallLog, error) {
	if err := f.trip(); err != nil {
		return nil, err
	}
	log.ID = "log-1"
	f.appended = append(f.appended, log)
	f.logs[log.Sid] = log
	return &log, nil
}

func (f *flakyStore) UpdateCallLog(ctx context.Context, logID string, upd records.CallLogUpdate) error {
	if err := f.trip(); err != nil {
		return err
	}
	f.updates[logID]++
	return nil
}

func (f *flakyStore) CallLogBySid(ctx context.Context, sid string) (*records.CallLog, error) {
	if err := f.trip(); err != nil {
		return nil, err
	}
	log, ok := f.logs[sid]
	if !ok {
		return nil, records.ErrNotFound
	}
	return &log, nil
}

func newWriter(store records.Store) *Writer {
	w := New(store, slog.New(slog.DiscardHandler))
	w.sleep = func(context.Context, time.Duration) error { return nil }
	return w
}

func TestCreateRetriesTransientFailures(t *testing.T) {
	store := newFlakyStore(2)
	w := newWriter(store)

	created := w.Create(context.Background(), records.CallLog{Sid: "CA1", Direction: "inbound"})
	if created == nil {
		t.Fatal("expected create to succeed on the third attempt")
	}
	if len(store.appended) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(store.appended))
	}
	if w.Failures() != 0 {
		t.Errorf("no failures should be recorded, got %d", w.Failures())
	}
}

func TestCreateGivesUpAfterThreeAttempts(t *testing.T) {
	store := newFlakyStore(10)
	w := newWriter(store)

	created := w.Create(context.Background(), records.CallLog{Sid: "CA1"})
	if created != nil {
		t.Fatal("expected nil after exhausted retries")
	}
	if store.failuresLeft != 10-3 {
		t.Errorf("expected exactly 3 attempts, %d failures consumed", 10-store.failuresLeft)
	}
	if w.Failures() != 1 {
		t.Errorf("expected one recorded failure, got %d", w.Failures())
	}
}

func TestUpdateBySidResolvesAndApplies(t *testing.T) {
	store := newFlakyStore(0)
	w := newWriter(store)
	ctx := context.Background()

	if w.Create(ctx, records.CallLog{Sid: "CA1"}) == nil {
		t.Fatal("create failed")
	}

	secs := 42
	w.UpdateBySid(ctx, "CA1", records.CallLogUpdate{Seconds: &secs})
	if store.updates["log-1"] != 1 {
		t.Fatalf("expected one update, got %d", store.updates["log-1"])
	}
}

func TestUpdateBySidUnknownSidIsDropped(t *testing.T) {
	store := newFlakyStore(0)
	w := newWriter(store)

	secs := 42
	w.UpdateBySid(context.Background(), "CA404", records.CallLogUpdate{Seconds: &secs})
	if len(store.updates) != 0 {
		t.Fatalf("unexpected updates: %v", store.updates)
	}
	if w.Failures() != 0 {
		t.Errorf("missing row is not a write failure, got %d", w.Failures())
	}
}

func TestUpdateMissingRowDoesNotRetry(t *testing.T) {
	store := newFlakyStore(0)
	w := newWriter(store)

	w.Update(context.Background(), "", records.CallLogUpdate{})
	if len(store.updates) != 0 {
		t.Fatalf("empty id should be ignored, got %v", store.updates)
	}
}

func TestRetryStopsOnCanceledContext(t *testing.T) {
	store := newFlakyStore(10)
	w := New(store, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	created := w.Create(ctx, records.CallLog{Sid: "CA1"})
	if created != nil {
		t.Fatal("expected failure under canceled context")
	}
	if got := 10 - store.failuresLeft; got != 1 {
		t.Errorf("expected a single attempt before the context check, got %d", got)
	}
}
