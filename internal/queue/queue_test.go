package queue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shiftline/shiftline/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := store.NewWithClient(client, slog.New(slog.DiscardHandler))
	return New(st, slog.New(slog.DiscardHandler), 180)
}

func entry(sid string, at time.Time) Entry {
	return Entry{CallSid: sid, CallerPhone: "+61400000001", EnqueuedAt: at}
}

func TestEnqueueReturnsArrivalOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	for i, sid := range []string{"CA1", "CA2", "CA3"} {
		pos, err := e.Enqueue(ctx, "prov-1", entry(sid, base.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("enqueue %s: %v", sid, err)
		}
		if pos != i+1 {
			t.Errorf("%s: expected position %d, got %d", sid, i+1, pos)
		}
	}
}

func TestDequeuePopsLongestWaiting(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	for i, sid := range []string{"CA1", "CA2"} {
		if _, err := e.Enqueue(ctx, "prov-1", entry(sid, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	got, err := e.Dequeue(ctx, "prov-1")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.CallSid != "CA1" {
		t.Fatalf("expected CA1 first, got %+v", got)
	}

	got, err = e.Dequeue(ctx, "prov-1")
	if err != nil || got == nil || got.CallSid != "CA2" {
		t.Fatalf("expected CA2 second, got %+v (%v)", got, err)
	}

	got, err = e.Dequeue(ctx, "prov-1")
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if got != nil {
		t.Fatalf("expected empty queue, got %+v", got)
	}
}

func TestPositionIsNonIncreasing(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	for i, sid := range []string{"CA1", "CA2", "CA3"} {
		if _, err := e.Enqueue(ctx, "prov-1", entry(sid, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	last := 4
	for i := 0; i < 3; i++ {
		pos, ok, err := e.Position(ctx, "prov-1", "CA3")
		if err != nil || !ok {
			t.Fatalf("position: %v ok=%v", err, ok)
		}
		if pos > last {
			t.Fatalf("position increased from %d to %d", last, pos)
		}
		last = pos
		if _, err := e.Dequeue(ctx, "prov-1"); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
	}

	if _, ok, err := e.Position(ctx, "prov-1", "CA3"); err != nil || ok {
		t.Fatalf("CA3 should be gone after drain, ok=%v err=%v", ok, err)
	}
}

func TestRemoveOnAbandon(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	for i, sid := range []string{"CA1", "CA2", "CA3"} {
		if _, err := e.Enqueue(ctx, "prov-1", entry(sid, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	removed, err := e.Remove(ctx, "prov-1", "CA2")
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}

	// The caller behind the abandoned entry moves up.
	pos, ok, err := e.Position(ctx, "prov-1", "CA3")
	if err != nil || !ok || pos != 2 {
		t.Fatalf("expected CA3 at position 2, got %d ok=%v err=%v", pos, ok, err)
	}

	removed, err = e.Remove(ctx, "prov-1", "CA2")
	if err != nil || removed {
		t.Fatalf("double remove should be a no-op, removed=%v err=%v", removed, err)
	}

	depth, err := e.Depth(ctx, "prov-1")
	if err != nil || depth != 2 {
		t.Fatalf("expected depth 2, got %d err=%v", depth, err)
	}
}

func TestEstimatedWait(t *testing.T) {
	e := newTestEngine(t)
	if got := e.EstimatedWait(1); got != 180*time.Second {
		t.Errorf("position 1: got %v", got)
	}
	if got := e.EstimatedWait(3); got != 540*time.Second {
		t.Errorf("position 3: got %v", got)
	}
	if got := e.EstimatedWait(0); got != 0 {
		t.Errorf("position 0: got %v", got)
	}
}

func TestQueuesAreIsolatedPerProvider(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	if _, err := e.Enqueue(ctx, "prov-1", entry("CA1", at)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pos, err := e.Enqueue(ctx, "prov-2", entry("CA2", at))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if pos != 1 {
		t.Errorf("expected fresh queue for prov-2, got position %d", pos)
	}
}
