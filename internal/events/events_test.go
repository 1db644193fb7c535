package events

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shiftline/shiftline/internal/store"
)

func newTestBus(t *testing.T) (*Bus, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := store.NewWithClient(client, slog.New(slog.DiscardHandler))
	return NewBus(st, slog.New(slog.DiscardHandler)), st
}

func TestPublishAppendsToDailyStream(t *testing.T) {
	bus, st := newTestBus(t)
	fixed := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	bus.now = func() time.Time { return fixed }
	ctx := context.Background()

	if err := bus.Publish(ctx, "prov-1", TypeAbsenceReported, "CA123", map[string]any{
		"occurrenceId": "occ-1",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries, err := st.StreamRange(ctx, "events:provider:prov-1:2026-01-15", "")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Fields["eventType"] != TypeAbsenceReported || e.Fields["callSid"] != "CA123" {
		t.Errorf("unexpected fields: %#v", e.Fields)
	}
	if !strings.Contains(e.Fields["dataJson"], "occ-1") {
		t.Errorf("data not serialized: %q", e.Fields["dataJson"])
	}
}

func TestPublishWithoutProviderIsDropped(t *testing.T) {
	bus, _ := newTestBus(t)
	if err := bus.Publish(context.Background(), "", TypeCallStarted, "CA1", nil); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
}

func newSSEServer(t *testing.T, st *store.Store, providerID string) *httptest.Server {
	t.Helper()
	h := NewSSEHandler(st, slog.New(slog.DiscardHandler), 10*time.Millisecond, time.Minute)
	h.ProviderID = func(*http.Request) string { return providerID }
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

// readEvents reads SSE lines until `want` call-event ids arrived or the
// deadline passed.
func readEvents(t *testing.T, body io.Reader, want int, deadline time.Duration) []string {
	t.Helper()
	var ids []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "id: ") {
				ids = append(ids, strings.TrimPrefix(line, "id: "))
				if len(ids) >= want {
					return
				}
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		t.Fatalf("timed out waiting for %d events, got %d", want, len(ids))
	}
	return ids
}

func TestSSEFanOutDeliversInOrder(t *testing.T) {
	bus, st := newTestBus(t)
	bus.now = time.Now
	srv := newSSEServer(t, st, "prov-1")

	ctx := context.Background()
	for _, sid := range []string{"CA1", "CA2", "CA3"} {
		if err := bus.Publish(ctx, "prov-1", TypeCallStarted, sid, nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	openConsumer := func() []string {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("connecting: %v", err)
		}
		defer resp.Body.Close()
		return readEvents(t, resp.Body, 3, 2*time.Second)
	}

	idsA := openConsumer()
	idsB := openConsumer()

	assertIncreasing := func(ids []string) {
		for i := 1; i < len(ids); i++ {
			if !(ids[i] > ids[i-1]) {
				t.Fatalf("ids not strictly increasing: %v", ids)
			}
		}
	}
	assertIncreasing(idsA)
	assertIncreasing(idsB)
}

func TestSSERejectsUnauthenticated(t *testing.T) {
	_, st := newTestBus(t)
	srv := newSSEServer(t, st, "")
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSSESubscriberCap(t *testing.T) {
	_, st := newTestBus(t)
	h := NewSSEHandler(st, slog.New(slog.DiscardHandler), 10*time.Millisecond, time.Minute)
	h.ProviderID = func(*http.Request) string { return "prov-1" }
	h.maxPerProv = 1
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	first, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("first connection: %v", err)
	}
	defer first.Body.Close()

	// Wait for the first subscriber to be registered.
	buf := make([]byte, 1)
	if _, err := first.Body.Read(buf); err != nil {
		t.Fatalf("reading first stream: %v", err)
	}

	second, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("second connection: %v", err)
	}
	defer second.Body.Close()
	if second.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 over cap, got %d", second.StatusCode)
	}
}

func TestSSEDisconnectStopsPolling(t *testing.T) {
	_, st := newTestBus(t)
	srv := newSSEServer(t, st, "prov-1")

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	cancel()
	resp.Body.Close()
	// The handler must exit within one poll tick; give it a few.
	time.Sleep(100 * time.Millisecond)
}
