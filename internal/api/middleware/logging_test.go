package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWrapResponseWriterCapturesStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	wrapped := newWrapResponseWriter(rr)

	wrapped.WriteHeader(http.StatusTeapot)
	wrapped.WriteHeader(http.StatusOK) // only the first write counts

	if wrapped.status != http.StatusTeapot {
		t.Fatalf("expected captured status 418, got %d", wrapped.status)
	}
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected recorded status 418, got %d", rr.Code)
	}
}

func TestWrapResponseWriterDefaultsToOK(t *testing.T) {
	rr := httptest.NewRecorder()
	wrapped := newWrapResponseWriter(rr)

	wrapped.Write([]byte("hello"))

	if wrapped.status != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", wrapped.status)
	}
}

func TestStructuredLoggerPassesThrough(t *testing.T) {
	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("done"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/things", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if rr.Body.String() != "done" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}
