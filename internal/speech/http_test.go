package speech

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSpeakPostsTextAndReturnsAudio(t *testing.T) {
	var got ttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	tts := NewHTTPTTS(srv.URL, slog.New(slog.DiscardHandler))
	audio, rate, err := tts.Speak(context.Background(), "hello", "Polly.Olivia", "en-AU")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if len(audio) != 4 || rate != 16000 {
		t.Errorf("unexpected audio %v rate %d", audio, rate)
	}
	if got.Text != "hello" || got.Voice != "Polly.Olivia" || got.Format != "pcm16" {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestSpeakTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect and
		// cancels the request context; otherwise Close hangs on this handler.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	tts := NewHTTPTTS(srv.URL, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := tts.Speak(ctx, "hello", "", ""); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestTranscribePostsAudioAndDecodes(t *testing.T) {
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotLen = len(body)
		json.NewEncoder(w).Encode(sttResponse{Text: "family emergency", Confidence: 0.92})
	}))
	defer srv.Close()

	stt := NewHTTPSTT(srv.URL, slog.New(slog.DiscardHandler))
	text, conf, err := stt.Transcribe(context.Background(), make([]byte, 320))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "family emergency" || conf != 0.92 {
		t.Errorf("unexpected result %q %f", text, conf)
	}
	if gotLen != 320 {
		t.Errorf("expected 320 audio bytes posted, got %d", gotLen)
	}
}

func TestTranscribeSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad audio", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	stt := NewHTTPSTT(srv.URL, slog.New(slog.DiscardHandler))
	if _, _, err := stt.Transcribe(context.Background(), nil); err == nil {
		t.Fatal("expected error on 422")
	}
}
