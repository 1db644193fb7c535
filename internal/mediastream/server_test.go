package mediastream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/shiftline/shiftline/internal/calllog"
	"github.com/shiftline/shiftline/internal/config"
	"github.com/shiftline/shiftline/internal/fsm"
	"github.com/shiftline/shiftline/internal/media"
	"github.com/shiftline/shiftline/internal/records"
)

type fakeDialog struct {
	mu     sync.Mutex
	inputs []fsm.Input
}

func (f *fakeDialog) Advance(ctx context.Context, state fsm.CallState, in fsm.Input) (fsm.CallState, fsm.Output, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	switch v := in.(type) {
	case fsm.StartOutbound:
		return state, fsm.AskSpeech{Text: "Can you take this shift?", Timeout: 2}, nil
	case fsm.SpeechResult:
		if strings.Contains(strings.ToLower(v.Text), "yes") {
			return state, fsm.Hangup{Text: "Thank you, the shift is yours."}, nil
		}
		return state, fsm.Hangup{Text: "No worries. Goodbye."}, nil
	default:
		return state, fsm.Hangup{Text: "Goodbye."}, nil
	}
}

func (f *fakeDialog) seen() []fsm.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fsm.Input(nil), f.inputs...)
}

type fakeTTS struct{}

func (fakeTTS) Speak(ctx context.Context, text, voice, lang string) ([]byte, int, error) {
	// One 20 ms frame of quiet audio at the carrier rate.
	return make([]byte, media.FrameBytes*2), media.SampleRate, nil
}

type fakeSTT struct{ text string }

func (f fakeSTT) Transcribe(ctx context.Context, pcm []byte) (string, float64, error) {
	return f.text, 0.92, nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	keys []string
	data map[string][]byte
	fail bool
}

func (f *fakeBlobs) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return context.DeadlineExceeded
	}
	if f.data == nil {
		f.data = map[string][]byte{}
	}
	f.keys = append(f.keys, key)
	f.data[key] = data
	return nil
}

func (f *fakeBlobs) PresignedGet(key string, ttl time.Duration) (string, error) {
	return "https://blobs.example.com/" + key + "?sig=x", nil
}

type fakeLogStore struct {
	records.Store

	mu   sync.Mutex
	logs map[string]records.CallLog
}

func (f *fakeLogStore) CallLogBySid(ctx context.Context, sid string) (*records.CallLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.logs {
		if l.Sid == sid {
			log := l
			return &log, nil
		}
	}
	return nil, records.ErrNotFound
}

func (f *fakeLogStore) UpdateCallLog(ctx context.Context, id string, upd records.CallLogUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[id]
	if !ok {
		return records.ErrNotFound
	}
	if upd.RecordingURL != nil {
		l.RecordingURL = *upd.RecordingURL
	}
	f.logs[id] = l
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		LangCode:           "en-AU",
		VoiceID:            "Polly.Olivia",
		GatherTimeoutSecs:  2,
		VADSilenceMs:       40,
		VADEnergyThreshold: 500,
	}
}

type harness struct {
	srv    *Server
	dialog *fakeDialog
	blobs  *fakeBlobs
	logs   *fakeLogStore
	conn   *websocket.Conn
	cancel context.CancelFunc
	msgs   chan wireMessage
}

func newHarness(t *testing.T, cfg *config.Config, stt fakeSTT) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	dialog := &fakeDialog{}
	blobs := &fakeBlobs{}
	logStore := &fakeLogStore{logs: map[string]records.CallLog{
		"log-1": {ID: "log-1", Sid: "CA-media"},
	}}
	srv := NewServer(Deps{
		Config: cfg,
		Dialog: dialog,
		TTS:    fakeTTS{},
		STT:    stt,
		Blobs:  blobs,
		Logs:   calllog.New(logStore, logger),
		Logger: logger,
	})
	srv.pace = time.Millisecond

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	h := &harness{srv: srv, dialog: dialog, blobs: blobs, logs: logStore, conn: conn, cancel: cancel}
	h.msgs = make(chan wireMessage, 256)
	go func() {
		defer close(h.msgs)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg wireMessage
			if json.Unmarshal(data, &msg) == nil {
				h.msgs <- msg
			}
		}
	}()
	return h
}

func (h *harness) sendJSON(t *testing.T, msg wireMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (h *harness) sendStart(t *testing.T, params map[string]string) {
	h.sendJSON(t, wireMessage{Event: eventConnected})
	h.sendJSON(t, wireMessage{Event: eventStart, Start: &startPayload{
		StreamSid:        "MZ-1",
		CallSid:          "CA-media",
		CustomParameters: params,
	}})
}

func (h *harness) sendFrame(t *testing.T, payload []byte) {
	h.sendJSON(t, wireMessage{Event: eventMedia, Media: &mediaPayload{
		Payload: base64.StdEncoding.EncodeToString(payload),
	}})
}

// waitMedia blocks until the server has sent at least one media frame.
func (h *harness) waitMedia(t *testing.T) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-h.msgs:
			if !ok {
				t.Fatal("socket closed before any media was sent")
			}
			if msg.Event == eventMedia {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for server media")
		}
	}
}

// drain consumes server messages until the socket closes.
func (h *harness) drain(t *testing.T) []wireMessage {
	t.Helper()
	var out []wireMessage
	deadline := time.After(8 * time.Second)
	for {
		select {
		case msg, ok := <-h.msgs:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-deadline:
			t.Fatal("server never closed the stream")
		}
	}
}

// loudFrame is one 20 ms µ-law frame of constant-amplitude speech.
func loudFrame(t *testing.T) []byte {
	t.Helper()
	pcm := make([]byte, media.FrameBytes*2)
	for i := 0; i < media.FrameBytes; i++ {
		pcm[i*2] = 0xA0
		pcm[i*2+1] = 0x0F // amplitude 4000
	}
	ulaw, err := media.EncodePCM16(pcm, media.SampleRate)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return ulaw
}

func silentFrame() []byte {
	frame := make([]byte, media.FrameBytes)
	for i := range frame {
		frame[i] = media.ULawSilence
	}
	return frame
}

func TestOutboundOfferAcceptedOverStream(t *testing.T) {
	h := newHarness(t, testConfig(), fakeSTT{text: "yes please"})

	h.sendStart(t, map[string]string{
		"callSid":      "CA-media",
		"callType":     "outbound",
		"occurrenceId": "occ-1",
		"employeeId":   "emp-1",
		"round":        "1",
	})
	h.waitMedia(t)

	// The employee answers, then goes quiet long enough for the VAD.
	loud := loudFrame(t)
	for i := 0; i < 3; i++ {
		h.sendFrame(t, loud)
	}
	for i := 0; i < 4; i++ {
		h.sendFrame(t, silentFrame())
	}

	h.drain(t)

	inputs := h.dialog.seen()
	if len(inputs) < 2 {
		t.Fatalf("expected start and speech inputs, got %#v", inputs)
	}
	if start, ok := inputs[0].(fsm.StartOutbound); !ok || start.OccurrenceID != "occ-1" || start.Round != 1 {
		t.Fatalf("unexpected start input %#v", inputs[0])
	}
	sr, ok := inputs[1].(fsm.SpeechResult)
	if !ok || sr.Text != "yes please" {
		t.Fatalf("expected the transcribed answer, got %#v", inputs[1])
	}
}

func TestSilenceFeedsSilenceInput(t *testing.T) {
	cfg := testConfig()
	cfg.GatherTimeoutSecs = 1
	h := newHarness(t, cfg, fakeSTT{text: "anything"})

	h.sendStart(t, map[string]string{
		"callSid":      "CA-media",
		"callType":     "outbound",
		"occurrenceId": "occ-1",
		"employeeId":   "emp-1",
	})
	h.waitMedia(t)
	h.drain(t)

	inputs := h.dialog.seen()
	if len(inputs) < 2 {
		t.Fatalf("expected a timeout input, got %#v", inputs)
	}
	if _, ok := inputs[1].(fsm.Silence); !ok {
		t.Fatalf("expected silence after the gather timeout, got %#v", inputs[1])
	}
}

func TestTransferAnnouncementThenClose(t *testing.T) {
	h := newHarness(t, testConfig(), fakeSTT{})

	h.sendStart(t, map[string]string{
		"callSid":  "CA-media",
		"callType": "transfer",
	})
	msgs := h.drain(t)

	frames := 0
	for _, m := range msgs {
		if m.Event == eventMedia {
			frames++
			if m.StreamSid != "MZ-1" {
				t.Fatalf("media frame missing stream sid: %+v", m)
			}
		}
	}
	if frames == 0 {
		t.Fatal("transfer leg should announce before closing")
	}
	if h.dialog.seen() != nil {
		t.Fatal("transfer announcements must not touch the dialog machine")
	}
}

func TestRecordingUploadedOnFinish(t *testing.T) {
	cfg := testConfig()
	cfg.RecordMediaStreams = true
	h := newHarness(t, cfg, fakeSTT{})

	h.sendStart(t, map[string]string{
		"callSid":  "CA-media",
		"callType": "transfer",
	})
	loud := loudFrame(t)
	for i := 0; i < 5; i++ {
		h.sendFrame(t, loud)
	}
	h.drain(t)

	waitFor(t, func() bool {
		h.blobs.mu.Lock()
		defer h.blobs.mu.Unlock()
		return len(h.blobs.keys) == 1
	}, "recording upload")

	h.blobs.mu.Lock()
	key := h.blobs.keys[0]
	data := h.blobs.data[key]
	h.blobs.mu.Unlock()
	if !strings.HasPrefix(key, "recordings/") || !strings.HasSuffix(key, "CA-media.wav") {
		t.Fatalf("unexpected recording key %s", key)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatal("recording is not a WAV container")
	}

	waitFor(t, func() bool {
		log, err := h.logs.CallLogBySid(context.Background(), "CA-media")
		return err == nil && strings.Contains(log.RecordingURL, key)
	}, "call log recording URL")
}

func TestRecordingWithFramesStillArrivingAtFinish(t *testing.T) {
	cfg := testConfig()
	cfg.RecordMediaStreams = true
	h := newHarness(t, cfg, fakeSTT{})

	h.sendStart(t, map[string]string{
		"callSid":  "CA-media",
		"callType": "transfer",
	})

	// The carrier keeps streaming caller audio until it sees the socket
	// close, so frames overlap the announcement, the finish, and the
	// upload.
	done := make(chan struct{})
	go func() {
		defer close(done)
		payload := base64.StdEncoding.EncodeToString(silentFrame())
		for {
			data, err := json.Marshal(wireMessage{Event: eventMedia, Media: &mediaPayload{Payload: payload}})
			if err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err = h.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}()

	h.drain(t)
	<-done

	waitFor(t, func() bool {
		h.blobs.mu.Lock()
		defer h.blobs.mu.Unlock()
		return len(h.blobs.keys) == 1
	}, "recording upload")

	h.blobs.mu.Lock()
	data := h.blobs.data[h.blobs.keys[0]]
	h.blobs.mu.Unlock()
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatal("recording is not a WAV container")
	}
}

func TestFailedUploadLeavesPendingSentinel(t *testing.T) {
	cfg := testConfig()
	cfg.RecordMediaStreams = true
	h := newHarness(t, cfg, fakeSTT{})
	h.blobs.fail = true

	h.sendStart(t, map[string]string{
		"callSid":  "CA-media",
		"callType": "transfer",
	})
	h.sendFrame(t, loudFrame(t))
	h.drain(t)

	waitFor(t, func() bool {
		log, err := h.logs.CallLogBySid(context.Background(), "CA-media")
		return err == nil && log.RecordingURL == recordingPendingSentinel
	}, "pending-upload sentinel")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
