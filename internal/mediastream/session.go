package mediastream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/shiftline/shiftline/internal/blob"
	"github.com/shiftline/shiftline/internal/fsm"
	"github.com/shiftline/shiftline/internal/media"
	"github.com/shiftline/shiftline/internal/records"
)

// maxDialogTurns bounds a single media session's prompt/response loop.
const maxDialogTurns = 24

// recordingPendingSentinel is stored on the call log when the audio was
// captured but the blob upload failed; an operator can retry from disk.
const recordingPendingSentinel = "Recording pending upload"

type session struct {
	srv  *Server
	conn *websocket.Conn

	streamSid string
	callSid   string
	params    map[string]string

	started chan startPayload
	frames  chan []byte // decoded µ-law payloads from the carrier
	stopped chan struct{}

	writeMu sync.Mutex

	// recMu guards recorded: readLoop appends frames until the carrier
	// sends stop, which can overlap finalizeRecording after the dialog
	// ends.
	recMu    sync.Mutex
	recorded bytes.Buffer

	// pendingPCM carries speech that arrived as barge-in during playback
	// into the next listen window.
	pendingPCM []byte
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	return &session{
		srv:     srv,
		conn:    conn,
		started: make(chan startPayload, 1),
		frames:  make(chan []byte, 64),
		stopped: make(chan struct{}),
	}
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.readLoop(ctx)

	select {
	case start := <-s.started:
		s.streamSid = start.StreamSid
		s.callSid = start.CustomParameters["callSid"]
		if s.callSid == "" {
			s.callSid = start.CallSid
		}
		s.params = start.CustomParameters
	case <-s.stopped:
		return
	case <-time.After(10 * time.Second):
		s.srv.logger.Warn("media stream never sent start")
		return
	case <-ctx.Done():
		return
	}

	logger := s.srv.logger.With("callSid", s.callSid, "callType", s.params["callType"])
	logger.Info("media stream started")

	switch s.params["callType"] {
	case "outbound":
		s.runOffer(ctx)
	case "transfer":
		// The announcement is the whole job: closing the socket moves the
		// call on to the transfer Dial.
		s.speak(ctx, "Please hold while I connect you to a representative.")
	default:
		logger.Warn("unknown media stream call type")
	}

	s.finalizeRecording(ctx)
	logger.Info("media stream finished")
}

// readLoop decodes carrier events until the socket closes.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.stopped)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.srv.logger.Warn("undecodable media message", "error", err)
			continue
		}
		switch msg.Event {
		case eventStart:
			if msg.Start != nil {
				s.started <- *msg.Start
			}
		case eventMedia:
			if msg.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			if s.srv.cfg.RecordMediaStreams {
				s.recMu.Lock()
				s.recorded.Write(payload)
				s.recMu.Unlock()
			}
			select {
			case s.frames <- payload:
			default:
				// The dialog is not listening; dropping keeps us real-time.
			}
		case eventStop:
			return
		case eventConnected, eventMark:
			// No action needed.
		}
	}
}

// runOffer drives the outbound shift-offer dialog over the stream.
func (s *session) runOffer(ctx context.Context) {
	round, _ := strconv.Atoi(s.params["round"])
	state := fsm.NewCallState(s.callSid, s.srv.cfg.LangCode, s.srv.now().UTC())
	var in fsm.Input = fsm.StartOutbound{
		OccurrenceID: s.params["occurrenceId"],
		EmployeeID:   s.params["employeeId"],
		Round:        round,
	}

	for turn := 0; turn < maxDialogTurns; turn++ {
		var out fsm.Output
		var err error
		state, out, err = s.srv.dialog.Advance(ctx, state, in)
		if err != nil {
			s.srv.logger.Error("advancing offer dialog", "callSid", s.callSid, "error", err)
			s.speak(ctx, "Sorry, something went wrong. Goodbye.")
			return
		}

		switch o := out.(type) {
		case fsm.AskSpeech:
			if !s.speakInterruptible(ctx, o.Text) {
				return
			}
			in = s.listen(ctx)
			if _, ended := in.(fsm.StreamEnded); ended {
				return
			}
		case fsm.AskDTMF:
			// Keypad input does not traverse the stream; collect speech.
			if !s.speakInterruptible(ctx, o.Text) {
				return
			}
			in = s.listen(ctx)
			if _, ended := in.(fsm.StreamEnded); ended {
				return
			}
		case fsm.Say:
			if !s.speakInterruptible(ctx, o.Text) {
				return
			}
			in = fsm.Silence{}
		case fsm.Hangup:
			if o.Text != "" {
				s.speak(ctx, o.Text)
			}
			return
		default:
			return
		}
	}
	s.srv.logger.Warn("offer dialog exceeded turn budget", "callSid", s.callSid)
}

// speak synthesizes and plays text, ignoring barge-in.
func (s *session) speak(ctx context.Context, text string) {
	s.play(ctx, text, false)
}

// speakInterruptible plays text but yields to caller speech. It reports
// false when the stream went away mid-playback.
func (s *session) speakInterruptible(ctx context.Context, text string) bool {
	return s.play(ctx, text, true)
}

func (s *session) play(ctx context.Context, text string, interruptible bool) bool {
	frames, err := s.synthesize(ctx, text)
	if err != nil {
		s.srv.logger.Error("synthesizing prompt", "callSid", s.callSid, "error", err)
		return true
	}
	ticker := time.NewTicker(s.srv.pace)
	defer ticker.Stop()

	for _, frame := range frames {
		if interruptible {
			select {
			case payload := <-s.frames:
				pcm := media.DecodeULaw(payload)
				if media.Energy(pcm) >= s.srv.cfg.VADEnergyThreshold {
					// Barge-in: flush queued audio and hand over to listen.
					s.pendingPCM = append(s.pendingPCM, pcm...)
					s.send(ctx, wireMessage{Event: eventClear, StreamSid: s.streamSid})
					return true
				}
			default:
			}
		}
		if err := s.send(ctx, wireMessage{
			Event:     eventMedia,
			StreamSid: s.streamSid,
			Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
		}); err != nil {
			return false
		}
		select {
		case <-ticker.C:
		case <-s.stopped:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (s *session) synthesize(ctx context.Context, text string) ([][]byte, error) {
	audio, rate, err := s.srv.tts.Speak(ctx, text, s.srv.cfg.VoiceID, s.srv.cfg.LangCode)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	ulaw, err := media.EncodePCM16(audio, rate)
	if err != nil {
		return nil, fmt.Errorf("encoding tts audio: %w", err)
	}
	return media.Frames(ulaw), nil
}

// listen collects one caller utterance and transcribes it. Silence past
// the gather timeout yields a Silence input; a closed stream yields
// StreamEnded.
func (s *session) listen(ctx context.Context) fsm.Input {
	det := newDetector(s.srv.cfg.VADEnergyThreshold, s.srv.cfg.VADSilenceMs)
	for _, pcm := range splitFrames(s.pendingPCM) {
		if det.feed(pcm) {
			s.pendingPCM = nil
			return s.transcribe(ctx, det.pcm())
		}
	}
	s.pendingPCM = nil

	deadline := time.NewTimer(s.srv.cfg.GatherTimeout())
	defer deadline.Stop()
	for {
		select {
		case payload := <-s.frames:
			if det.feed(media.DecodeULaw(payload)) {
				return s.transcribe(ctx, det.pcm())
			}
		case <-deadline.C:
			if det.speaking() {
				return s.transcribe(ctx, det.pcm())
			}
			return fsm.Silence{}
		case <-s.stopped:
			return fsm.StreamEnded{}
		case <-ctx.Done():
			return fsm.StreamEnded{}
		}
	}
}

func (s *session) transcribe(ctx context.Context, pcm []byte) fsm.Input {
	text, confidence, err := s.srv.stt.Transcribe(ctx, pcm)
	if err != nil {
		s.srv.logger.Warn("transcription failed", "callSid", s.callSid, "error", err)
		return fsm.Silence{}
	}
	if text == "" {
		return fsm.Silence{}
	}
	s.srv.logger.Debug("utterance transcribed", "callSid", s.callSid, "confidence", confidence)
	return fsm.SpeechResult{Text: text}
}

func (s *session) send(ctx context.Context, msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// finalizeRecording uploads the captured caller audio as a WAV and points
// the call log at it.
func (s *session) finalizeRecording(ctx context.Context) {
	if !s.srv.cfg.RecordMediaStreams || s.srv.blobs == nil {
		return
	}
	s.recMu.Lock()
	captured := append([]byte(nil), s.recorded.Bytes()...)
	s.recMu.Unlock()
	if len(captured) == 0 {
		return
	}
	pcm := media.DecodeULaw(captured)
	wav := media.WAV(pcm, media.SampleRate)
	key := blob.RecordingKey(s.callSid, s.srv.now().UTC())

	if err := s.srv.blobs.Put(ctx, key, wav, "audio/wav", map[string]string{"callSid": s.callSid}); err != nil {
		s.srv.logger.Error("uploading recording", "callSid", s.callSid, "error", err)
		s.updateRecordingURL(ctx, recordingPendingSentinel)
		return
	}
	u, err := s.srv.blobs.PresignedGet(key, 48*time.Hour)
	if err != nil {
		s.srv.logger.Error("presigning recording", "callSid", s.callSid, "error", err)
		return
	}
	s.updateRecordingURL(ctx, u)
}

func (s *session) updateRecordingURL(ctx context.Context, u string) {
	if s.srv.logs == nil {
		return
	}
	s.srv.logs.UpdateBySid(ctx, s.callSid, records.CallLogUpdate{RecordingURL: &u})
}

// splitFrames re-chunks buffered PCM into 20 ms frames for the detector.
func splitFrames(pcm []byte) [][]byte {
	const frame = media.FrameBytes * 2 // 16-bit samples
	var out [][]byte
	for off := 0; off+frame <= len(pcm); off += frame {
		out = append(out, pcm[off:off+frame])
	}
	if rem := len(pcm) % frame; rem > 0 {
		out = append(out, pcm[len(pcm)-rem:])
	}
	return out
}
