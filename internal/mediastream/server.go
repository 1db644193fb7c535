// Package mediastream runs the bidirectional audio leg of a call: it
// terminates the carrier's media WebSocket, paces µ-law frames out at 20 ms,
// detects caller utterances with a trailing-silence VAD, and drives the
// dialog machine with transcribed speech. Transfers use it only to announce
// the bridge; outbound shift offers run their whole dialog here.
package mediastream

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/shiftline/shiftline/internal/blob"
	"github.com/shiftline/shiftline/internal/calllog"
	"github.com/shiftline/shiftline/internal/config"
	"github.com/shiftline/shiftline/internal/fsm"
	"github.com/shiftline/shiftline/internal/media"
	"github.com/shiftline/shiftline/internal/speech"
)

// Dialog advances the call state machine, executing effects until a
// user-facing output arrives. The webhook dispatcher implements it.
type Dialog interface {
	Advance(ctx context.Context, state fsm.CallState, in fsm.Input) (fsm.CallState, fsm.Output, error)
}

// Deps carries the server's collaborators. Blobs and Logs may be nil when
// recording is disabled.
type Deps struct {
	Config *config.Config
	Dialog Dialog
	TTS    speech.Synthesizer
	STT    speech.Transcriber
	Blobs  blob.Store
	Logs   *calllog.Writer
	Logger *slog.Logger
}

// Server accepts carrier media WebSockets, one session per call leg.
type Server struct {
	cfg    *config.Config
	dialog Dialog
	tts    speech.Synthesizer
	stt    speech.Transcriber
	blobs  blob.Store
	logs   *calllog.Writer
	logger *slog.Logger

	active atomic.Int64

	// pace is the inter-frame delay; tests shrink it to run in real time.
	pace time.Duration
	now  func() time.Time
}

// NewServer wires a media stream server.
func NewServer(d Deps) *Server {
	return &Server{
		cfg:    d.Config,
		dialog: d.Dialog,
		tts:    d.TTS,
		stt:    d.STT,
		blobs:  d.Blobs,
		logs:   d.Logs,
		logger: d.Logger.With("subsystem", "mediastream"),
		pace:   media.FrameDurationMs * time.Millisecond,
		now:    time.Now,
	}
}

// Active returns the number of open media sessions.
func (s *Server) Active() int64 {
	return s.active.Load()
}

// ServeHTTP upgrades the connection and runs the session to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The carrier does not send a browser Origin header.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("accepting media websocket", "error", err)
		return
	}
	s.active.Add(1)
	defer s.active.Add(-1)

	sess := newSession(s, conn)
	sess.run(r.Context())
	conn.Close(websocket.StatusNormalClosure, "done")
}
