// Package webhook is the carrier-facing HTTP surface: it parses webhook
// forms at the edge, steps the dialog machine, executes its effects, and
// renders instruction documents. It is the only place inbound call state
// is mutated.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shiftline/shiftline/internal/calllog"
	"github.com/shiftline/shiftline/internal/config"
	"github.com/shiftline/shiftline/internal/events"
	"github.com/shiftline/shiftline/internal/fsm"
	"github.com/shiftline/shiftline/internal/queue"
	"github.com/shiftline/shiftline/internal/records"
	"github.com/shiftline/shiftline/internal/store"
	"github.com/shiftline/shiftline/internal/twiml"
	"github.com/shiftline/shiftline/internal/wave"
)

// maxEffectHops bounds the effect-execute-feed-back loop per webhook.
const maxEffectHops = 8

// maxStateLifetime caps the total life of a dialog's persisted state.
// Each webhook refreshes the idle TTL, so without a ceiling a caller who
// keeps pressing keys could hold state forever.
const maxStateLifetime = 2 * time.Hour

// Deps carries the collaborators explicitly; there are no package-level
// singletons.
type Deps struct {
	Config  *config.Config
	Store   *store.Store
	Records records.Store
	Queue   *queue.Engine
	Waves   *wave.Scheduler
	Bus     *events.Bus
	Logs    *calllog.Writer
	Logger  *slog.Logger
}

// Dispatcher handles every carrier webhook endpoint.
type Dispatcher struct {
	cfg     *config.Config
	machine *fsm.Machine
	store   *store.Store
	records records.Store
	queue   *queue.Engine
	waves   *wave.Scheduler
	bus     *events.Bus
	logs    *calllog.Writer
	locks   *store.CallLocks
	logger  *slog.Logger
	now     func() time.Time
}

// New wires a dispatcher from its dependencies.
func New(d Deps) *Dispatcher {
	return &Dispatcher{
		cfg:     d.Config,
		machine: fsm.New(d.Config.MaxAttemptsPerField, d.Config.GatherTimeoutSecs),
		store:   d.Store,
		records: d.Records,
		queue:   d.Queue,
		waves:   d.Waves,
		bus:     d.Bus,
		logs:    d.Logs,
		locks:   store.NewCallLocks(),
		logger:  d.Logger.With("subsystem", "webhook"),
		now:     time.Now,
	}
}

// Routes mounts the carrier endpoints.
func (d *Dispatcher) Routes(r chi.Router) {
	r.Post("/voice/inbound", d.handleInbound)
	r.Post("/voice/gather", d.handleGather)
	r.Post("/voice/status", d.handleVoiceStatus)
	r.Post("/transfer/after-connect", d.handleAfterConnect)
	r.Post("/transfer/status", d.handleTransferStatus)
	r.HandleFunc("/queue/wait", d.handleQueueWait)
	r.HandleFunc("/queue/enqueue", d.handleQueueEnqueue)
	r.Post("/outbound/twiml", d.handleOutboundTwiML)
	r.Post("/outbound/status", d.handleOutboundStatus)
}

// form is the normalized webhook body; handlers never touch the raw
// request form beyond this.
type form struct {
	CallSid        string
	From           string
	To             string
	CallStatus     string
	Digits         string
	SpeechResult   string
	DialCallStatus string
	CallDuration   string
}

func parseForm(r *http.Request) form {
	r.ParseForm()
	get := func(k string) string { return r.Form.Get(k) }
	return form{
		CallSid:        get("CallSid"),
		From:           get("From"),
		To:             get("To"),
		CallStatus:     get("CallStatus"),
		Digits:         get("Digits"),
		SpeechResult:   get("SpeechResult"),
		DialCallStatus: get("DialCallStatus"),
		CallDuration:   get("CallDuration"),
	}
}

// hash fingerprints the inputs that drive a state transition, for
// idempotent replay of carrier retries.
func (f form) hash(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint + "\x00" + f.CallSid + "\x00" + f.Digits +
		"\x00" + f.SpeechResult + "\x00" + f.DialCallStatus + "\x00" + f.CallStatus))
	return hex.EncodeToString(sum[:])
}

// actionURL builds a dispatcher URL with the call sid threaded through.
func (d *Dispatcher) actionURL(path, callSid string) string {
	return fmt.Sprintf("%s%s?callSid=%s", d.cfg.PublicBaseURL, path, url.QueryEscape(callSid))
}

// streamURL is the carrier-facing WebSocket address.
func (d *Dispatcher) streamURL() string {
	u := d.cfg.PublicBaseURL
	switch {
	case len(u) > 8 && u[:8] == "https://":
		u = "wss://" + u[8:]
	case len(u) > 7 && u[:7] == "http://":
		u = "ws://" + u[7:]
	}
	return u + "/media-stream"
}

// loadState fetches a persisted call state. ok is false on a miss.
func (d *Dispatcher) loadState(ctx context.Context, callSid string) (fsm.CallState, bool, error) {
	raw, ok, err := d.store.Get(ctx, store.CallKey(callSid))
	if err != nil {
		return fsm.CallState{}, false, err
	}
	if !ok {
		return fsm.CallState{}, false, nil
	}
	state, err := fsm.UnmarshalState(raw)
	if err != nil {
		return fsm.CallState{}, false, err
	}
	return state, true, nil
}

// saveState persists the state with a refreshed TTL, or deletes it once
// the dialog is done. The refreshed TTL is clamped so the state never
// outlives maxStateLifetime from its creation.
func (d *Dispatcher) saveState(ctx context.Context, state fsm.CallState) error {
	if state.Phase == fsm.PhaseDone {
		return d.store.Del(ctx, store.CallKey(state.Sid))
	}
	now := d.now().UTC()
	ttl := d.cfg.CallStateTTL()
	if !state.CreatedAt.IsZero() {
		remaining := maxStateLifetime - now.Sub(state.CreatedAt)
		if remaining <= 0 {
			return d.store.Del(ctx, store.CallKey(state.Sid))
		}
		if remaining < ttl {
			ttl = remaining
		}
	}
	state.UpdatedAt = now
	raw, err := state.Marshal()
	if err != nil {
		return err
	}
	return d.store.Set(ctx, store.CallKey(state.Sid), raw, ttl)
}

// stepLoop advances the machine, executing effect outputs inline until a
// user-facing output arrives.
func (d *Dispatcher) stepLoop(ctx context.Context, state fsm.CallState, in fsm.Input) (fsm.CallState, fsm.Output, error) {
	var out fsm.Output
	for hop := 0; hop < maxEffectHops; hop++ {
		state, out = d.machine.Step(state, in)
		next, isEffect, err := d.execute(ctx, &state, out)
		if err != nil {
			return state, nil, err
		}
		if !isEffect {
			return state, out, nil
		}
		in = next
	}
	return state, nil, fmt.Errorf("effect loop exceeded %d hops", maxEffectHops)
}

// Advance steps the dialog on behalf of the media stream server,
// executing effects until a user-facing output arrives.
func (d *Dispatcher) Advance(ctx context.Context, state fsm.CallState, in fsm.Input) (fsm.CallState, fsm.Output, error) {
	return d.stepLoop(ctx, state, in)
}

// respondXML writes an instruction document.
func (d *Dispatcher) respondXML(w http.ResponseWriter, doc *twiml.Response) {
	out, err := doc.Render()
	if err != nil {
		d.logger.Error("rendering instruction document", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write(out)
}

// respondRaw replays a previously rendered document verbatim.
func (d *Dispatcher) respondRaw(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(doc))
}

// safeFallback is the degraded single-turn document used when the state
// store is unavailable: never crash the carrier leg.
func (d *Dispatcher) safeFallback(w http.ResponseWriter) {
	d.respondXML(w, twiml.New(
		twiml.Say{Voice: d.cfg.VoiceID, Lang: d.cfg.LangCode,
			Text: "Sorry, we are unable to take your call right now. Please call back shortly."},
		twiml.Hangup{},
	))
}

// errorDocument ends the call with a safe phrase, used for protocol
// violations such as a missing CallSid.
func (d *Dispatcher) errorDocument(w http.ResponseWriter) {
	d.respondXML(w, twiml.New(
		twiml.Say{Voice: d.cfg.VoiceID, Lang: d.cfg.LangCode,
			Text: "Sorry, something went wrong. Goodbye."},
		twiml.Hangup{},
	))
}

// publish fires an event without letting failures surface to the call.
func (d *Dispatcher) publish(ctx context.Context, providerID, eventType, callSid string, data map[string]any) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, providerID, eventType, callSid, data); err != nil {
		d.logger.Warn("publishing event", "type", eventType, "error", err)
	}
}

// logUpdate applies a call-log update when the writer is wired.
func (d *Dispatcher) logUpdate(ctx context.Context, sid string, upd records.CallLogUpdate) {
	if d.logs == nil {
		return
	}
	d.logs.UpdateBySid(ctx, sid, upd)
}
