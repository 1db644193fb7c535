package webhook

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/shiftline/shiftline/internal/events"
	"github.com/shiftline/shiftline/internal/fsm"
	"github.com/shiftline/shiftline/internal/queue"
	"github.com/shiftline/shiftline/internal/records"
	"github.com/shiftline/shiftline/internal/store"
	"github.com/shiftline/shiftline/internal/transfer"
	"github.com/shiftline/shiftline/internal/twiml"
)

// advance steps the machine, renders the result, and persists both the
// new state and the rendered document for idempotent replay. The caller
// must hold the per-call lock.
func (d *Dispatcher) advance(w http.ResponseWriter, r *http.Request, state fsm.CallState, in fsm.Input, inputHash string) {
	ctx := r.Context()
	prevProvider := state.Identity.ProviderID
	state, out, err := d.stepLoop(ctx, state, in)
	if err != nil {
		d.logger.Error("stepping call", "callSid", state.Sid, "error", err)
		d.safeFallback(w)
		return
	}
	doc := d.render(ctx, state, out)
	raw, err := doc.Render()
	if err != nil {
		d.logger.Error("rendering response", "callSid", state.Sid, "error", err)
		d.safeFallback(w)
		return
	}
	if prevProvider == "" && state.Identity.ProviderID != "" {
		// The provider stream only exists once the caller picked one.
		d.publish(ctx, state.Identity.ProviderID, events.TypeCallStarted, state.Sid, map[string]any{
			"direction":   state.Direction,
			"employeeId":  state.Identity.EmployeeID,
			"callerPhone": state.CallerPhone,
		})
	}
	state.LastInputHash = inputHash
	state.LastResponse = string(raw)
	if err := d.saveState(ctx, state); err != nil {
		d.logger.Error("saving call state", "callSid", state.Sid, "error", err)
		d.safeFallback(w)
		return
	}
	d.respondRaw(w, string(raw))
}

// replay answers a retransmitted webhook with the stored document when
// the input fingerprint matches the last one processed.
func (d *Dispatcher) replay(w http.ResponseWriter, state fsm.CallState, ok bool, inputHash string) bool {
	if !ok || state.LastInputHash != inputHash || state.LastResponse == "" {
		return false
	}
	d.respondRaw(w, state.LastResponse)
	return true
}

func (d *Dispatcher) handleInbound(w http.ResponseWriter, r *http.Request) {
	f := parseForm(r)
	if f.CallSid == "" {
		d.errorDocument(w)
		return
	}
	unlock := d.locks.Lock(f.CallSid)
	defer unlock()

	ctx := r.Context()
	h := f.hash("inbound")
	state, ok, err := d.loadState(ctx, f.CallSid)
	if err != nil {
		d.logger.Error("loading call state", "callSid", f.CallSid, "error", err)
		d.safeFallback(w)
		return
	}
	if d.replay(w, state, ok, h) {
		return
	}
	if !ok {
		state = fsm.NewCallState(f.CallSid, d.cfg.LangCode, d.now().UTC())
		if d.logs != nil {
			d.logs.Create(ctx, records.CallLog{
				Sid:       f.CallSid,
				Direction: fsm.DirectionInbound,
				StartedAt: d.now().UTC(),
				Purpose:   "shift_line",
			})
		}
	}
	d.advance(w, r, state, fsm.StartInbound{CallerPhone: f.From}, h)
}

func (d *Dispatcher) handleGather(w http.ResponseWriter, r *http.Request) {
	f := parseForm(r)
	if f.CallSid == "" {
		d.errorDocument(w)
		return
	}
	unlock := d.locks.Lock(f.CallSid)
	defer unlock()

	h := f.hash("gather")
	state, ok, err := d.loadState(r.Context(), f.CallSid)
	if err != nil {
		d.logger.Error("loading call state", "callSid", f.CallSid, "error", err)
		d.safeFallback(w)
		return
	}
	if d.replay(w, state, ok, h) {
		return
	}
	if !ok {
		// The call outlived its state TTL or the store was flushed.
		d.safeFallback(w)
		return
	}

	var in fsm.Input
	switch {
	case f.Digits != "":
		in = fsm.Digits{Digits: f.Digits}
	case f.SpeechResult != "":
		in = fsm.SpeechResult{Text: f.SpeechResult}
	default:
		in = fsm.Silence{}
	}
	d.advance(w, r, state, in, h)
}

// terminal call statuses as the carrier reports them.
func isEndStatus(status string) bool {
	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled":
		return true
	}
	return false
}

func (d *Dispatcher) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	f := parseForm(r)
	if f.CallSid == "" || !isEndStatus(f.CallStatus) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	unlock := d.locks.Lock(f.CallSid)
	defer unlock()

	ctx := r.Context()
	now := d.now().UTC()
	upd := records.CallLogUpdate{EndedAt: &now}
	if secs, err := strconv.Atoi(f.CallDuration); err == nil {
		upd.Seconds = &secs
	}
	d.logUpdate(ctx, f.CallSid, upd)

	state, ok, err := d.loadState(ctx, f.CallSid)
	if err == nil && ok {
		if state.Identity.ProviderID != "" && d.queue != nil {
			// Abandoned hold positions are released on hangup.
			if removed, err := d.queue.Remove(ctx, state.Identity.ProviderID, f.CallSid); err != nil {
				d.logger.Warn("removing caller from queue", "callSid", f.CallSid, "error", err)
			} else if removed {
				d.logger.Info("caller left hold queue", "callSid", f.CallSid, "providerId", state.Identity.ProviderID)
			}
		}
		d.publish(ctx, state.Identity.ProviderID, events.TypeCallEnded, f.CallSid, map[string]any{
			"status":  f.CallStatus,
			"seconds": f.CallDuration,
		})
		if err := d.store.Del(ctx, store.CallKey(f.CallSid)); err != nil {
			d.logger.Warn("deleting call state", "callSid", f.CallSid, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dispatcher) handleAfterConnect(w http.ResponseWriter, r *http.Request) {
	f := parseForm(r)
	if f.CallSid == "" {
		d.errorDocument(w)
		return
	}
	unlock := d.locks.Lock(f.CallSid)
	defer unlock()

	ctx := r.Context()
	h := f.hash("after-connect")
	state, ok, err := d.loadState(ctx, f.CallSid)
	if err != nil {
		d.logger.Error("loading call state", "callSid", f.CallSid, "error", err)
		d.safeFallback(w)
		return
	}
	if d.replay(w, state, ok, h) {
		return
	}
	if !ok {
		d.safeFallback(w)
		return
	}
	d.publish(ctx, state.Identity.ProviderID, events.TypeTransferStarted, f.CallSid, nil)
	intent := "transfer"
	d.logUpdate(ctx, f.CallSid, records.CallLogUpdate{DetectedIntent: &intent})
	d.advance(w, r, state, fsm.StreamEnded{}, h)
}

func (d *Dispatcher) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	f := parseForm(r)
	if f.CallSid == "" {
		d.errorDocument(w)
		return
	}
	unlock := d.locks.Lock(f.CallSid)
	defer unlock()

	ctx := r.Context()
	h := f.hash("transfer-status")
	state, ok, err := d.loadState(ctx, f.CallSid)
	if err != nil {
		d.logger.Error("loading call state", "callSid", f.CallSid, "error", err)
		d.safeFallback(w)
		return
	}
	if d.replay(w, state, ok, h) {
		return
	}
	if !ok {
		d.safeFallback(w)
		return
	}

	if transfer.DialSucceeded(f.DialCallStatus) {
		state.Phase = fsm.PhaseDone
		if err := d.saveState(ctx, state); err != nil {
			d.logger.Warn("clearing call state after transfer", "callSid", f.CallSid, "error", err)
		}
		d.respondXML(w, twiml.New(twiml.Hangup{}))
		return
	}
	d.advance(w, r, state, fsm.TransferFailed{}, h)
}

// callSidFrom accepts the sid from either the carrier form or the query
// string, since redirect targets carry it as a parameter.
func callSidFrom(r *http.Request, f form) string {
	if f.CallSid != "" {
		return f.CallSid
	}
	return r.URL.Query().Get("callSid")
}

func (d *Dispatcher) handleQueueEnqueue(w http.ResponseWriter, r *http.Request) {
	f := parseForm(r)
	sid := callSidFrom(r, f)
	if sid == "" {
		d.errorDocument(w)
		return
	}
	ctx := r.Context()
	state, ok, err := d.loadState(ctx, sid)
	if err != nil || !ok || state.Identity.ProviderID == "" {
		d.safeFallback(w)
		return
	}

	pos, err := d.queue.Enqueue(ctx, state.Identity.ProviderID, queue.Entry{
		CallSid:     sid,
		CallerPhone: state.CallerPhone,
		CallerName:  state.Identity.EmployeeName,
		EnqueuedAt:  d.now().UTC(),
		JobInfo:     state.WorkItem.JobCode,
	})
	if err != nil {
		d.logger.Error("enqueueing caller", "callSid", sid, "error", err)
		d.safeFallback(w)
		return
	}
	d.publish(ctx, state.Identity.ProviderID, events.TypeCallerQueued, sid, map[string]any{
		"position":    pos,
		"callerName":  state.Identity.EmployeeName,
		"callerPhone": state.CallerPhone,
	})
	d.respondXML(w, twiml.New(
		d.say(fmt.Sprintf("All of our representatives are busy. You are number %d in line. %s", pos, d.waitPhrase(pos))),
		twiml.Redirect{Method: "POST", URL: d.actionURL("/queue/wait", sid)},
	))
}

func (d *Dispatcher) handleQueueWait(w http.ResponseWriter, r *http.Request) {
	f := parseForm(r)
	sid := callSidFrom(r, f)
	if sid == "" {
		d.errorDocument(w)
		return
	}
	ctx := r.Context()
	state, ok, err := d.loadState(ctx, sid)
	if err != nil || !ok || state.Identity.ProviderID == "" {
		d.safeFallback(w)
		return
	}

	pos, queued, err := d.queue.Position(ctx, state.Identity.ProviderID, sid)
	if err != nil {
		d.logger.Error("reading queue position", "callSid", sid, "error", err)
		d.safeFallback(w)
		return
	}
	if !queued {
		// Dequeued by a representative; the bridge happens on their side.
		d.respondXML(w, twiml.New(
			d.say("Thank you for holding. A representative will be with you right away."),
			twiml.Pause{Length: 60},
			twiml.Hangup{},
		))
		return
	}
	d.respondXML(w, twiml.New(
		d.say(fmt.Sprintf("You are number %d in line. %s", pos, d.waitPhrase(pos))),
		twiml.Play{URL: d.cfg.PublicBaseURL + "/assets/hold.wav"},
		twiml.Redirect{Method: "POST", URL: d.actionURL("/queue/wait", sid)},
	))
}

// waitPhrase renders the estimated wait in caller-friendly terms.
func (d *Dispatcher) waitPhrase(position int) string {
	mins := int(d.queue.EstimatedWait(position).Minutes())
	if mins < 1 {
		return "Your estimated wait is less than a minute."
	}
	if mins == 1 {
		return "Your estimated wait is about one minute."
	}
	return fmt.Sprintf("Your estimated wait is about %d minutes.", mins)
}

func (d *Dispatcher) handleOutboundTwiML(w http.ResponseWriter, r *http.Request) {
	f := parseForm(r)
	if f.CallSid == "" {
		d.errorDocument(w)
		return
	}
	q := r.URL.Query()
	occurrenceID := q.Get("occurrenceId")
	employeeID := q.Get("employeeId")
	if occurrenceID == "" || employeeID == "" {
		d.errorDocument(w)
		return
	}
	// The dialog itself runs over the media stream; the answer document
	// only opens the socket with the offer parameters attached.
	d.respondXML(w, twiml.New(
		twiml.Pause{Length: 1},
		twiml.Connect{Stream: d.streamVerb(f.CallSid, map[string]string{
			"callType":     "outbound",
			"occurrenceId": occurrenceID,
			"employeeId":   employeeID,
			"round":        q.Get("round"),
			"callId":       q.Get("callId"),
		})},
	))
}

func (d *Dispatcher) handleOutboundStatus(w http.ResponseWriter, r *http.Request) {
	f := parseForm(r)
	if f.CallSid == "" || !isEndStatus(f.CallStatus) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	if d.waves != nil {
		d.waves.HandleCallStatus(ctx, q.Get("occurrenceId"), q.Get("employeeId"), f.CallStatus)
	}
	now := d.now().UTC()
	upd := records.CallLogUpdate{EndedAt: &now}
	if secs, err := strconv.Atoi(f.CallDuration); err == nil {
		upd.Seconds = &secs
	}
	if logID := q.Get("callId"); logID != "" && d.logs != nil {
		d.logs.Update(ctx, logID, upd)
	} else {
		d.logUpdate(ctx, f.CallSid, upd)
	}
	w.WriteHeader(http.StatusNoContent)
}
