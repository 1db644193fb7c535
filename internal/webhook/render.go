package webhook

import (
	"context"
	"sort"

	"github.com/shiftline/shiftline/internal/fsm"
	"github.com/shiftline/shiftline/internal/transfer"
	"github.com/shiftline/shiftline/internal/twiml"
)

const noInputText = "Sorry, I didn't hear anything."

// say wraps text in the configured voice and language.
func (d *Dispatcher) say(text string) twiml.Say {
	return twiml.Say{Voice: d.cfg.VoiceID, Lang: d.cfg.LangCode, Text: text}
}

// render turns a user-facing machine output into the instruction
// document for this webhook response.
func (d *Dispatcher) render(ctx context.Context, state fsm.CallState, out fsm.Output) *twiml.Response {
	gatherURL := d.actionURL("/voice/gather", state.Sid)

	switch o := out.(type) {
	case fsm.Say:
		return twiml.New(d.say(o.Text), twiml.Redirect{Method: "POST", URL: gatherURL})

	case fsm.AskDTMF:
		g := twiml.Gather{
			Input:       "dtmf",
			Timeout:     o.Timeout,
			FinishOnKey: "#",
			Action:      gatherURL,
			Method:      "POST",
			Verbs:       []any{d.say(o.Text)},
		}
		return twiml.PromptLoop(g, d.say(noInputText), gatherURL)

	case fsm.AskSpeech:
		g := twiml.Gather{
			Input:         "dtmf speech",
			Timeout:       o.Timeout,
			SpeechTimeout: "auto",
			Action:        gatherURL,
			Method:        "POST",
			Verbs:         []any{d.say(o.Text)},
		}
		return twiml.PromptLoop(g, d.say(noInputText), gatherURL)

	case fsm.ConnectStream:
		return twiml.New(
			d.say("Please hold while I connect you."),
			twiml.Connect{Stream: d.streamVerb(state.Sid, o.Params)},
		)

	case fsm.TransferTo:
		return d.renderTransfer(ctx, state, o.Phone)

	case fsm.Enqueue:
		return twiml.New(twiml.Redirect{Method: "POST", URL: d.actionURL("/queue/enqueue", state.Sid)})

	case fsm.Hangup:
		doc := twiml.New()
		if o.Text != "" {
			doc.Add(d.say(o.Text))
		}
		return doc.Add(twiml.Hangup{})

	case fsm.Noop:
		return twiml.New()

	default:
		// Effects never reach the renderer; treat a stray one as a fault.
		return twiml.New(d.say("Sorry, something went wrong. Goodbye."), twiml.Hangup{})
	}
}

// streamVerb builds the Connect target with the call sid and any machine
// parameters threaded through, in a stable order.
func (d *Dispatcher) streamVerb(callSid string, params map[string]string) twiml.Stream {
	merged := map[string]string{"callSid": callSid}
	for k, v := range params {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := twiml.Stream{URL: d.streamURL()}
	for _, k := range keys {
		s.Parameters = append(s.Parameters, twiml.Parameter{Name: k, Value: merged[k]})
	}
	return s
}

// renderTransfer resolves the representative number and bridges the
// caller, falling back to the hold queue when nothing is configured.
func (d *Dispatcher) renderTransfer(ctx context.Context, state fsm.CallState, pendingPhone string) *twiml.Response {
	var providerNumber string
	if state.Identity.ProviderID != "" {
		if prov, err := d.records.ProviderByID(ctx, state.Identity.ProviderID); err == nil {
			providerNumber = prov.TransferNumber
		}
	}
	number := transfer.ResolveNumber(pendingPhone, providerNumber, d.cfg.DefaultTransferNum)
	if number == "" {
		d.logger.Warn("no transfer number configured", "callSid", state.Sid, "providerId", state.Identity.ProviderID)
		return twiml.New(twiml.Redirect{Method: "POST", URL: d.actionURL("/queue/enqueue", state.Sid)})
	}
	return transfer.BuildDial(transfer.DialParams{
		CallerPhone: state.CallerPhone,
		RepPhone:    number,
		TimeoutSecs: d.cfg.DialTimeoutSecs,
		ActionURL:   d.actionURL("/transfer/status", state.Sid),
		EnqueueURL:  d.actionURL("/queue/enqueue", state.Sid),
		Record:      d.cfg.RecordMediaStreams,
	})
}
