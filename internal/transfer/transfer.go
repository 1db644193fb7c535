// Package transfer turns a pending-transfer marker into the carrier
// Dial that bridges the caller to a human representative, and routes the
// Dial outcome either to completion or to the hold queue.
package transfer

import (
	"strings"

	"github.com/shiftline/shiftline/internal/twiml"
)

// ResolveNumber picks the representative number: the per-call pending
// number wins, then the provider's configured number, then the global
// default. Empty means nothing is configured anywhere.
func ResolveNumber(pendingPhone, providerPhone, globalDefault string) string {
	for _, n := range []string{pendingPhone, providerPhone, globalDefault} {
		if strings.TrimSpace(n) != "" {
			return strings.TrimSpace(n)
		}
	}
	return ""
}

// DialParams describes one transfer attempt.
type DialParams struct {
	CallerPhone string // presented as caller ID to the representative
	RepPhone    string
	TimeoutSecs int
	ActionURL   string // receives the Dial outcome
	EnqueueURL  string // fallback when the Dial verb itself falls through
	Record      bool
}

// BuildDial renders the transfer document: an announced Dial with an
// action URL, followed by a Redirect to the queue in case the Dial verb
// completes without bridging.
func BuildDial(p DialParams) *twiml.Response {
	dial := twiml.Dial{
		CallerID: p.CallerPhone,
		Timeout:  p.TimeoutSecs,
		Action:   p.ActionURL,
		Method:   "POST",
		Number:   twiml.Number{Phone: p.RepPhone},
	}
	if p.Record {
		dial.Record = "record-from-answer"
	}
	return twiml.New(
		twiml.Say{Text: "Connecting you now."},
		dial,
		twiml.Redirect{Method: "POST", URL: p.EnqueueURL},
	)
}

// DialSucceeded reports whether the carrier's DialCallStatus means the
// representative picked up.
func DialSucceeded(dialCallStatus string) bool {
	switch strings.ToLower(strings.TrimSpace(dialCallStatus)) {
	case "completed", "answered":
		return true
	}
	return false
}
