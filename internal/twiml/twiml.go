// Package twiml renders the XML instruction documents the carrier
// consumes. Documents are built from typed verbs and marshaled with
// encoding/xml, so well-formedness and escaping come for free.
package twiml

import (
	"encoding/xml"
	"fmt"
)

// Response is the single root element of every instruction document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text with the carrier's own TTS.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Lang    string   `xml:"language,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Play plays an audio resource.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	Loop    int      `xml:"loop,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// Gather collects DTMF and/or speech, posting the result to Action.
type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr,omitempty"`
	Timeout       int      `xml:"timeout,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	FinishOnKey   string   `xml:"finishOnKey,attr,omitempty"`
	Action        string   `xml:"action,attr,omitempty"`
	Method        string   `xml:"method,attr,omitempty"`
	Verbs         []any
}

// Number is a dial target.
type Number struct {
	XMLName xml.Name `xml:"Number"`
	Phone   string   `xml:",chardata"`
}

// Dial bridges the call to another phone.
type Dial struct {
	XMLName  xml.Name `xml:"Dial"`
	CallerID string   `xml:"callerId,attr,omitempty"`
	Timeout  int      `xml:"timeout,attr,omitempty"`
	Action   string   `xml:"action,attr,omitempty"`
	Method   string   `xml:"method,attr,omitempty"`
	Record   string   `xml:"record,attr,omitempty"`
	Number   Number
}

// Redirect re-enters the webhook flow at another URL.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// Parameter is a custom key/value threaded into the stream start event.
type Parameter struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// Stream opens the bidirectional media WebSocket.
type Stream struct {
	XMLName    xml.Name `xml:"Stream"`
	URL        string   `xml:"url,attr"`
	Parameters []Parameter
}

// Connect hands the call to a stream.
type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  Stream
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Pause waits before the next verb.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

// New returns an empty response document.
func New(verbs ...any) *Response {
	return &Response{Verbs: verbs}
}

// Add appends verbs and returns the response for chaining.
func (r *Response) Add(verbs ...any) *Response {
	r.Verbs = append(r.Verbs, verbs...)
	return r
}

// PromptLoop builds the standard gather document: the prompt inside the
// Gather, then a fallback Say and a Redirect back to the same action so
// silence re-enters the current phase instead of dropping the call.
func PromptLoop(g Gather, fallback Say, redirectURL string) *Response {
	return New(g, fallback, Redirect{Method: "POST", URL: redirectURL})
}

// Render marshals the document with the XML declaration prepended.
func (r *Response) Render() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling instruction document: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// MarshalXML emits the verbs in order under the Response root.
func (r *Response) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "Response"}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, v := range r.Verbs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// MarshalXML emits nested prompt verbs inside the Gather element.
func (g Gather) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "Gather"}
	start.Attr = appendAttr(nil, "input", g.Input)
	if g.Timeout > 0 {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "timeout"}, Value: fmt.Sprint(g.Timeout)})
	}
	start.Attr = appendAttr(start.Attr, "speechTimeout", g.SpeechTimeout)
	start.Attr = appendAttr(start.Attr, "finishOnKey", g.FinishOnKey)
	start.Attr = appendAttr(start.Attr, "action", g.Action)
	start.Attr = appendAttr(start.Attr, "method", g.Method)
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, v := range g.Verbs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// MarshalXML emits the Parameter children inside the Stream element.
func (s Stream) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "Stream"}
	start.Attr = appendAttr(nil, "url", s.URL)
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, p := range s.Parameters {
		if err := e.Encode(p); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

func appendAttr(attrs []xml.Attr, name, value string) []xml.Attr {
	if value == "" {
		return attrs
	}
	return append(attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}
