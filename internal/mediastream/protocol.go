package mediastream

// The carrier speaks a JSON envelope per WebSocket text message. Inbound
// events are connected, start, media, mark, and stop; outbound events are
// media, mark, and clear.

type wireMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	// Payload is base64-encoded 8 kHz G.711 µ-law.
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp,omitempty"`
}

type markPayload struct {
	Name string `json:"name"`
}

// Inbound event names.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventMark      = "mark"
	eventStop      = "stop"
)

// Outbound event names.
const (
	eventClear = "clear"
)
