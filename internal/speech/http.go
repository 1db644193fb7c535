package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Per-request deadlines: a slow provider must not stall the media
// stream, so these are tighter than a generic HTTP client timeout.
const (
	ttsTimeout = 10 * time.Second
	sttTimeout = 8 * time.Second
)

// HTTPTTS synthesizes via a JSON-over-HTTP endpoint.
type HTTPTTS struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewHTTPTTS returns a synthesizer for the given endpoint.
func NewHTTPTTS(url string, logger *slog.Logger) *HTTPTTS {
	return &HTTPTTS{
		url:    url,
		http:   &http.Client{Timeout: ttsTimeout},
		logger: logger.With("subsystem", "tts"),
	}
}

type ttsRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
	Lang  string `json:"lang,omitempty"`
	// PCM16 output keeps the decode path simple.
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
}

// Speak posts the text and returns PCM16 audio at 16 kHz.
func (t *HTTPTTS) Speak(ctx context.Context, text, voice, lang string) ([]byte, int, error) {
	const rate = 16000
	body, err := json.Marshal(ttsRequest{Text: text, Voice: voice, Lang: lang, Format: "pcm16", SampleRate: rate})
	if err != nil {
		return nil, 0, fmt.Errorf("encoding synthesis request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, ttsTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("building synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("calling synthesizer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("synthesizer returned status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("reading synthesized audio: %w", err)
	}
	return audio, rate, nil
}

// HTTPSTT transcribes via a JSON-over-HTTP endpoint accepting raw PCM16.
type HTTPSTT struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewHTTPSTT returns a transcriber for the given endpoint.
func NewHTTPSTT(url string, logger *slog.Logger) *HTTPSTT {
	return &HTTPSTT{
		url:    url,
		http:   &http.Client{Timeout: sttTimeout},
		logger: logger.With("subsystem", "stt"),
	}
}

type sttResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcribe posts one utterance of PCM16 at 8 kHz.
func (t *HTTPSTT) Transcribe(ctx context.Context, audio []byte) (string, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, sttTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(audio))
	if err != nil {
		return "", 0, fmt.Errorf("building transcription request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/l16; rate=8000")

	resp, err := t.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("calling transcriber: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("transcriber returned status %d", resp.StatusCode)
	}

	var out sttResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decoding transcription: %w", err)
	}
	return out.Text, out.Confidence, nil
}

var (
	_ Synthesizer = (*HTTPTTS)(nil)
	_ Transcriber = (*HTTPSTT)(nil)
)
