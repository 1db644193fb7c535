// Package speech defines the synthesis and transcription interfaces the
// media stream depends on, with HTTP clients for self-hosted providers.
package speech

import "context"

// Synthesizer turns prompt text into audio. Implementations return raw
// PCM16 mono; the media codec handles resampling and µ-law encoding.
type Synthesizer interface {
	// Speak returns synthesized audio and its sample rate in Hz.
	Speak(ctx context.Context, text, voice, lang string) (audio []byte, sampleRate int, err error)
}

// Transcriber turns one buffered utterance into text.
type Transcriber interface {
	// Transcribe returns the transcript and a confidence in [0,1].
	Transcribe(ctx context.Context, audio []byte) (text string, confidence float64, err error)
}
