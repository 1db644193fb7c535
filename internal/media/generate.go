package media

import (
	"math"

	"github.com/zaf/g711"
)

// Generator produces an endless sequence of 20 ms µ-law frames. Next never
// returns nil; callers stop by no longer calling it.
type Generator interface {
	Next() []byte
}

// toneGenerator synthesizes a continuous sine tone, tracking phase across
// frames so the waveform is seamless.
type toneGenerator struct {
	freq      float64
	amplitude float64
	phase     float64
}

// NewTone returns a generator for a continuous tone at the given frequency.
// The canonical ringback/comfort tone is 440 Hz.
func NewTone(freqHz float64) Generator {
	return &toneGenerator{freq: freqHz, amplitude: 0.25}
}

func (g *toneGenerator) Next() []byte {
	pcm := make([]byte, FrameBytes*2)
	step := 2 * math.Pi * g.freq / SampleRate
	for i := 0; i < FrameBytes; i++ {
		s := int16(g.amplitude * math.MaxInt16 * math.Sin(g.phase))
		pcm[i*2] = byte(s & 0xFF)
		pcm[i*2+1] = byte((s >> 8) & 0xFF)
		g.phase += step
		if g.phase > 2*math.Pi {
			g.phase -= 2 * math.Pi
		}
	}
	return g711.EncodeUlaw(pcm)
}

// holdMusic cycles a simple two-chord arpeggio so callers on hold hear
// something gentler than a raw tone. Each note lasts noteFrames frames.
type holdMusic struct {
	notes      []float64
	noteFrames int
	frame      int
	tone       *toneGenerator
}

// NewHoldMusic returns a generator producing a soft looping melody built
// from pure tones. It is used when no hold-music recording is configured.
func NewHoldMusic() Generator {
	h := &holdMusic{
		// A minor arpeggio followed by its relative major.
		notes:      []float64{440, 523.25, 659.25, 523.25, 392, 493.88, 587.33, 493.88},
		noteFrames: 25, // 500 ms per note
	}
	h.tone = &toneGenerator{freq: h.notes[0], amplitude: 0.12}
	return h
}

func (h *holdMusic) Next() []byte {
	frame := h.tone.Next()
	h.frame++
	if h.frame%h.noteFrames == 0 {
		idx := (h.frame / h.noteFrames) % len(h.notes)
		h.tone.freq = h.notes[idx]
	}
	return frame
}

// silenceGenerator yields µ-law silence frames forever.
type silenceGenerator struct{}

// NewSilence returns a generator of pure silence frames, used to keep the
// media stream clocked while nothing is playing.
func NewSilence() Generator { return silenceGenerator{} }

func (silenceGenerator) Next() []byte { return SilenceFrame() }
