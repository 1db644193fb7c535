package mediastream

import "github.com/shiftline/shiftline/internal/media"

// detector is a trailing-silence voice activity detector over 20 ms PCM
// frames. An utterance starts at the first frame whose mean amplitude
// reaches the energy threshold and ends once the configured span of
// consecutive quiet frames follows it.
type detector struct {
	threshold int
	silenceMs int

	started  bool
	silentMs int
	buf      []byte
}

func newDetector(energyThreshold, silenceMs int) *detector {
	return &detector{threshold: energyThreshold, silenceMs: silenceMs}
}

// feed consumes one PCM frame and reports whether the utterance is
// complete. Frames before speech starts are discarded.
func (d *detector) feed(pcm []byte) bool {
	loud := media.Energy(pcm) >= d.threshold
	if !d.started {
		if !loud {
			return false
		}
		d.started = true
	}
	d.buf = append(d.buf, pcm...)
	if loud {
		d.silentMs = 0
		return false
	}
	d.silentMs += media.FrameDurationMs
	return d.silentMs >= d.silenceMs
}

// speaking reports whether an utterance is in progress.
func (d *detector) speaking() bool { return d.started }

// pcm returns the buffered utterance audio.
func (d *detector) pcm() []byte { return d.buf }
