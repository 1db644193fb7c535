// Package media implements the audio path between speech providers and the
// carrier media stream: G.711 µ-law conversion, 8 kHz resampling, 20 ms
// framing, and tone / hold-music generation.
package media

import (
	"fmt"

	"github.com/zaf/g711"
)

const (
	// SampleRate is the carrier-side audio sample rate in Hz.
	SampleRate = 8000

	// FrameBytes is the payload size of one 20 ms µ-law frame: 160 samples
	// at 8 kHz, 1 byte per sample.
	FrameBytes = 160

	// FrameDurationMs is the duration of one frame in milliseconds.
	FrameDurationMs = 20

	// ULawSilence is the µ-law code for a zero-amplitude sample.
	ULawSilence = 0xFF
)

// EncodePCM16 converts 16-bit little-endian PCM at the given source rate to
// 8 kHz µ-law. Supported source rates are 8000, 16000, and 24000 Hz, which
// covers the output formats of the TTS providers in use.
func EncodePCM16(pcm []byte, sourceRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm length %d is not sample-aligned", len(pcm))
	}
	switch sourceRate {
	case SampleRate:
	case 16000, 24000:
		pcm = Resample(pcm, sourceRate, SampleRate)
	default:
		return nil, fmt.Errorf("unsupported source rate %d Hz", sourceRate)
	}
	return g711.EncodeUlaw(pcm), nil
}

// DecodeULaw converts 8 kHz µ-law to 16-bit little-endian PCM for the STT
// upstream.
func DecodeULaw(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// Frames chunks a µ-law byte stream into fixed 160-byte frames, padding the
// tail frame with µ-law silence. An empty input yields no frames.
func Frames(ulaw []byte) [][]byte {
	if len(ulaw) == 0 {
		return nil
	}
	n := (len(ulaw) + FrameBytes - 1) / FrameBytes
	frames := make([][]byte, 0, n)
	for off := 0; off < len(ulaw); off += FrameBytes {
		end := off + FrameBytes
		if end <= len(ulaw) {
			frames = append(frames, ulaw[off:end])
			continue
		}
		tail := make([]byte, FrameBytes)
		copied := copy(tail, ulaw[off:])
		for i := copied; i < FrameBytes; i++ {
			tail[i] = ULawSilence
		}
		frames = append(frames, tail)
	}
	return frames
}

// SilenceFrame returns a fresh 20 ms frame of µ-law silence.
func SilenceFrame() []byte {
	frame := make([]byte, FrameBytes)
	for i := range frame {
		frame[i] = ULawSilence
	}
	return frame
}

// Energy returns the mean absolute amplitude of 16-bit little-endian PCM.
// Used by the VAD to separate speech from comfort noise.
func Energy(pcm []byte) int {
	if len(pcm) < 2 {
		return 0
	}
	var sum int64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		if s < 0 {
			sum += int64(-int32(s))
		} else {
			sum += int64(s)
		}
		n++
	}
	return int(sum / int64(n))
}
