package mediastream

import (
	"testing"

	"github.com/shiftline/shiftline/internal/media"
)

func pcmFrame(amplitude int16) []byte {
	out := make([]byte, media.FrameBytes*2)
	for i := 0; i < media.FrameBytes; i++ {
		out[i*2] = byte(amplitude & 0xFF)
		out[i*2+1] = byte((amplitude >> 8) & 0xFF)
	}
	return out
}

func TestDetectorIgnoresLeadingSilence(t *testing.T) {
	d := newDetector(500, 40)
	for i := 0; i < 50; i++ {
		if d.feed(pcmFrame(0)) {
			t.Fatal("silence alone must never complete an utterance")
		}
	}
	if d.speaking() {
		t.Fatal("detector started without speech")
	}
	if len(d.pcm()) != 0 {
		t.Fatal("leading silence must not be buffered")
	}
}

func TestDetectorEndsAfterTrailingSilence(t *testing.T) {
	d := newDetector(500, 60) // three 20 ms frames
	for i := 0; i < 5; i++ {
		if d.feed(pcmFrame(4000)) {
			t.Fatal("utterance ended while speech was ongoing")
		}
	}
	if !d.speaking() {
		t.Fatal("detector should have started")
	}
	if d.feed(pcmFrame(0)) || d.feed(pcmFrame(0)) {
		t.Fatal("ended before the silence span elapsed")
	}
	if !d.feed(pcmFrame(0)) {
		t.Fatal("expected completion after 60 ms of silence")
	}
	if len(d.pcm()) != 8*media.FrameBytes*2 {
		t.Fatalf("unexpected buffered length %d", len(d.pcm()))
	}
}

func TestDetectorSpeechResetsSilenceSpan(t *testing.T) {
	d := newDetector(500, 40)
	d.feed(pcmFrame(4000))
	d.feed(pcmFrame(0))
	d.feed(pcmFrame(4000)) // pause was shorter than the span
	if d.feed(pcmFrame(0)) {
		t.Fatal("single quiet frame should not end the utterance")
	}
	if !d.feed(pcmFrame(0)) {
		t.Fatal("expected completion after the full silence span")
	}
}
